package usecases_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"svontai_router/internal/entities"
	"svontai_router/internal/interfaces"
	"svontai_router/internal/repository"
	"svontai_router/internal/usecases"
)

const platformSecret = "platform-secret"

// scriptedPort answers workflow calls from a script; calls past the script succeed.
type scriptedPort struct {
	mu          sync.Mutex
	asyncErrs   []error
	syncReplies []syncReply
	requests    []interfaces.WorkflowRequest
}

type syncReply struct {
	resp  *entities.IntentResponse
	err   error
	delay time.Duration
}

func (p *scriptedPort) record(req interfaces.WorkflowRequest) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return len(p.requests) - 1
}

func (p *scriptedPort) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedPort) DispatchAsync(ctx context.Context, req interfaces.WorkflowRequest) error {
	i := p.record(req)
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < len(p.asyncErrs) {
		return p.asyncErrs[i]
	}
	return nil
}

func (p *scriptedPort) DispatchSync(ctx context.Context, req interfaces.WorkflowRequest) (*entities.IntentResponse, error) {
	i := p.record(req)
	p.mu.Lock()
	reply := syncReply{resp: &entities.IntentResponse{ResponseText: "ok"}}
	if i < len(p.syncReplies) {
		reply = p.syncReplies[i]
	}
	p.mu.Unlock()

	if reply.delay > 0 {
		select {
		case <-time.After(reply.delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", entities.ErrDispatchTimedOut, ctx.Err())
		}
	}
	return reply.resp, reply.err
}

type recordingMessenger struct {
	mu   sync.Mutex
	sent []entities.OutboundMessage
	err  error
}

func (m *recordingMessenger) Send(_ context.Context, _ *entities.TenantRoute, msg entities.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.err
}

func (m *recordingMessenger) Sent() []entities.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]entities.OutboundMessage(nil), m.sent...)
}

type stubReplies struct {
	text string
	err  error
	last entities.ReplyRequest
}

func (s *stubReplies) GenerateReply(_ context.Context, req entities.ReplyRequest) (string, error) {
	s.last = req
	return s.text, s.err
}

var errStoreDown = errors.New("connection refused")

// flakyUsage fails the next failReserves reservations, then delegates.
type flakyUsage struct {
	*repository.MemoryUsageStore
	mu           sync.Mutex
	failReserves int
}

func (s *flakyUsage) Reserve(ctx context.Context, tenantID, period string, kind entities.UsageKind, amount, limit int64) (entities.ReserveResult, error) {
	s.mu.Lock()
	if s.failReserves > 0 {
		s.failReserves--
		s.mu.Unlock()
		return entities.ReserveResult{}, errStoreDown
	}
	s.mu.Unlock()
	return s.MemoryUsageStore.Reserve(ctx, tenantID, period, kind, amount, limit)
}

// flakyTenants fails the next failGets lookups by id, then delegates.
type flakyTenants struct {
	*repository.MemoryTenantStore
	mu       sync.Mutex
	failGets int
}

func (s *flakyTenants) GetRoute(ctx context.Context, tenantID string) (*entities.TenantRoute, error) {
	s.mu.Lock()
	if s.failGets > 0 {
		s.failGets--
		s.mu.Unlock()
		return nil, errStoreDown
	}
	s.mu.Unlock()
	return s.MemoryTenantStore.GetRoute(ctx, tenantID)
}

// inlineQueue runs jobs on the caller's goroutine.
type inlineQueue struct {
	handler func(context.Context, entities.DispatchJob) error
	err     error
}

func (q *inlineQueue) Enqueue(ctx context.Context, job entities.DispatchJob) error {
	if q.err != nil {
		return q.err
	}
	return q.handler(ctx, job)
}

type harness struct {
	route      *entities.TenantRoute
	tenants    *repository.MemoryTenantStore
	usage      *repository.MemoryUsageStore
	flakyUsage *flakyUsage
	flakyRoute *flakyTenants
	runs       *repository.MemoryRunStore
	ledger     *repository.MemoryLedger
	domain     *repository.MemoryDomainStore
	port       *scriptedPort
	messenger  *recordingMessenger
	replies    *stubReplies
	queue      *inlineQueue
	resolver   *usecases.TenantResolver
	meter      *usecases.UsageMeter
	tokens     *usecases.CallbackTokens
	signer     *usecases.Signer
	fallback   *usecases.FallbackPolicy
	dispatcher *usecases.Dispatcher
	router     *usecases.EventRouter
}

func defaultRoute() *entities.TenantRoute {
	return &entities.TenantRoute{
		TenantID: "t1",
		BotID:    "bot-1",
		Config: entities.TenantAutomationConfig{
			Enabled:               true,
			DefaultWorkflowID:     "wf-default",
			EnableAutoRetry:       true,
			MaxRetries:            2,
			TimeoutSeconds:        1,
			Language:              "tr",
			WhatsAppPhoneNumberID: "pn-1",
			VoiceAccountID:        "acc-1",
		},
		Limits: entities.PlanLimits{},
	}
}

func newHarness(route *entities.TenantRoute, useWorkflows bool) *harness {
	h := &harness{
		route:     route,
		tenants:   repository.NewMemoryTenantStore(route),
		usage:     repository.NewMemoryUsageStore(),
		runs:      repository.NewMemoryRunStore(),
		ledger:    repository.NewMemoryLedger(),
		domain:    repository.NewMemoryDomainStore(),
		port:      &scriptedPort{},
		messenger: &recordingMessenger{},
		replies:   &stubReplies{text: "Merhaba"},
	}
	h.flakyUsage = &flakyUsage{MemoryUsageStore: h.usage}
	h.flakyRoute = &flakyTenants{MemoryTenantStore: h.tenants}
	h.resolver = usecases.NewTenantResolver(h.flakyRoute, 10)
	h.meter = usecases.NewUsageMeter(h.flakyUsage, h.resolver, nil)
	h.tokens = usecases.NewCallbackTokens(platformSecret, "")
	h.signer = usecases.NewSigner(platformSecret, "", 5*time.Minute)
	h.fallback = usecases.NewFallbackPolicy(h.messenger, h.domain, nil)
	envelopes := usecases.NewEnvelopeBuilder("https://api.svontai.test", h.tokens, h.signer, time.Minute)
	h.dispatcher = usecases.NewDispatcher(usecases.DispatcherConfig{
		WorkflowBaseURL: "https://n8n.test",
		Retry:           usecases.RetryPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond},
	}, h.port, h.runs, envelopes, h.fallback, h.ledger, nil)
	h.router = usecases.NewEventRouter(usecases.RouterConfig{
		UseWorkflows:   useWorkflows,
		IdempotencyTTL: time.Hour,
		LookupRetry:    usecases.RetryPolicy{Base: time.Millisecond, Max: 2 * time.Millisecond},
	}, usecases.EventRouterDeps{
		Tenants:       h.resolver,
		Ledger:        h.ledger,
		Meter:         h.meter,
		Dispatcher:    h.dispatcher,
		Fallback:      h.fallback,
		Runs:          h.runs,
		Replies:       h.replies,
		Messenger:     h.messenger,
		Conversations: h.domain,
	})
	h.queue = &inlineQueue{handler: h.router.Process}
	h.router.SetQueue(h.queue)
	return h
}

func whatsappEvent(id, text string) entities.ChannelEvent {
	return entities.ChannelEvent{
		Type:            entities.EventIncomingMessage,
		Channel:         entities.ChannelWhatsApp,
		RoutingKey:      "pn-1",
		ExternalEventID: id,
		From:            "905551112233",
		To:              "908500000000",
		Text:            text,
		Timestamp:       time.Now(),
	}
}

func intentEvent(id string) entities.ChannelEvent {
	return entities.ChannelEvent{
		Type:            entities.EventVoiceCallIntent,
		Channel:         entities.ChannelCall,
		RoutingKey:      "acc-1",
		ExternalEventID: id,
		CallID:          "call-1",
		From:            "905551112233",
		Text:            "randevu almak istiyorum",
	}
}
