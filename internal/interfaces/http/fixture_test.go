package http_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/gomega"

	"svontai_router/internal/entities"
	"svontai_router/internal/infrastructure"
	"svontai_router/internal/interfaces"
	routerhttp "svontai_router/internal/interfaces/http"
	"svontai_router/internal/metrics"
	"svontai_router/internal/repository"
	"svontai_router/internal/usecases"
)

const (
	platformSecret = "platform-secret"
	dashboardKey   = "dashboard-jwt"
	appSecret      = "meta-app-secret"
	voiceSecret    = "voice-secret"
)

type fakePort struct {
	mu       sync.Mutex
	reply    *entities.IntentResponse
	async    int
	requests []interfaces.WorkflowRequest
}

func (p *fakePort) DispatchAsync(_ context.Context, req interfaces.WorkflowRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.async++
	p.requests = append(p.requests, req)
	return nil
}

func (p *fakePort) DispatchSync(_ context.Context, req interfaces.WorkflowRequest) (*entities.IntentResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.reply, nil
}

func (p *fakePort) AsyncCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.async
}

type nopMessenger struct{}

func (nopMessenger) Send(context.Context, *entities.TenantRoute, entities.OutboundMessage) error {
	return nil
}

type syncQueue struct {
	handler func(context.Context, entities.DispatchJob) error
}

func (q syncQueue) Enqueue(ctx context.Context, job entities.DispatchJob) error {
	return q.handler(ctx, job)
}

type fixture struct {
	engine  *gin.Engine
	port    *fakePort
	tenants *repository.MemoryTenantStore
	runs    *repository.MemoryRunStore
	domain  *repository.MemoryDomainStore
	tokens  *usecases.CallbackTokens
	signer  *usecases.Signer
}

func newFixture() *fixture {
	f := &fixture{
		port: &fakePort{reply: &entities.IntentResponse{ResponseText: "Merhaba"}},
		tenants: repository.NewMemoryTenantStore(&entities.TenantRoute{
			TenantID: "t1",
			BotID:    "bot-1",
			Config: entities.TenantAutomationConfig{
				TenantID:              "t1",
				Enabled:               true,
				DefaultWorkflowID:     "wf-default",
				MaxRetries:            1,
				TimeoutSeconds:        1,
				Language:              "tr",
				WhatsAppPhoneNumberID: "pn-1",
				VoiceAccountID:        "acc-1",
			},
		}),
		runs:   repository.NewMemoryRunStore(),
		domain: repository.NewMemoryDomainStore(),
		tokens: usecases.NewCallbackTokens(platformSecret, ""),
		signer: usecases.NewSigner(platformSecret, "", 5*time.Minute),
	}
	f.tenants.Put(&entities.TenantRoute{TenantID: "t2", Config: entities.TenantAutomationConfig{TenantID: "t2", Enabled: true}})

	m := metrics.New("router-test")
	ledger := repository.NewMemoryLedger()
	resolver := usecases.NewTenantResolver(f.tenants, 10)
	meter := usecases.NewUsageMeter(repository.NewMemoryUsageStore(), resolver, m)
	fallback := usecases.NewFallbackPolicy(nopMessenger{}, f.domain, m)
	envelopes := usecases.NewEnvelopeBuilder("https://api.svontai.test", f.tokens, f.signer, time.Minute)
	dispatcher := usecases.NewDispatcher(usecases.DispatcherConfig{
		WorkflowBaseURL: "https://n8n.test",
		Retry:           usecases.RetryPolicy{Base: time.Millisecond, Max: time.Millisecond},
	}, f.port, f.runs, envelopes, fallback, ledger, m)
	router := usecases.NewEventRouter(usecases.RouterConfig{UseWorkflows: true, IdempotencyTTL: time.Hour},
		usecases.EventRouterDeps{
			Tenants:       resolver,
			Ledger:        ledger,
			Meter:         meter,
			Dispatcher:    dispatcher,
			Fallback:      fallback,
			Runs:          f.runs,
			Messenger:     nopMessenger{},
			Conversations: f.domain,
			Metrics:       m,
		})
	router.SetQueue(syncQueue{handler: router.Process})

	gateway := usecases.NewCallbackGateway(usecases.CallbackGatewayConfig{RequireSignature: true},
		f.tokens, f.signer, resolver, f.runs, meter, f.domain, f.domain, f.domain, f.domain, nopMessenger{}, m)
	settings := usecases.NewTenantSettingsUsecase(resolver, f.tenants)

	handlers := routerhttp.Handlers{
		Webhooks: routerhttp.NewWebhookHandler(routerhttp.WebhookConfig{
			WhatsAppAppSecret:   appSecret,
			WhatsAppVerifyToken: "verify-me",
			VoiceGatewaySecret:  voiceSecret,
		}, router, infrastructure.NewCallSessions()),
		Callbacks:  routerhttp.NewCallbackHandler(gateway),
		Automation: routerhttp.NewAutomationHandler(usecases.NewAutomationStatusUsecase(resolver, f.runs, ledger, meter), settings),
		Admin:      routerhttp.NewAdminHandler(settings, nil),
		Devices:    routerhttp.NewDeviceHandler(nil),
		Health:     routerhttp.NewHealthHandler(),
	}

	f.engine = gin.New()
	routerhttp.SetupRoutes(f.engine, handlers,
		routerhttp.NewMiddleware(dashboardKey, infrastructure.NewKeyedLimiter(100, 100)),
		routerhttp.RouteOptions{Metrics: m})
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func post(path, body string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func dashboardToken(tenantID, role string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant_id": tenantID,
		"role":      role,
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString([]byte(dashboardKey))
	Expect(err).NotTo(HaveOccurred())
	return s
}
