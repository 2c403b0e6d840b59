package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"svontai_router/internal/entities"
	"svontai_router/internal/interfaces"
	"svontai_router/internal/logger"
	"svontai_router/internal/metrics"
)

type Outcome string

const (
	OutcomeQueued    Outcome = "queued"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDropped   Outcome = "dropped"
	OutcomeLimited   Outcome = "limited"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFallback  Outcome = "fallback"
)

// HoldText is spoken when a redelivered intent is still being answered.
const HoldText = "Bir saniye, lütfen bekleyin."

type RouterConfig struct {
	UseWorkflows   bool // USE_N8N
	IdempotencyTTL time.Duration
	HistoryLimit   int
	// LookupRetry spaces the attempts at reading tenant config when the store errors.
	LookupRetry RetryPolicy
}

const lookupAttempts = 3

// EventRouter takes normalized channel events through tenant resolution, deduplication,
// admission control and dispatch.
type EventRouter struct {
	cfg           RouterConfig
	tenants       *TenantResolver
	ledger        interfaces.EventLedger
	meter         *UsageMeter
	dispatcher    *Dispatcher
	fallback      *FallbackPolicy
	queue         interfaces.DispatchQueue
	runs          interfaces.RunStore
	replies       interfaces.ReplyGenerator
	messenger     interfaces.Messenger
	conversations interfaces.ConversationService
	metrics       *metrics.Metrics
}

type EventRouterDeps struct {
	Tenants       *TenantResolver
	Ledger        interfaces.EventLedger
	Meter         *UsageMeter
	Dispatcher    *Dispatcher
	Fallback      *FallbackPolicy
	Runs          interfaces.RunStore
	Replies       interfaces.ReplyGenerator // optional
	Messenger     interfaces.Messenger
	Conversations interfaces.ConversationService
	Metrics       *metrics.Metrics
}

func NewEventRouter(cfg RouterConfig, deps EventRouterDeps) *EventRouter {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.LookupRetry.Base <= 0 {
		cfg.LookupRetry = RetryPolicy{Base: 100 * time.Millisecond, Max: time.Second}
	}
	return &EventRouter{
		cfg:           cfg,
		tenants:       deps.Tenants,
		ledger:        deps.Ledger,
		meter:         deps.Meter,
		dispatcher:    deps.Dispatcher,
		fallback:      deps.Fallback,
		runs:          deps.Runs,
		replies:       deps.Replies,
		messenger:     deps.Messenger,
		conversations: deps.Conversations,
		metrics:       deps.Metrics,
	}
}

// SetQueue wires the async queue. The queue's handler is Process, so it is set after construction.
func (r *EventRouter) SetQueue(q interfaces.DispatchQueue) {
	r.queue = q
}

func eventContext(ctx context.Context, evt entities.ChannelEvent) context.Context {
	return logger.WithLogFields(ctx, logger.LogFields{
		TenantID:  logger.Ptr(evt.TenantID),
		EventID:   logger.Ptr(evt.ExternalEventID),
		EventType: logger.Ptr(string(evt.Type)),
		Channel:   logger.Ptr(string(evt.Channel)),
		Component: "router.events",
	})
}

// Handle admits an asynchronous event and queues it. Errors are internal only: providers are
// acknowledged regardless.
func (r *EventRouter) Handle(ctx context.Context, evt entities.ChannelEvent) (Outcome, error) {
	if evt.Type.IsSync() {
		return "", fmt.Errorf("%s must go through HandleIntent", evt.Type)
	}

	route, err := r.route(ctx, evt)
	if err != nil {
		if errors.Is(err, entities.ErrTenantNotFound) {
			slog.WarnContext(eventContext(ctx, evt), "dropping event for unknown tenant", "routing_key", evt.RoutingKey)
			return OutcomeDropped, nil
		}
		return "", fmt.Errorf("resolve tenant: %w", err)
	}
	evt.TenantID = route.TenantID
	evt.BotID = route.BotID
	ctx = eventContext(ctx, evt)

	claimed, err := r.ledger.Claim(ctx, evt.TenantID, evt.ExternalEventID, r.cfg.IdempotencyTTL)
	if err != nil {
		// admit without dedupe while the ledger is down
		slog.ErrorContext(ctx, "idempotency ledger unavailable, admitting event", "error", err)
		claimed = true
	}
	if !claimed {
		r.metrics.Duplicate(string(evt.Channel))
		slog.InfoContext(ctx, "duplicate delivery ignored")
		return OutcomeDuplicate, nil
	}

	dispatching := r.workflowsOn(route, evt.Channel)
	switch evt.Type {
	case entities.EventIncomingMessage:
		err = r.reserve(ctx, evt.TenantID, entities.UsageMessages, 1)
	case entities.EventVoiceCallStarted:
		if dispatching {
			err = r.reserve(ctx, evt.TenantID, entities.UsageWorkflowRuns, 1)
		}
	case entities.EventVoiceCallCompleted:
		r.meter.incrementQuietly(ctx, evt.TenantID, entities.UsageVoiceSeconds, evt.DurationSeconds)
	}
	if errors.Is(err, entities.ErrLimitExceeded) {
		r.fallback.Apply(ctx, FallbackRequest{Event: evt, Route: route, Reason: ReasonLimitExceeded})
		return OutcomeLimited, nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "usage check failed", "error", err)
		r.fallback.Apply(ctx, FallbackRequest{Event: evt, Route: route, Reason: ReasonUnavailable, Detail: err.Error()})
		return OutcomeFallback, fmt.Errorf("reserve: %w", err)
	}

	if !dispatching && evt.Type != entities.EventIncomingMessage {
		return OutcomeIgnored, nil
	}

	if err := r.queue.Enqueue(ctx, entities.DispatchJob{Event: evt}); err != nil {
		slog.ErrorContext(ctx, "failed to queue event", "error", err)
		r.fallback.Apply(ctx, FallbackRequest{Event: evt, Route: route, Reason: ReasonUnavailable, Detail: err.Error()})
		return OutcomeFallback, fmt.Errorf("enqueue: %w", err)
	}
	return OutcomeQueued, nil
}

// route resolves the tenant from the provider routing key. Linked-device events carry no
// routing key: the device session already belongs to a tenant.
func (r *EventRouter) route(ctx context.Context, evt entities.ChannelEvent) (*entities.TenantRoute, error) {
	if evt.RoutingKey == "" && evt.TenantID != "" {
		return r.lookup(ctx, func(ctx context.Context) (*entities.TenantRoute, error) {
			return r.tenants.Get(ctx, evt.TenantID)
		})
	}
	return r.lookup(ctx, func(ctx context.Context) (*entities.TenantRoute, error) {
		return r.tenants.Resolve(ctx, evt.Channel, evt.RoutingKey)
	})
}

// lookup retries store errors a few times. ErrTenantNotFound is final.
func (r *EventRouter) lookup(ctx context.Context, get func(context.Context) (*entities.TenantRoute, error)) (*entities.TenantRoute, error) {
	var err error
	for attempt := 1; attempt <= lookupAttempts; attempt++ {
		var route *entities.TenantRoute
		route, err = get(ctx)
		if err == nil || errors.Is(err, entities.ErrTenantNotFound) {
			return route, err
		}
		if attempt < lookupAttempts {
			if serr := sleepCtx(ctx, r.cfg.LookupRetry.Delay(attempt)); serr != nil {
				return nil, err
			}
		}
	}
	return nil, err
}

// release gives up the event's claim so the provider's redelivery is admitted.
func (r *EventRouter) release(ctx context.Context, evt entities.ChannelEvent) {
	if err := r.ledger.Release(ctx, evt.TenantID, evt.ExternalEventID); err != nil {
		slog.ErrorContext(ctx, "failed to release event claim", "error", err)
	}
}

func (r *EventRouter) reserve(ctx context.Context, tenantID string, kind entities.UsageKind, amount int64) error {
	_, err := r.meter.CheckAndReserve(ctx, tenantID, kind, amount)
	return err
}

func (r *EventRouter) workflowsOn(route *entities.TenantRoute, ch entities.Channel) bool {
	return r.cfg.UseWorkflows && route.Config.Enabled && r.dispatcher.Routable(route.Config, ch)
}

// Process is the queue handler: it dispatches to the workflow engine or answers directly.
func (r *EventRouter) Process(ctx context.Context, job entities.DispatchJob) error {
	evt := job.Event
	ctx = eventContext(ctx, evt)

	route, err := r.lookup(ctx, func(ctx context.Context) (*entities.TenantRoute, error) {
		return r.tenants.Get(ctx, evt.TenantID)
	})
	if err != nil {
		if errors.Is(err, entities.ErrTenantNotFound) {
			slog.WarnContext(ctx, "tenant removed before dispatch, dropping event")
			return nil
		}
		r.release(ctx, evt)
		return fmt.Errorf("resolve tenant: %w", err)
	}

	if !r.workflowsOn(route, evt.Channel) {
		r.replyDirect(ctx, evt, route)
		return nil
	}

	run, err := r.dispatcher.Execute(ctx, evt, route)
	if err != nil {
		slog.ErrorContext(ctx, "dispatch could not run", "error", err)
		r.fallback.Apply(ctx, FallbackRequest{Event: evt, Route: route, Run: run, Reason: ReasonUnavailable, Detail: err.Error()})
		return nil
	}
	if run.Status == entities.RunSucceeded && evt.Type == entities.EventIncomingMessage {
		r.meter.incrementQuietly(ctx, evt.TenantID, entities.UsageWorkflowRuns, 1)
	}
	return nil
}

// replyDirect answers a message with the reply generator when workflows are off for the tenant.
func (r *EventRouter) replyDirect(ctx context.Context, evt entities.ChannelEvent, route *entities.TenantRoute) {
	if evt.Type != entities.EventIncomingMessage {
		return
	}
	if r.replies == nil {
		r.fallback.Apply(ctx, FallbackRequest{Event: evt, Route: route, Reason: ReasonUnavailable, Detail: "no reply generator configured"})
		return
	}

	history, err := r.conversations.History(ctx, evt.TenantID, evt.From, r.cfg.HistoryLimit)
	if err != nil {
		slog.WarnContext(ctx, "conversation history unavailable", "error", err)
	}
	if err := r.conversations.AppendMessage(ctx, evt.TenantID, evt.Channel, evt.From, "user", evt.Text); err != nil {
		slog.WarnContext(ctx, "failed to store inbound message", "error", err)
	}

	replyCtx, cancel := context.WithTimeout(ctx, route.Config.Timeout())
	defer cancel()
	text, err := r.replies.GenerateReply(replyCtx, entities.ReplyRequest{
		TenantID:  evt.TenantID,
		Knowledge: route.Config.Knowledge,
		History:   history,
		Message:   evt.Text,
	})
	if err != nil {
		r.fallback.Apply(ctx, FallbackRequest{Event: evt, Route: route, Reason: ReasonUnavailable, Detail: err.Error()})
		return
	}

	msg := entities.OutboundMessage{TenantID: evt.TenantID, Channel: evt.Channel, To: evt.From, Text: text}
	if err := r.messenger.Send(ctx, route, msg); err != nil {
		slog.ErrorContext(ctx, "failed to deliver reply", "error", err)
		return
	}
	if evt.Channel != entities.ChannelWebWidget {
		// the widget messenger already stored the bot message
		if err := r.conversations.AppendMessage(ctx, evt.TenantID, evt.Channel, evt.From, "assistant", text); err != nil {
			slog.WarnContext(ctx, "failed to store reply", "error", err)
		}
	}
}

// HandleIntent answers a voice intent synchronously. It never returns without a response.
func (r *EventRouter) HandleIntent(ctx context.Context, evt entities.ChannelEvent) entities.IntentResponse {
	route, err := r.route(ctx, evt)
	if err != nil {
		slog.WarnContext(eventContext(ctx, evt), "intent for unresolved tenant", "routing_key", evt.RoutingKey, "error", err)
		return *r.fallback.Decide(evt, entities.TenantAutomationConfig{}, ReasonUnavailable).Response
	}
	evt.TenantID = route.TenantID
	evt.BotID = route.BotID
	ctx = eventContext(ctx, evt)

	claimed, err := r.ledger.Claim(ctx, evt.TenantID, evt.ExternalEventID, r.cfg.IdempotencyTTL)
	if err != nil {
		slog.ErrorContext(ctx, "idempotency ledger unavailable", "error", err)
		claimed = true
	}
	if !claimed {
		r.metrics.Duplicate(string(evt.Channel))
		return r.replayIntent(ctx, evt, route)
	}

	// the direct AI path is metered as a message, like an unautomated chat reply
	dispatching := r.workflowsOn(route, evt.Channel)
	kind := entities.UsageMessages
	if dispatching {
		kind = entities.UsageWorkflowRuns
	}
	if err := r.reserve(ctx, evt.TenantID, kind, 1); err != nil {
		reason := ReasonUnavailable
		if errors.Is(err, entities.ErrLimitExceeded) {
			reason = ReasonLimitExceeded
		}
		return *r.fallback.Apply(ctx, FallbackRequest{Event: evt, Route: route, Reason: reason, Detail: err.Error()})
	}

	if dispatching {
		resp, _, err := r.dispatcher.ExecuteIntent(ctx, evt, route)
		if err != nil && !errors.Is(err, entities.ErrCallerCancelled) && !errors.Is(err, entities.ErrDispatchFailed) {
			slog.ErrorContext(ctx, "intent dispatch error", "error", err)
		}
		return resp
	}
	return r.answerIntentDirect(ctx, evt, route)
}

func (r *EventRouter) answerIntentDirect(ctx context.Context, evt entities.ChannelEvent, route *entities.TenantRoute) entities.IntentResponse {
	if r.replies == nil {
		return *r.fallback.Apply(ctx, FallbackRequest{Event: evt, Route: route, Reason: ReasonUnavailable, Detail: "no reply generator configured"})
	}
	replyCtx, cancel := context.WithTimeout(ctx, route.Config.Timeout())
	defer cancel()
	text, err := r.replies.GenerateReply(replyCtx, entities.ReplyRequest{
		TenantID:  evt.TenantID,
		Knowledge: route.Config.Knowledge,
		Message:   evt.Text,
	})
	if err != nil {
		return *r.fallback.Apply(ctx, FallbackRequest{Event: evt, Route: route, Reason: ReasonTimedOut, Detail: err.Error()})
	}
	return entities.IntentResponse{ResponseText: text}
}

// replayIntent answers a redelivered intent from the stored run instead of dispatching again.
func (r *EventRouter) replayIntent(ctx context.Context, evt entities.ChannelEvent, route *entities.TenantRoute) entities.IntentResponse {
	run, err := r.runs.GetByExternalEvent(ctx, evt.TenantID, evt.ExternalEventID)
	if err != nil {
		return entities.IntentResponse{ResponseText: HoldText}
	}
	switch run.Status {
	case entities.RunSucceeded:
		var resp entities.IntentResponse
		if json.Unmarshal(run.ResponsePayload, &resp) == nil {
			return resp
		}
	case entities.RunExhausted:
		return *r.fallback.Decide(evt, route.Config, ReasonExhausted).Response
	}
	return entities.IntentResponse{ResponseText: HoldText}
}
