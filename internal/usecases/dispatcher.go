package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"svontai_router/internal/entities"
	"svontai_router/internal/interfaces"
	"svontai_router/internal/logger"
	"svontai_router/internal/metrics"
)

type DispatcherConfig struct {
	WorkflowBaseURL string
	Retry           RetryPolicy
	SyncConcurrency int64
}

// Dispatcher owns AutomationRun state: it creates the run, drives it through
// pending -> sent -> {succeeded, failed, timed_out} -> (pending)* -> exhausted, and fires the
// fallback exactly once when a run is exhausted.
type Dispatcher struct {
	port      interfaces.WorkflowDispatchPort
	runs      interfaces.RunStore
	envelopes *EnvelopeBuilder
	fallback  *FallbackPolicy
	failures  interfaces.FailureCounter
	metrics   *metrics.Metrics

	baseURL  string
	retry    RetryPolicy
	syncPool *semaphore.Weighted
	now      func() time.Time

	background sync.WaitGroup
}

func NewDispatcher(
	cfg DispatcherConfig,
	port interfaces.WorkflowDispatchPort,
	runs interfaces.RunStore,
	envelopes *EnvelopeBuilder,
	fallback *FallbackPolicy,
	failures interfaces.FailureCounter,
	m *metrics.Metrics,
) *Dispatcher {
	if cfg.SyncConcurrency <= 0 {
		cfg.SyncConcurrency = 64
	}
	return &Dispatcher{
		port:      port,
		runs:      runs,
		envelopes: envelopes,
		fallback:  fallback,
		failures:  failures,
		metrics:   m,
		baseURL:   strings.TrimRight(cfg.WorkflowBaseURL, "/"),
		retry:     cfg.Retry,
		syncPool:  semaphore.NewWeighted(cfg.SyncConcurrency),
		now:       time.Now,
	}
}

// Routable reports whether the tenant has a workflow endpoint for the channel.
func (d *Dispatcher) Routable(cfg entities.TenantAutomationConfig, ch entities.Channel) bool {
	_, err := d.workflowURL(cfg, ch)
	return err == nil
}

func (d *Dispatcher) workflowURL(cfg entities.TenantAutomationConfig, ch entities.Channel) (string, error) {
	if cfg.WebhookURL != "" {
		return cfg.WebhookURL, nil
	}
	workflowID := cfg.WorkflowFor(ch)
	if workflowID == "" || d.baseURL == "" {
		return "", fmt.Errorf("no workflow configured for channel %s", ch)
	}
	return d.baseURL + "/webhook/" + url.PathEscape(workflowID), nil
}

func (d *Dispatcher) newRun(ctx context.Context, evt entities.ChannelEvent, cfg entities.TenantAutomationConfig) (*entities.AutomationRun, error) {
	correlationID := evt.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	now := d.now().UTC()
	run := &entities.AutomationRun{
		ID:              uuid.NewString(),
		TenantID:        evt.TenantID,
		CorrelationID:   correlationID,
		ExternalEventID: evt.ExternalEventID,
		EventType:       evt.Type,
		Channel:         evt.Channel,
		WorkflowID:      cfg.WorkflowFor(evt.Channel),
		Status:          entities.RunPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := d.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// Execute dispatches a fire-and-forget event and returns the run in its terminal state.
func (d *Dispatcher) Execute(ctx context.Context, evt entities.ChannelEvent, route *entities.TenantRoute) (*entities.AutomationRun, error) {
	cfg := route.Config.Normalize()
	target, err := d.workflowURL(cfg, evt.Channel)
	if err != nil {
		return nil, err
	}

	run, err := d.newRun(ctx, evt, cfg)
	if err != nil {
		return nil, err
	}
	evt.CorrelationID = run.CorrelationID
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RunID:         logger.Ptr(run.ID),
		CorrelationID: logger.Ptr(run.CorrelationID),
		Component:     "router.dispatcher",
	})

	for {
		if run, err = d.runs.Transition(ctx, run.ID, entities.RunTransition{Status: entities.RunSent, IncrementAttempt: true}); err != nil {
			return nil, fmt.Errorf("mark sent: %w", err)
		}

		status, detail := d.sendAsync(ctx, evt, cfg, target, run)
		if run, err = d.runs.Transition(ctx, run.ID, entities.RunTransition{Status: status, ErrorDetail: detail}); err != nil {
			return nil, fmt.Errorf("record attempt: %w", err)
		}
		if status == entities.RunSucceeded {
			d.metrics.RunOutcome(string(evt.Type), string(entities.RunSucceeded))
			slog.InfoContext(ctx, "workflow dispatch succeeded", "attempt", run.AttemptCount)
			return run, nil
		}

		slog.WarnContext(ctx, "workflow dispatch attempt failed",
			"attempt", run.AttemptCount, "status", status, "error", detail)

		if !d.retry.ShouldRetry(cfg.EnableAutoRetry, run.AttemptCount, cfg.MaxRetries) {
			exhausted, _ := d.exhaust(ctx, evt, route, run, ReasonExhausted, detail)
			return exhausted, nil
		}
		if err := sleepCtx(ctx, d.retry.Delay(run.AttemptCount)); err != nil {
			exhausted, _ := d.exhaust(context.WithoutCancel(ctx), evt, route, run, ReasonExhausted, "retry interrupted: "+err.Error())
			return exhausted, nil
		}
		if run, err = d.runs.Transition(ctx, run.ID, entities.RunTransition{Status: entities.RunPending}); err != nil {
			return nil, fmt.Errorf("requeue run: %w", err)
		}
	}
}

func (d *Dispatcher) sendAsync(ctx context.Context, evt entities.ChannelEvent, cfg entities.TenantAutomationConfig, target string, run *entities.AutomationRun) (entities.RunStatus, string) {
	signed, err := d.envelopes.Build(evt, run, cfg)
	if err != nil {
		return entities.RunFailed, err.Error()
	}

	attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	err = d.port.DispatchAsync(attemptCtx, interfaces.WorkflowRequest{URL: target, Envelope: signed, Attempt: run.AttemptCount})
	status := classify(err)
	d.metrics.DispatchAttempt(string(evt.Type), string(status))
	if err != nil {
		return status, err.Error()
	}
	return status, ""
}

// ExecuteIntent dispatches a voice intent and waits for the workflow answer, retrying per
// tenant policy. The caller always gets a response. When ctx is cancelled (caller hung up)
// the wait is released at once with an endCall response while the in-flight request finishes
// in the background. The returned error is informational.
func (d *Dispatcher) ExecuteIntent(ctx context.Context, evt entities.ChannelEvent, route *entities.TenantRoute) (entities.IntentResponse, *entities.AutomationRun, error) {
	cfg := route.Config.Normalize()
	started := d.now()
	hangup := d.fallback.Decide(evt, cfg, ReasonCallerHangup).Response

	target, err := d.workflowURL(cfg, evt.Channel)
	if err != nil {
		return *hangup, nil, err
	}

	if err := d.syncPool.Acquire(ctx, 1); err != nil {
		d.metrics.ObserveSync("cancelled", d.now().Sub(started))
		return *hangup, nil, entities.ErrCallerCancelled
	}
	d.metrics.SyncStarted()
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			d.syncPool.Release(1)
			d.metrics.SyncFinished()
		})
	}
	defer release()

	run, err := d.newRun(ctx, evt, cfg)
	if err != nil {
		return *hangup, nil, err
	}
	evt.CorrelationID = run.CorrelationID
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		RunID:         logger.Ptr(run.ID),
		CorrelationID: logger.Ptr(run.CorrelationID),
		Component:     "router.dispatcher",
	})
	timeout := cfg.Timeout()

	for {
		if run, err = d.runs.Transition(ctx, run.ID, entities.RunTransition{Status: entities.RunSent, IncrementAttempt: true}); err != nil {
			return *hangup, nil, fmt.Errorf("mark sent: %w", err)
		}

		pending := d.sendSync(ctx, evt, cfg, target, run, timeout)
		resp, err := pending.Await(ctx, timeout)

		switch {
		case err == nil:
			payload, _ := json.Marshal(resp)
			if run, err = d.runs.Transition(ctx, run.ID, entities.RunTransition{Status: entities.RunSucceeded, ResponsePayload: payload}); err != nil {
				slog.ErrorContext(ctx, "failed to record intent success", "error", err)
			}
			d.metrics.DispatchAttempt(string(evt.Type), string(entities.RunSucceeded))
			d.metrics.RunOutcome(string(evt.Type), string(entities.RunSucceeded))
			d.metrics.ObserveSync("succeeded", d.now().Sub(started))
			return *resp, run, nil

		case errors.Is(err, entities.ErrCallerCancelled):
			release()
			d.settleAfterHangup(ctx, evt, route, run, pending)
			d.metrics.ObserveSync("cancelled", d.now().Sub(started))
			slog.InfoContext(ctx, "caller hung up during intent wait", "attempt", run.AttemptCount)
			return *hangup, run, entities.ErrCallerCancelled
		}

		status := classify(err)
		d.metrics.DispatchAttempt(string(evt.Type), string(status))
		if run, err = d.runs.Transition(ctx, run.ID, entities.RunTransition{Status: status, ErrorDetail: err.Error()}); err != nil {
			return *hangup, nil, fmt.Errorf("record attempt: %w", err)
		}
		slog.WarnContext(ctx, "intent attempt failed", "attempt", run.AttemptCount, "status", status, "error", run.ErrorDetail)

		if !d.retry.ShouldRetry(cfg.EnableAutoRetry, run.AttemptCount, cfg.MaxRetries) {
			exhausted, resp := d.exhaust(ctx, evt, route, run, ReasonExhausted, run.ErrorDetail)
			d.metrics.ObserveSync("fallback", d.now().Sub(started))
			if resp == nil {
				resp = hangup
			}
			return *resp, exhausted, entities.ErrDispatchFailed
		}

		if err := sleepCtx(ctx, d.retry.Delay(run.AttemptCount)); err != nil {
			exhausted, _ := d.exhaust(context.WithoutCancel(ctx), evt, route, run, ReasonCallerHangup, run.ErrorDetail)
			d.metrics.ObserveSync("cancelled", d.now().Sub(started))
			return *hangup, exhausted, entities.ErrCallerCancelled
		}
		if run, err = d.runs.Transition(ctx, run.ID, entities.RunTransition{Status: entities.RunPending}); err != nil {
			return *hangup, nil, fmt.Errorf("requeue run: %w", err)
		}
	}
}

// sendSync starts one attempt. The request is detached from ctx so a hangup does not abort it.
func (d *Dispatcher) sendSync(ctx context.Context, evt entities.ChannelEvent, cfg entities.TenantAutomationConfig, target string, run *entities.AutomationRun, timeout time.Duration) *Future[*entities.IntentResponse] {
	signed, err := d.envelopes.Build(evt, run, cfg)
	if err != nil {
		f := NewFuture[*entities.IntentResponse]()
		f.Resolve(nil, err)
		return f
	}
	req := interfaces.WorkflowRequest{URL: target, Envelope: signed, Attempt: run.AttemptCount}

	return Go(context.WithoutCancel(ctx), func(c context.Context) (*entities.IntentResponse, error) {
		c, cancel := context.WithTimeout(c, timeout)
		defer cancel()
		return d.port.DispatchSync(c, req)
	})
}

// settleAfterHangup records the outcome of an attempt the caller stopped waiting for.
// No retry follows: there is nobody left to answer.
func (d *Dispatcher) settleAfterHangup(ctx context.Context, evt entities.ChannelEvent, route *entities.TenantRoute, run *entities.AutomationRun, pending *Future[*entities.IntentResponse]) {
	bg := context.WithoutCancel(ctx)
	d.background.Add(1)
	go func() {
		defer d.background.Done()

		resp, err := pending.Result()
		if err == nil {
			payload, _ := json.Marshal(resp)
			if _, err := d.runs.Transition(bg, run.ID, entities.RunTransition{Status: entities.RunSucceeded, ResponsePayload: payload}); err != nil {
				slog.ErrorContext(bg, "failed to record late intent success", "error", err)
			}
			return
		}
		settled, terr := d.runs.Transition(bg, run.ID, entities.RunTransition{Status: classify(err), ErrorDetail: err.Error()})
		if terr != nil {
			slog.ErrorContext(bg, "failed to record abandoned intent", "error", terr)
			return
		}
		d.exhaust(bg, evt, route, settled, ReasonCallerHangup, err.Error())
	}()
}

// exhaust moves a failed or timed out run to exhausted, bumps the rolling failure stat and
// applies the fallback. The store rejects a second exhausted transition, so the fallback fires once.
func (d *Dispatcher) exhaust(ctx context.Context, evt entities.ChannelEvent, route *entities.TenantRoute, run *entities.AutomationRun, reason FailureReason, detail string) (*entities.AutomationRun, *entities.IntentResponse) {
	exhausted, err := d.runs.Transition(ctx, run.ID, entities.RunTransition{Status: entities.RunExhausted, ErrorDetail: detail})
	switch {
	case errors.Is(err, entities.ErrInvalidTransition):
		slog.WarnContext(ctx, "run already settled, fallback skipped", "run_id", run.ID)
		return run, nil
	case err != nil:
		// still answer the customer
		slog.ErrorContext(ctx, "failed to mark run exhausted", "error", err)
		exhausted = run
	}

	if d.failures != nil {
		if err := d.failures.RecordFailure(ctx, run.TenantID, d.now()); err != nil {
			slog.ErrorContext(ctx, "failed to record failure stat", "error", err)
		}
	}
	d.metrics.RunOutcome(string(evt.Type), string(entities.RunExhausted))

	resp := d.fallback.Apply(ctx, FallbackRequest{
		Event:  evt,
		Route:  route,
		Run:    exhausted,
		Reason: reason,
		Detail: detail,
	})
	return exhausted, resp
}

// Wait blocks until background settlement of abandoned intents is done.
func (d *Dispatcher) Wait() {
	d.background.Wait()
}

func classify(err error) entities.RunStatus {
	switch {
	case err == nil:
		return entities.RunSucceeded
	case errors.Is(err, entities.ErrDispatchTimedOut), errors.Is(err, context.DeadlineExceeded):
		return entities.RunTimedOut
	default:
		return entities.RunFailed
	}
}
