package usecases

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"svontai_router/internal/entities"
	"svontai_router/internal/interfaces"
	"svontai_router/internal/logger"
	"svontai_router/internal/metrics"
)

type FailureReason string

const (
	ReasonExhausted     FailureReason = "exhausted"
	ReasonTimedOut      FailureReason = "timed_out"
	ReasonLimitExceeded FailureReason = "limit_exceeded"
	ReasonCallerHangup  FailureReason = "caller_hangup"
	ReasonUnavailable   FailureReason = "unavailable"
)

// VoiceFallbackText is spoken when no workflow answer can be given.
const VoiceFallbackText = "Bir karışıklık oldu, sizi daha sonra arayacağız."

var apologies = map[string]string{
	"tr": "Üzgünüz, şu anda yanıt veremiyoruz. En kısa sürede size dönüş yapacağız.",
	"en": "Sorry, we can't reply right now. We will get back to you shortly.",
}

var limitMessages = map[string]string{
	"tr": "Şu anda mesaj limitine ulaşıldı. Lütfen daha sonra tekrar deneyin.",
	"en": "We have reached our message limit for now. Please try again later.",
}

// FallbackAction is the degraded action chosen for a channel and reason.
type FallbackAction struct {
	Message  *entities.OutboundMessage
	Response *entities.IntentResponse
}

type FallbackRequest struct {
	Event  entities.ChannelEvent
	Route  *entities.TenantRoute
	Run    *entities.AutomationRun // nil when no run was created
	Reason FailureReason
	Detail string
}

type FallbackPolicy struct {
	messenger interfaces.Messenger
	events    interfaces.SystemEventSink
	metrics   *metrics.Metrics
}

func NewFallbackPolicy(messenger interfaces.Messenger, events interfaces.SystemEventSink, m *metrics.Metrics) *FallbackPolicy {
	return &FallbackPolicy{messenger: messenger, events: events, metrics: m}
}

// Decide maps (channel, reason) to an action without side effects.
func (p *FallbackPolicy) Decide(evt entities.ChannelEvent, cfg entities.TenantAutomationConfig, reason FailureReason) FallbackAction {
	cfg = cfg.Normalize()

	if evt.Channel == entities.ChannelCall {
		return FallbackAction{Response: &entities.IntentResponse{ResponseText: VoiceFallbackText, EndCall: true}}
	}

	msg := &entities.OutboundMessage{
		TenantID: evt.TenantID,
		Channel:  evt.Channel,
		To:       evt.From,
		Language: cfg.Language,
	}
	if evt.Channel == entities.ChannelWhatsApp && cfg.FallbackTemplate != "" {
		msg.TemplateName = cfg.FallbackTemplate
		return FallbackAction{Message: msg}
	}
	msg.Text = staticText(cfg.Language, reason)
	return FallbackAction{Message: msg}
}

// Apply performs the fallback and always emits an error-level system event.
// For voice it returns the response the pipeline must speak.
func (p *FallbackPolicy) Apply(ctx context.Context, req FallbackRequest) *entities.IntentResponse {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "router.fallback"})

	var cfg entities.TenantAutomationConfig
	if req.Route != nil {
		cfg = req.Route.Config
	}
	action := p.Decide(req.Event, cfg, req.Reason)
	p.metrics.Fallback(string(req.Event.Channel), string(req.Reason))

	sendErr := error(nil)
	if action.Message != nil && p.messenger != nil && req.Route != nil {
		sendErr = p.messenger.Send(ctx, req.Route, *action.Message)
		if sendErr != nil && action.Message.TemplateName != "" {
			// template rejected by the provider, fall back to plain text
			plain := *action.Message
			plain.TemplateName = ""
			plain.Text = staticText(cfg.Normalize().Language, req.Reason)
			sendErr = p.messenger.Send(ctx, req.Route, plain)
		}
		if sendErr != nil {
			slog.ErrorContext(ctx, "fallback message delivery failed", "error", sendErr)
		}
	}

	p.emit(ctx, req, sendErr)
	return action.Response
}

func (p *FallbackPolicy) emit(ctx context.Context, req FallbackRequest, sendErr error) {
	evt := entities.SystemEvent{
		ID:            uuid.NewString(),
		TenantID:      req.Event.TenantID,
		Level:         entities.LevelError,
		Category:      entities.CategoryAutomation,
		Source:        "fallback_policy",
		Message:       fmt.Sprintf("automation fallback on %s: %s", req.Event.Channel, req.Reason),
		CorrelationID: req.Event.CorrelationID,
		Detail: map[string]any{
			"event_type":        req.Event.Type,
			"external_event_id": req.Event.ExternalEventID,
			"reason":            req.Reason,
		},
		CreatedAt: time.Now().UTC(),
	}
	if req.Run != nil {
		evt.RunID = req.Run.ID
		evt.CorrelationID = req.Run.CorrelationID
		evt.Detail["attempts"] = req.Run.AttemptCount
	}
	if req.Detail != "" {
		evt.Detail["error"] = req.Detail
	}
	if sendErr != nil {
		evt.Detail["delivery_error"] = sendErr.Error()
	}

	slog.ErrorContext(ctx, "automation fallback applied",
		"reason", req.Reason, "run_id", evt.RunID, "correlation_id", evt.CorrelationID)

	if p.events == nil {
		return
	}
	if err := p.events.Emit(ctx, evt); err != nil {
		slog.ErrorContext(ctx, "failed to emit system event", "error", err)
	}
}

func staticText(language string, reason FailureReason) string {
	table := apologies
	if reason == ReasonLimitExceeded {
		table = limitMessages
	}
	if text, ok := table[language]; ok {
		return text
	}
	return table["en"]
}
