package usecases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"svontai_router/internal/entities"
	"svontai_router/internal/interfaces"
	"svontai_router/internal/logger"
	"svontai_router/internal/metrics"
)

// CallbackRequest is the authentication material of one workflow callback.
type CallbackRequest struct {
	Bearer       string
	TenantHeader string
	Signature    string
	Timestamp    string
	Body         []byte
	Path         string
}

type LeadUpsertInput struct {
	Phone  string            `json:"phone"`
	Name   string            `json:"name"`
	Email  string            `json:"email"`
	Source string            `json:"source"`
	Fields map[string]string `json:"fields"`
}

type NoteInput struct {
	LeadID string `json:"leadId"`
	Phone  string `json:"phone"`
	Body   string `json:"body"`
}

type CallSummaryInput struct {
	CallID          string `json:"callId"`
	Summary         string `json:"summary"`
	DurationSeconds int64  `json:"durationSeconds"`
	Outcome         string `json:"outcome"`
}

type UsageIncrementInput struct {
	Kind   string `json:"kind"`
	Amount int64  `json:"amount"`
}

type AuditInput struct {
	Action string         `json:"action"`
	Detail map[string]any `json:"detail"`
}

type WhatsAppSendInput struct {
	To       string `json:"to"`
	Text     string `json:"text"`
	Template string `json:"template"`
	Language string `json:"language"`
}

type CallbackGatewayConfig struct {
	RequireSignature bool
}

// CallbackGateway authenticates workflow callbacks and forwards them to tenant-scoped services.
// The tenant always comes from the verified token, never from the body.
type CallbackGateway struct {
	cfg           CallbackGatewayConfig
	tokens        *CallbackTokens
	signer        *Signer
	tenants       *TenantResolver
	runs          interfaces.RunStore
	meter         *UsageMeter
	leads         interfaces.LeadService
	conversations interfaces.ConversationService
	audit         interfaces.AuditLog
	events        interfaces.SystemEventSink
	messenger     interfaces.Messenger
	metrics       *metrics.Metrics
}

func NewCallbackGateway(
	cfg CallbackGatewayConfig,
	tokens *CallbackTokens,
	signer *Signer,
	tenants *TenantResolver,
	runs interfaces.RunStore,
	meter *UsageMeter,
	leads interfaces.LeadService,
	conversations interfaces.ConversationService,
	audit interfaces.AuditLog,
	events interfaces.SystemEventSink,
	messenger interfaces.Messenger,
	m *metrics.Metrics,
) *CallbackGateway {
	return &CallbackGateway{
		cfg:           cfg,
		tokens:        tokens,
		signer:        signer,
		tenants:       tenants,
		runs:          runs,
		meter:         meter,
		leads:         leads,
		conversations: conversations,
		audit:         audit,
		events:        events,
		messenger:     messenger,
		metrics:       m,
	}
}

// Authorize verifies token, tenant header, signature and run scope, in that order.
func (g *CallbackGateway) Authorize(ctx context.Context, req CallbackRequest) (entities.TenantContext, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "router.callbacks"})

	claims, err := g.tokens.Verify(ctx, req.Bearer, g.tenants.SigningSecret)
	if err != nil {
		g.metrics.CallbackRejected("token")
		slog.WarnContext(ctx, "callback token rejected", "path", req.Path, "error", err)
		return entities.TenantContext{}, err
	}

	tc := entities.TenantContext{
		TenantID:      claims.TenantID,
		RunID:         claims.RunID(),
		CorrelationID: claims.CorrelationID,
	}

	if header := strings.TrimSpace(req.TenantHeader); header != "" && header != claims.TenantID {
		g.metrics.CallbackRejected("tenant_mismatch")
		g.emitSecurity(ctx, tc, header, req.Path)
		return entities.TenantContext{}, entities.ErrTenantMismatch
	}

	if g.cfg.RequireSignature || req.Signature != "" {
		if err := g.signer.Verify(req.Body, req.Signature, req.Timestamp); err != nil {
			g.metrics.CallbackRejected("signature")
			slog.WarnContext(ctx, "callback signature rejected", "path", req.Path, "error", err)
			return entities.TenantContext{}, err
		}
	}

	run, err := g.runs.Get(ctx, tc.RunID)
	if err != nil {
		if errors.Is(err, entities.ErrRunNotFound) {
			g.metrics.CallbackRejected("run_not_found")
		}
		return entities.TenantContext{}, err
	}
	if run.TenantID != tc.TenantID {
		g.metrics.CallbackRejected("run_not_found")
		return entities.TenantContext{}, entities.ErrRunNotFound
	}
	if tc.CorrelationID == "" {
		tc.CorrelationID = run.CorrelationID
	}
	return tc, nil
}

func (g *CallbackGateway) emitSecurity(ctx context.Context, tc entities.TenantContext, header, path string) {
	slog.WarnContext(ctx, "callback tenant mismatch",
		"token_tenant", tc.TenantID, "header_tenant", header, "path", path)
	if g.events == nil {
		return
	}
	err := g.events.Emit(ctx, entities.SystemEvent{
		ID:            uuid.NewString(),
		TenantID:      tc.TenantID,
		Level:         entities.LevelError,
		Category:      entities.CategorySecurity,
		Source:        "callback_gateway",
		Message:       "callback rejected: tenant header does not match token",
		RunID:         tc.RunID,
		CorrelationID: tc.CorrelationID,
		Detail:        map[string]any{"header_tenant": header, "path": path},
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to emit security event", "error", err)
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", entities.ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func (g *CallbackGateway) UpsertLead(ctx context.Context, tc entities.TenantContext, in LeadUpsertInput) (*entities.Lead, error) {
	in.Phone = strings.TrimSpace(in.Phone)
	in.Email = strings.TrimSpace(in.Email)
	if in.Phone == "" && in.Email == "" {
		return nil, malformed("phone or email is required")
	}
	return g.leads.UpsertLead(ctx, tc, entities.Lead{
		TenantID: tc.TenantID,
		Phone:    in.Phone,
		Name:     strings.TrimSpace(in.Name),
		Email:    in.Email,
		Source:   in.Source,
		Fields:   in.Fields,
	})
}

func (g *CallbackGateway) CreateNote(ctx context.Context, tc entities.TenantContext, in NoteInput) (*entities.Note, error) {
	if strings.TrimSpace(in.Body) == "" {
		return nil, malformed("body is required")
	}
	if in.LeadID == "" && in.Phone == "" {
		return nil, malformed("leadId or phone is required")
	}
	return g.conversations.AddNote(ctx, tc, entities.Note{
		TenantID: tc.TenantID,
		LeadID:   in.LeadID,
		Phone:    in.Phone,
		Body:     in.Body,
		RunID:    tc.RunID,
	})
}

func (g *CallbackGateway) SaveCallSummary(ctx context.Context, tc entities.TenantContext, in CallSummaryInput) error {
	if in.CallID == "" || strings.TrimSpace(in.Summary) == "" {
		return malformed("callId and summary are required")
	}
	if in.DurationSeconds < 0 {
		return malformed("durationSeconds must not be negative")
	}
	return g.conversations.SaveCallSummary(ctx, tc, entities.CallSummary{
		TenantID:        tc.TenantID,
		CallID:          in.CallID,
		Summary:         in.Summary,
		DurationSeconds: in.DurationSeconds,
		Outcome:         in.Outcome,
		RunID:           tc.RunID,
	})
}

// IncrementUsage applies a post-hoc increment reported by the workflow. No ceiling applies.
func (g *CallbackGateway) IncrementUsage(ctx context.Context, tc entities.TenantContext, in UsageIncrementInput) (int64, error) {
	kind, ok := entities.ParseUsageKind(in.Kind)
	if !ok {
		return 0, malformed("unknown usage kind %q", in.Kind)
	}
	if in.Amount <= 0 {
		return 0, malformed("amount must be positive")
	}
	return g.meter.Increment(ctx, tc.TenantID, kind, in.Amount)
}

func (g *CallbackGateway) RecordAudit(ctx context.Context, tc entities.TenantContext, in AuditInput) error {
	if strings.TrimSpace(in.Action) == "" {
		return malformed("action is required")
	}
	return g.audit.Record(ctx, entities.AuditEntry{
		ID:            uuid.NewString(),
		TenantID:      tc.TenantID,
		Action:        in.Action,
		Detail:        in.Detail,
		RunID:         tc.RunID,
		CorrelationID: tc.CorrelationID,
		CreatedAt:     time.Now().UTC(),
	})
}

// SendWhatsApp sends a workflow-authored message. It counts against the messages limit.
func (g *CallbackGateway) SendWhatsApp(ctx context.Context, tc entities.TenantContext, in WhatsAppSendInput) error {
	in.To = strings.TrimSpace(in.To)
	if in.To == "" || (in.Text == "" && in.Template == "") {
		return malformed("to and text or template are required")
	}
	route, err := g.tenants.Get(ctx, tc.TenantID)
	if err != nil {
		return err
	}
	if _, err := g.meter.CheckAndReserve(ctx, tc.TenantID, entities.UsageMessages, 1); err != nil {
		return err
	}
	return g.messenger.Send(ctx, route, entities.OutboundMessage{
		TenantID:     tc.TenantID,
		Channel:      entities.ChannelWhatsApp,
		To:           in.To,
		Text:         in.Text,
		TemplateName: in.Template,
		Language:     in.Language,
	})
}
