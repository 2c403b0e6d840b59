package interfaces

import (
	"context"
	"time"

	"svontai_router/internal/entities"
)

// WorkflowRequest is one signed attempt against the tenant's workflow endpoint.
type WorkflowRequest struct {
	URL      string
	Envelope *entities.SignedEnvelope
	Attempt  int
}

// WorkflowDispatchPort hides the workflow engine transport from the dispatcher.
// DispatchAsync succeeds on any 2xx. DispatchSync additionally requires a valid intent body.
// Implementations return entities.ErrDispatchTimedOut when ctx's deadline elapses.
type WorkflowDispatchPort interface {
	DispatchAsync(ctx context.Context, req WorkflowRequest) error
	DispatchSync(ctx context.Context, req WorkflowRequest) (*entities.IntentResponse, error)
}

// Messenger delivers a reply on a tenant channel.
type Messenger interface {
	Send(ctx context.Context, route *entities.TenantRoute, msg entities.OutboundMessage) error
}

// ReplyGenerator produces text from knowledge, history and the new message.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, req entities.ReplyRequest) (string, error)
}

type TenantStore interface {
	ResolveRoute(ctx context.Context, channel entities.Channel, routingKey string) (*entities.TenantRoute, error)
	GetRoute(ctx context.Context, tenantID string) (*entities.TenantRoute, error)
}

// TenantSettingsStore is the write side of tenant settings.
type TenantSettingsStore interface {
	SaveConfig(ctx context.Context, cfg entities.TenantAutomationConfig) error
	SetPlanLimit(ctx context.Context, tenantID string, kind entities.UsageKind, limit int64) error
}

// UsageStore is the arena of per (tenant, period, kind) counters.
// Reserve must be a single atomic increment-with-ceiling; limit < 0 means unlimited.
type UsageStore interface {
	Reserve(ctx context.Context, tenantID, period string, kind entities.UsageKind, amount, limit int64) (entities.ReserveResult, error)
	Add(ctx context.Context, tenantID, period string, kind entities.UsageKind, amount int64) (int64, error)
	Snapshot(ctx context.Context, tenantID, period string) (map[entities.UsageKind]int64, error)
}

type RunStore interface {
	Create(ctx context.Context, run *entities.AutomationRun) error
	Transition(ctx context.Context, runID string, t entities.RunTransition) (*entities.AutomationRun, error)
	Get(ctx context.Context, runID string) (*entities.AutomationRun, error)
	GetByExternalEvent(ctx context.Context, tenantID, externalEventID string) (*entities.AutomationRun, error)
	ListRecent(ctx context.Context, tenantID string, since time.Time, limit int) ([]entities.AutomationRun, error)
}

// EventLedger records claimed (tenant, external event id) pairs.
// Claim returns false when the pair was already claimed and has not expired.
type EventLedger interface {
	Claim(ctx context.Context, tenantID, externalEventID string, ttl time.Duration) (bool, error)
	// Release drops a claim so a redelivery of the event is admitted again.
	Release(ctx context.Context, tenantID, externalEventID string) error
}

// FailureCounter is the rolling per-tenant count of exhausted runs.
type FailureCounter interface {
	RecordFailure(ctx context.Context, tenantID string, at time.Time) error
	FailuresSince(ctx context.Context, tenantID string, since time.Time) (int64, error)
}

type DispatchQueue interface {
	Enqueue(ctx context.Context, job entities.DispatchJob) error
}

type SystemEventSink interface {
	Emit(ctx context.Context, evt entities.SystemEvent) error
}

type LeadService interface {
	UpsertLead(ctx context.Context, tc entities.TenantContext, lead entities.Lead) (*entities.Lead, error)
}

type ConversationService interface {
	History(ctx context.Context, tenantID, contact string, limit int) ([]entities.ConversationTurn, error)
	AppendMessage(ctx context.Context, tenantID string, channel entities.Channel, contact, role, text string) error
	AddNote(ctx context.Context, tc entities.TenantContext, note entities.Note) (*entities.Note, error)
	SaveCallSummary(ctx context.Context, tc entities.TenantContext, summary entities.CallSummary) error
}

type AuditLog interface {
	Record(ctx context.Context, entry entities.AuditEntry) error
}
