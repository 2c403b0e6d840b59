package usecases

import (
	"context"
	"fmt"
	"time"

	"svontai_router/internal/entities"
	"svontai_router/internal/interfaces"
)

const maxStatusRuns = 500

type AutomationStatus struct {
	TenantID           string                  `json:"tenant_id"`
	Enabled            bool                    `json:"enabled"`
	DefaultWorkflowID  string                  `json:"default_workflow_id,omitempty"`
	WhatsAppWorkflowID string                  `json:"whatsapp_workflow_id,omitempty"`
	VoiceWorkflowID    string                  `json:"voice_workflow_id,omitempty"`
	EnableAutoRetry    bool                    `json:"enable_auto_retry"`
	MaxRetries         int                     `json:"max_retries"`
	TimeoutSeconds     int                     `json:"timeout_seconds"`
	Last24h            entities.RunStats       `json:"last_24h"`
	FailuresLast24h    int64                   `json:"failures_last_24h"`
	Usage              []entities.UsageCounter `json:"usage"`
}

// AutomationStatusUsecase is the tenant dashboard's read model over runs and usage.
type AutomationStatusUsecase struct {
	tenants  *TenantResolver
	runs     interfaces.RunStore
	failures interfaces.FailureCounter
	meter    *UsageMeter
	now      func() time.Time
}

func NewAutomationStatusUsecase(tenants *TenantResolver, runs interfaces.RunStore, failures interfaces.FailureCounter, meter *UsageMeter) *AutomationStatusUsecase {
	return &AutomationStatusUsecase{tenants: tenants, runs: runs, failures: failures, meter: meter, now: time.Now}
}

func (u *AutomationStatusUsecase) Status(ctx context.Context, tenantID string) (*AutomationStatus, error) {
	route, err := u.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	cfg := route.Config

	since := u.now().Add(-24 * time.Hour)
	runs, err := u.runs.ListRecent(ctx, tenantID, since, maxStatusRuns)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	failures, err := u.failures.FailuresSince(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("count failures: %w", err)
	}
	usage, err := u.meter.Snapshot(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("usage snapshot: %w", err)
	}

	return &AutomationStatus{
		TenantID:           tenantID,
		Enabled:            cfg.Enabled,
		DefaultWorkflowID:  cfg.DefaultWorkflowID,
		WhatsAppWorkflowID: cfg.WhatsAppWorkflowID,
		VoiceWorkflowID:    cfg.VoiceWorkflowID,
		EnableAutoRetry:    cfg.EnableAutoRetry,
		MaxRetries:         cfg.MaxRetries,
		TimeoutSeconds:     cfg.TimeoutSeconds,
		Last24h:            SummarizeRuns(runs),
		FailuresLast24h:    failures,
		Usage:              usage,
	}, nil
}

// RecentRuns lists the tenant's runs created within window, newest first.
func (u *AutomationStatusUsecase) RecentRuns(ctx context.Context, tenantID string, window time.Duration, limit int) ([]entities.AutomationRun, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if limit <= 0 || limit > maxStatusRuns {
		limit = 100
	}
	return u.runs.ListRecent(ctx, tenantID, u.now().Add(-window), limit)
}

// GetRun returns ErrRunNotFound for runs of other tenants.
func (u *AutomationStatusUsecase) GetRun(ctx context.Context, tenantID, runID string) (*entities.AutomationRun, error) {
	run, err := u.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.TenantID != tenantID {
		return nil, entities.ErrRunNotFound
	}
	return run, nil
}

func SummarizeRuns(runs []entities.AutomationRun) entities.RunStats {
	var s entities.RunStats
	for _, r := range runs {
		switch r.Status {
		case entities.RunSucceeded:
			s.Succeeded++
		case entities.RunExhausted:
			s.Exhausted++
		case entities.RunFailed, entities.RunTimedOut:
			s.Failed++
		default:
			s.InFlight++
		}
	}
	return s
}
