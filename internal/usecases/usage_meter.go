package usecases

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"svontai_router/internal/entities"
	"svontai_router/internal/interfaces"
	"svontai_router/internal/logger"
	"svontai_router/internal/metrics"
)

// LimitSource returns a tenant's plan limits.
type LimitSource interface {
	PlanLimits(ctx context.Context, tenantID string) (entities.PlanLimits, error)
}

type UsageMeter struct {
	store   interfaces.UsageStore
	limits  LimitSource
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewUsageMeter(store interfaces.UsageStore, limits LimitSource, m *metrics.Metrics) *UsageMeter {
	return &UsageMeter{store: store, limits: limits, metrics: m, now: time.Now}
}

func (u *UsageMeter) WithClock(now func() time.Time) *UsageMeter {
	u.now = now
	return u
}

// CheckAndReserve atomically adds amount to the current period counter if the result stays
// within the plan limit. A denied reservation returns ErrLimitExceeded and leaves the counter unchanged.
func (u *UsageMeter) CheckAndReserve(ctx context.Context, tenantID string, kind entities.UsageKind, amount int64) (entities.ReserveResult, error) {
	if amount <= 0 {
		return entities.ReserveResult{}, fmt.Errorf("reserve %s: amount must be positive", kind)
	}

	limits, err := u.limits.PlanLimits(ctx, tenantID)
	if err != nil {
		return entities.ReserveResult{}, fmt.Errorf("load plan limits: %w", err)
	}
	limit := limits.LimitFor(kind)

	res, err := u.store.Reserve(ctx, tenantID, entities.UsagePeriod(u.now()), kind, amount, limit)
	if err != nil {
		return entities.ReserveResult{}, fmt.Errorf("reserve %s: %w", kind, err)
	}
	if !res.Allowed {
		u.metrics.LimitDenied(string(kind))
		slog.WarnContext(ctx, "usage limit reached",
			"kind", kind, "value", res.Value, "limit", res.Limit)
		return res, entities.ErrLimitExceeded
	}
	return res, nil
}

// Increment adds amount without a ceiling. Used for usage reported after the fact.
func (u *UsageMeter) Increment(ctx context.Context, tenantID string, kind entities.UsageKind, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("increment %s: amount must be positive", kind)
	}
	v, err := u.store.Add(ctx, tenantID, entities.UsagePeriod(u.now()), kind, amount)
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", kind, err)
	}
	return v, nil
}

// Snapshot returns every counter for the current period with its limit.
func (u *UsageMeter) Snapshot(ctx context.Context, tenantID string) ([]entities.UsageCounter, error) {
	period := entities.UsagePeriod(u.now())
	values, err := u.store.Snapshot(ctx, tenantID, period)
	if err != nil {
		return nil, err
	}
	limits, err := u.limits.PlanLimits(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	counters := make([]entities.UsageCounter, 0, len(entities.UsageKinds))
	for _, kind := range entities.UsageKinds {
		counters = append(counters, entities.UsageCounter{
			TenantID: tenantID,
			Period:   period,
			Kind:     kind,
			Value:    values[kind],
			Limit:    limits.LimitFor(kind),
		})
	}
	return counters, nil
}

// incrementQuietly is used on paths where a metering error must not fail the event.
func (u *UsageMeter) incrementQuietly(ctx context.Context, tenantID string, kind entities.UsageKind, amount int64) {
	if amount <= 0 {
		return
	}
	if _, err := u.Increment(ctx, tenantID, kind, amount); err != nil {
		slog.ErrorContext(logger.WithLogFields(ctx, logger.LogFields{Component: "router.usage"}),
			"post-hoc usage increment failed", "kind", kind, "amount", amount, "error", err)
	}
}
