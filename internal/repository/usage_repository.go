package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"svontai_router/internal/entities"
)

// UsageRepository stores monthly usage counters in Postgres.
type UsageRepository struct {
	db *pgxpool.Pool
}

func NewUsageRepository(db *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{db: db}
}

// Reserve increments the counter only when the result stays within limit. The guard lives in
// the upsert itself so concurrent reservations cannot overshoot.
func (r *UsageRepository) Reserve(ctx context.Context, tenantID, period string, kind entities.UsageKind, amount, limit int64) (entities.ReserveResult, error) {
	if limit < 0 {
		v, err := r.Add(ctx, tenantID, period, kind, amount)
		if err != nil {
			return entities.ReserveResult{}, err
		}
		return entities.ReserveResult{Allowed: true, Value: v, Limit: limit}, nil
	}

	var value int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO usage_counters (tenant_id, period, kind, value)
		SELECT $1, $2, $3, $4::BIGINT WHERE $4::BIGINT <= $5::BIGINT
		ON CONFLICT (tenant_id, period, kind)
		DO UPDATE SET value = usage_counters.value + EXCLUDED.value, updated_at = NOW()
		WHERE usage_counters.value + EXCLUDED.value <= $5::BIGINT
		RETURNING value
	`, tenantID, period, string(kind), amount, limit).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := r.current(ctx, tenantID, period, kind)
		if err != nil {
			return entities.ReserveResult{}, err
		}
		return entities.ReserveResult{Allowed: false, Value: current, Limit: limit}, nil
	}
	if err != nil {
		return entities.ReserveResult{}, fmt.Errorf("reserve usage: %w", err)
	}
	return entities.ReserveResult{Allowed: true, Value: value, Limit: limit}, nil
}

// Add increments the counter without a ceiling.
func (r *UsageRepository) Add(ctx context.Context, tenantID, period string, kind entities.UsageKind, amount int64) (int64, error) {
	var value int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO usage_counters (tenant_id, period, kind, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, period, kind)
		DO UPDATE SET value = usage_counters.value + EXCLUDED.value, updated_at = NOW()
		RETURNING value
	`, tenantID, period, string(kind), amount).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("add usage: %w", err)
	}
	return value, nil
}

func (r *UsageRepository) current(ctx context.Context, tenantID, period string, kind entities.UsageKind) (int64, error) {
	var value int64
	err := r.db.QueryRow(ctx, `
		SELECT value FROM usage_counters WHERE tenant_id = $1 AND period = $2 AND kind = $3
	`, tenantID, period, string(kind)).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil // No record means 0 usage
	}
	return value, err
}

// Snapshot returns all counters of a tenant for the period.
func (r *UsageRepository) Snapshot(ctx context.Context, tenantID, period string) (map[entities.UsageKind]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT kind, value FROM usage_counters WHERE tenant_id = $1 AND period = $2
	`, tenantID, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[entities.UsageKind]int64)
	for rows.Next() {
		var kind string
		var value int64
		if err := rows.Scan(&kind, &value); err != nil {
			return nil, err
		}
		out[entities.UsageKind(kind)] = value
	}
	return out, rows.Err()
}
