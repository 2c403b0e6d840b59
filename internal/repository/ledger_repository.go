package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerRepository holds the claim-once event ledger and the hourly failure buckets.
type LedgerRepository struct {
	db *pgxpool.Pool
}

func NewLedgerRepository(db *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Claim inserts the pair, or takes over an expired claim. It reports whether this call won.
func (r *LedgerRepository) Claim(ctx context.Context, tenantID, externalEventID string, ttl time.Duration) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO processed_events (tenant_id, external_event_id, expires_at)
		VALUES ($1, $2, NOW() + $3::INTERVAL)
		ON CONFLICT (tenant_id, external_event_id) DO UPDATE
			SET expires_at = EXCLUDED.expires_at
			WHERE processed_events.expires_at < NOW()
	`, tenantID, externalEventID, fmt.Sprintf("%d milliseconds", ttl.Milliseconds()))
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *LedgerRepository) Release(ctx context.Context, tenantID, externalEventID string) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM processed_events WHERE tenant_id = $1 AND external_event_id = $2
	`, tenantID, externalEventID)
	if err != nil {
		return fmt.Errorf("release event: %w", err)
	}
	return nil
}

// PurgeExpired deletes ledger rows past their expiry.
func (r *LedgerRepository) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM processed_events WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *LedgerRepository) RecordFailure(ctx context.Context, tenantID string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO automation_failure_buckets (tenant_id, bucket, failures)
		VALUES ($1, $2, 1)
		ON CONFLICT (tenant_id, bucket) DO UPDATE SET failures = automation_failure_buckets.failures + 1
	`, tenantID, at.UTC().Truncate(time.Hour))
	return err
}

func (r *LedgerRepository) FailuresSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(failures), 0) FROM automation_failure_buckets
		WHERE tenant_id = $1 AND bucket >= $2
	`, tenantID, since.UTC().Truncate(time.Hour)).Scan(&total)
	return total, err
}
