package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"svontai_router/internal/entities"
)

// RunRepository persists automation runs. Status changes are guarded in SQL so two writers
// cannot both move a run out of the same state.
type RunRepository struct {
	db *pgxpool.Pool
}

func NewRunRepository(db *pgxpool.Pool) *RunRepository {
	return &RunRepository{db: db}
}

const runColumns = `id, tenant_id, correlation_id, external_event_id, event_type, channel, workflow_id,
	status, attempt_count, response_payload, error_detail, created_at, updated_at`

func scanRun(row pgx.Row) (*entities.AutomationRun, error) {
	var run entities.AutomationRun
	var eventType, channel, status string
	var payload []byte
	err := row.Scan(&run.ID, &run.TenantID, &run.CorrelationID, &run.ExternalEventID, &eventType, &channel,
		&run.WorkflowID, &status, &run.AttemptCount, &payload, &run.ErrorDetail, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.EventType = entities.EventType(eventType)
	run.Channel = entities.Channel(channel)
	run.Status = entities.RunStatus(status)
	if len(payload) > 0 {
		run.ResponsePayload = payload
	}
	return &run, nil
}

func (r *RunRepository) Create(ctx context.Context, run *entities.AutomationRun) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = run.CreatedAt
	_, err := r.db.Exec(ctx, `
		INSERT INTO automation_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, run.ID, run.TenantID, run.CorrelationID, run.ExternalEventID, string(run.EventType), string(run.Channel),
		run.WorkflowID, string(run.Status), run.AttemptCount, nullableJSON(run.ResponsePayload), run.ErrorDetail,
		run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func predecessors(to entities.RunStatus) []string {
	var out []string
	for _, from := range []entities.RunStatus{
		entities.RunPending, entities.RunSent, entities.RunSucceeded,
		entities.RunFailed, entities.RunTimedOut, entities.RunExhausted,
	} {
		if entities.CanTransition(from, to) {
			out = append(out, string(from))
		}
	}
	return out
}

func (r *RunRepository) Transition(ctx context.Context, runID string, t entities.RunTransition) (*entities.AutomationRun, error) {
	increment := 0
	if t.IncrementAttempt {
		increment = 1
	}
	row := r.db.QueryRow(ctx, `
		UPDATE automation_runs SET
			status = $2,
			attempt_count = attempt_count + $3,
			response_payload = COALESCE($4::JSONB, response_payload),
			error_detail = CASE WHEN $5::TEXT = '' THEN error_detail ELSE $5::TEXT END,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($6)
		RETURNING `+runColumns,
		runID, string(t.Status), increment, nullableJSON(t.ResponsePayload), t.ErrorDetail, predecessors(t.Status))
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := r.Get(ctx, runID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s -> %s", entities.ErrInvalidTransition, current.Status, t.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("transition run: %w", err)
	}
	return run, nil
}

func (r *RunRepository) Get(ctx context.Context, runID string) (*entities.AutomationRun, error) {
	run, err := scanRun(r.db.QueryRow(ctx, `SELECT `+runColumns+` FROM automation_runs WHERE id::text = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entities.ErrRunNotFound
	}
	return run, err
}

func (r *RunRepository) GetByExternalEvent(ctx context.Context, tenantID, externalEventID string) (*entities.AutomationRun, error) {
	run, err := scanRun(r.db.QueryRow(ctx, `
		SELECT `+runColumns+` FROM automation_runs
		WHERE tenant_id = $1 AND external_event_id = $2
		ORDER BY created_at DESC LIMIT 1
	`, tenantID, externalEventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entities.ErrRunNotFound
	}
	return run, err
}

func (r *RunRepository) ListRecent(ctx context.Context, tenantID string, since time.Time, limit int) ([]entities.AutomationRun, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+runColumns+` FROM automation_runs
		WHERE tenant_id = $1 AND created_at >= $2
		ORDER BY created_at DESC LIMIT $3
	`, tenantID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []entities.AutomationRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
