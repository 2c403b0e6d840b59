package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"svontai_router/internal/entities"
)

// DomainRepository backs the collaborators the workflow engine calls back into:
// leads, notes, call summaries, audit log, system events and conversation history.
type DomainRepository struct {
	db *pgxpool.Pool
}

func NewDomainRepository(db *pgxpool.Pool) *DomainRepository {
	return &DomainRepository{db: db}
}

// leadKey is the per-tenant identity of a lead: phone when known, else lowercased email.
func leadKey(lead entities.Lead) string {
	if lead.Phone != "" {
		return "phone:" + lead.Phone
	}
	return "email:" + strings.ToLower(lead.Email)
}

func (r *DomainRepository) UpsertLead(ctx context.Context, tc entities.TenantContext, lead entities.Lead) (*entities.Lead, error) {
	fields, err := json.Marshal(lead.Fields)
	if err != nil {
		return nil, err
	}
	if lead.Fields == nil {
		fields = []byte("{}")
	}

	out := lead
	out.TenantID = tc.TenantID
	err = r.db.QueryRow(ctx, `
		INSERT INTO leads (id, tenant_id, contact_key, phone, name, email, source, fields)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, contact_key) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name = '' THEN leads.name ELSE EXCLUDED.name END,
			email = CASE WHEN EXCLUDED.email = '' THEN leads.email ELSE EXCLUDED.email END,
			source = CASE WHEN EXCLUDED.source = '' THEN leads.source ELSE EXCLUDED.source END,
			fields = leads.fields || EXCLUDED.fields,
			updated_at = NOW()
		RETURNING id::text, name, email, source, updated_at
	`, uuid.New(), tc.TenantID, leadKey(lead), lead.Phone, lead.Name, lead.Email, lead.Source, string(fields)).
		Scan(&out.ID, &out.Name, &out.Email, &out.Source, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert lead: %w", err)
	}
	return &out, nil
}

func (r *DomainRepository) AddNote(ctx context.Context, tc entities.TenantContext, note entities.Note) (*entities.Note, error) {
	note.ID = uuid.NewString()
	note.TenantID = tc.TenantID
	note.RunID = tc.RunID
	note.CreatedAt = time.Now().UTC()
	_, err := r.db.Exec(ctx, `
		INSERT INTO notes (id, tenant_id, lead_id, phone, body, run_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, note.ID, note.TenantID, note.LeadID, note.Phone, note.Body, note.RunID, note.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("add note: %w", err)
	}
	return &note, nil
}

// SaveCallSummary keeps the latest summary per call.
func (r *DomainRepository) SaveCallSummary(ctx context.Context, tc entities.TenantContext, s entities.CallSummary) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO call_summaries (tenant_id, call_id, summary, duration_seconds, outcome, run_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, call_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			duration_seconds = EXCLUDED.duration_seconds,
			outcome = EXCLUDED.outcome,
			run_id = EXCLUDED.run_id,
			created_at = NOW()
	`, tc.TenantID, s.CallID, s.Summary, s.DurationSeconds, s.Outcome, tc.RunID)
	if err != nil {
		return fmt.Errorf("save call summary: %w", err)
	}
	return nil
}

func (r *DomainRepository) Record(ctx context.Context, e entities.AuditEntry) error {
	detail, err := jsonObject(e.Detail)
	if err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO audit_logs (id, tenant_id, action, detail, run_id, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.TenantID, e.Action, detail, e.RunID, e.CorrelationID, createdAt(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

func (r *DomainRepository) Emit(ctx context.Context, e entities.SystemEvent) error {
	detail, err := jsonObject(e.Detail)
	if err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO system_events (id, tenant_id, level, category, source, message, run_id, correlation_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, e.TenantID, string(e.Level), e.Category, e.Source, e.Message, e.RunID, e.CorrelationID, detail, createdAt(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("emit system event: %w", err)
	}
	return nil
}

// History returns the last limit turns with the contact, oldest first.
func (r *DomainRepository) History(ctx context.Context, tenantID, contact string, limit int) ([]entities.ConversationTurn, error) {
	rows, err := r.db.Query(ctx, `
		SELECT role, content FROM (
			SELECT id, role, content FROM conversation_messages
			WHERE tenant_id = $1 AND contact = $2
			ORDER BY id DESC LIMIT $3
		) recent ORDER BY id ASC
	`, tenantID, contact, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := []entities.ConversationTurn{}
	for rows.Next() {
		var t entities.ConversationTurn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (r *DomainRepository) AppendMessage(ctx context.Context, tenantID string, channel entities.Channel, contact, role, text string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO conversation_messages (tenant_id, channel, contact, role, content)
		VALUES ($1, $2, $3, $4, $5)
	`, tenantID, string(channel), contact, role, text)
	return err
}

func jsonObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode detail: %w", err)
	}
	return string(b), nil
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
