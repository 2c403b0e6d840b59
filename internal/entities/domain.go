package entities

import "time"

// TenantContext is derived from a verified callback token, never from a request body.
type TenantContext struct {
	TenantID      string
	RunID         string
	CorrelationID string
}

type Lead struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Phone     string            `json:"phone"`
	Name      string            `json:"name,omitempty"`
	Email     string            `json:"email,omitempty"`
	Source    string            `json:"source,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type Note struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	LeadID    string    `json:"lead_id,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Body      string    `json:"body"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
}

type CallSummary struct {
	TenantID        string    `json:"tenant_id"`
	CallID          string    `json:"call_id"`
	Summary         string    `json:"summary"`
	DurationSeconds int64     `json:"duration_seconds"`
	Outcome         string    `json:"outcome,omitempty"`
	RunID           string    `json:"run_id"`
	CreatedAt       time.Time `json:"created_at"`
}

type AuditEntry struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Action        string         `json:"action"`
	Detail        map[string]any `json:"detail,omitempty"`
	RunID         string         `json:"run_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
