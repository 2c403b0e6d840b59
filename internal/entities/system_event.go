package entities

import "time"

type SystemEventLevel string

const (
	LevelInfo    SystemEventLevel = "info"
	LevelWarning SystemEventLevel = "warning"
	LevelError   SystemEventLevel = "error"
)

const (
	CategoryAutomation = "automation"
	CategorySecurity   = "security"
	CategoryUsage      = "usage"
)

type SystemEvent struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	Level         SystemEventLevel `json:"level"`
	Category      string           `json:"category"`
	Source        string           `json:"source"`
	Message       string           `json:"message"`
	RunID         string           `json:"run_id,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Detail        map[string]any   `json:"detail,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}
