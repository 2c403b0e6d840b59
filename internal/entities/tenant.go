package entities

import "time"

const (
	DefaultTimeoutSeconds = 10
	MinTimeoutSeconds     = 1
	MaxTimeoutSeconds     = 60
	DefaultMaxRetries     = 2
	MaxMaxRetries         = 10
)

// TenantAutomationConfig is read on every dispatch and mutated only through tenant settings.
type TenantAutomationConfig struct {
	TenantID           string `json:"tenant_id"`
	BotID              string `json:"bot_id"`
	Enabled            bool   `json:"enabled"`
	DefaultWorkflowID  string `json:"default_workflow_id"`
	WhatsAppWorkflowID string `json:"whatsapp_workflow_id"`
	VoiceWorkflowID    string `json:"voice_workflow_id"`
	WebhookURL         string `json:"webhook_url,omitempty"` // overrides base URL + workflow id
	EnableAutoRetry    bool   `json:"enable_auto_retry"`
	MaxRetries         int    `json:"max_retries"`
	TimeoutSeconds     int    `json:"timeout_seconds"`
	SigningSecret      string `json:"-"`
	FallbackTemplate   string `json:"fallback_template,omitempty"`
	Language           string `json:"language"`

	// WhatsApp Cloud API credentials
	WhatsAppPhoneNumberID string `json:"whatsapp_phone_number_id,omitempty"`
	WhatsAppAccessToken   string `json:"-"`

	VoiceAccountID string `json:"voice_account_id,omitempty"`

	// Knowledge handed to the direct reply generator when workflows are off
	Knowledge string `json:"-"`
}

// Normalize clamps timeout and retries into their allowed ranges.
func (c TenantAutomationConfig) Normalize() TenantAutomationConfig {
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.TimeoutSeconds < MinTimeoutSeconds {
		c.TimeoutSeconds = MinTimeoutSeconds
	}
	if c.TimeoutSeconds > MaxTimeoutSeconds {
		c.TimeoutSeconds = MaxTimeoutSeconds
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries > MaxMaxRetries {
		c.MaxRetries = MaxMaxRetries
	}
	if c.Language == "" {
		c.Language = "tr"
	}
	return c
}

func (c TenantAutomationConfig) Timeout() time.Duration {
	return time.Duration(c.Normalize().TimeoutSeconds) * time.Second
}

// WorkflowFor returns the workflow id for a channel, falling back to the default workflow.
func (c TenantAutomationConfig) WorkflowFor(ch Channel) string {
	switch ch {
	case ChannelWhatsApp:
		if c.WhatsAppWorkflowID != "" {
			return c.WhatsAppWorkflowID
		}
	case ChannelCall:
		if c.VoiceWorkflowID != "" {
			return c.VoiceWorkflowID
		}
	}
	return c.DefaultWorkflowID
}

// PlanLimits maps a usage kind to its monthly ceiling. Missing or negative means unlimited.
type PlanLimits map[UsageKind]int64

func (l PlanLimits) LimitFor(kind UsageKind) int64 {
	if v, ok := l[kind]; ok {
		return v
	}
	return -1
}

// TenantRoute is what the resolver hands to the router for a provider routing key.
type TenantRoute struct {
	TenantID string
	BotID    string
	Config   TenantAutomationConfig
	Limits   PlanLimits
}
