package entities

const (
	EnvelopeEventName = "svontai_event"

	HeaderSignature = "X-SvontAI-Signature"
	HeaderTimestamp = "X-SvontAI-Timestamp"
	HeaderTenantID  = "X-Tenant-Id"
)

// Callback endpoint names and the routes they map to.
const (
	EndpointWhatsAppSend   = "whatsapp_send"
	EndpointLeadsUpsert    = "leads_upsert"
	EndpointNotesCreate    = "notes_create"
	EndpointCallSummary    = "call_summary"
	EndpointUsageIncrement = "usage_increment"
	EndpointAuditLog       = "audit_log"
)

var CallbackEndpoints = map[string]string{
	EndpointWhatsAppSend:   "POST /api/v1/channels/whatsapp/send",
	EndpointLeadsUpsert:    "POST /api/v1/n8n/leads/upsert",
	EndpointNotesCreate:    "POST /api/v1/n8n/notes",
	EndpointCallSummary:    "POST /api/v1/n8n/calls/summary",
	EndpointUsageIncrement: "POST /api/v1/n8n/usage/increment",
	EndpointAuditLog:       "POST /api/v1/n8n/audit",
}

type Envelope struct {
	Event           string         `json:"event"`
	EventType       EventType      `json:"eventType"`
	RunID           string         `json:"runId"`
	CorrelationID   string         `json:"correlationId,omitempty"`
	TenantID        string         `json:"tenantId"`
	Channel         Channel        `json:"channel"`
	ExternalEventID string         `json:"externalEventId"`
	From            string         `json:"from"`
	To              string         `json:"to"`
	Text            string         `json:"text,omitempty"`
	Timestamp       string         `json:"timestamp"`
	Metadata        map[string]any `json:"metadata"`
	Svontai         SvontaiBlock   `json:"svontai"`
}

type SvontaiBlock struct {
	BaseURL   string            `json:"baseUrl"`
	TenantID  string            `json:"tenantId"`
	Token     string            `json:"token"`
	Endpoints map[string]string `json:"endpoints"`
}

// SignedEnvelope is the exact byte payload sent on the wire plus its signature headers.
type SignedEnvelope struct {
	Envelope  Envelope
	Body      []byte
	Signature string
	Timestamp int64
}

// IntentResponse is the synchronous reply to a voice_call_intent.
type IntentResponse struct {
	ResponseText string `json:"responseText"`
	EndCall      bool   `json:"endCall"`
	Intent       string `json:"intent,omitempty"`
}
