package entities

import "time"

type EventType string

const (
	EventIncomingMessage    EventType = "incoming_message"
	EventVoiceCallStarted   EventType = "voice_call_started"
	EventVoiceCallIntent    EventType = "voice_call_intent"
	EventVoiceCallCompleted EventType = "voice_call_completed"
)

// IsSync reports whether the caller waits for the workflow response.
func (t EventType) IsSync() bool {
	return t == EventVoiceCallIntent
}

func (t EventType) Valid() bool {
	switch t {
	case EventIncomingMessage, EventVoiceCallStarted, EventVoiceCallIntent, EventVoiceCallCompleted:
		return true
	}
	return false
}

type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelWebWidget Channel = "web_widget"
	ChannelCall      Channel = "call"
)

// ChannelEvent is the normalized form of one inbound provider message or call segment.
// ExternalEventID is unique per tenant and is the idempotency key for the whole pipeline.
type ChannelEvent struct {
	Type            EventType      `json:"type"`
	TenantID        string         `json:"tenant_id"`
	BotID           string         `json:"bot_id,omitempty"`
	Channel         Channel        `json:"channel"`
	ExternalEventID string         `json:"external_event_id"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	From            string         `json:"from"`
	To              string         `json:"to"`
	Text            string         `json:"text,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`

	// Provider routing key (phone_number_id, voice account id, widget bot id)
	RoutingKey string `json:"routing_key"`

	// Voice only
	CallID          string `json:"call_id,omitempty"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
}

// DispatchJob is an async dispatch handed to the worker queue.
type DispatchJob struct {
	Event ChannelEvent `json:"event"`
}
