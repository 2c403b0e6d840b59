package channels

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"svontai_router/internal/entities"
)

const voiceProvider = "voice"

// Voice gateway event types.
const (
	VoiceCallStarted = "call_started"
	VoiceIntent      = "intent"
	VoiceCallEnded   = "call_ended"
)

// VoiceWebhook is the voice gateway callback body.
type VoiceWebhook struct {
	Type            string         `json:"type"`
	AccountID       string         `json:"accountId"`
	CallID          string         `json:"callId"`
	Turn            int            `json:"turn"`
	From            string         `json:"from"`
	To              string         `json:"to"`
	Text            string         `json:"text"`
	DurationSeconds int64          `json:"durationSeconds"`
	Timestamp       int64          `json:"timestamp"`
	Metadata        map[string]any `json:"metadata"`
}

// ParseVoiceWebhook maps a gateway callback to a channel event. The routing key is the
// account id and the external id is derived from the call id, so gateway retries dedupe.
func ParseVoiceWebhook(body []byte) (VoiceWebhook, entities.ChannelEvent, error) {
	var hook VoiceWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return hook, entities.ChannelEvent{}, fmt.Errorf("%w: %v", entities.ErrMalformedPayload, err)
	}
	hook.AccountID = strings.TrimSpace(hook.AccountID)
	hook.CallID = strings.TrimSpace(hook.CallID)
	if hook.AccountID == "" || hook.CallID == "" {
		return hook, entities.ChannelEvent{}, fmt.Errorf("%w: accountId and callId are required", entities.ErrMalformedPayload)
	}

	evt := entities.ChannelEvent{
		Channel:         entities.ChannelCall,
		RoutingKey:      hook.AccountID,
		CallID:          hook.CallID,
		CorrelationID:   hook.CallID,
		From:            hook.From,
		To:              hook.To,
		Text:            hook.Text,
		DurationSeconds: hook.DurationSeconds,
		Timestamp:       time.Now().UTC(),
		Metadata:        hook.Metadata,
	}
	if hook.Timestamp > 0 {
		evt.Timestamp = time.Unix(hook.Timestamp, 0).UTC()
	}

	switch hook.Type {
	case VoiceCallStarted:
		evt.Type = entities.EventVoiceCallStarted
		evt.ExternalEventID = fmt.Sprintf("%s:%s:started", voiceProvider, hook.CallID)
	case VoiceIntent:
		if strings.TrimSpace(hook.Text) == "" {
			return hook, entities.ChannelEvent{}, fmt.Errorf("%w: intent without text", entities.ErrMalformedPayload)
		}
		evt.Type = entities.EventVoiceCallIntent
		evt.ExternalEventID = fmt.Sprintf("%s:%s:intent:%d", voiceProvider, hook.CallID, hook.Turn)
	case VoiceCallEnded:
		if hook.DurationSeconds < 0 {
			return hook, entities.ChannelEvent{}, fmt.Errorf("%w: negative duration", entities.ErrMalformedPayload)
		}
		evt.Type = entities.EventVoiceCallCompleted
		evt.ExternalEventID = fmt.Sprintf("%s:%s:completed", voiceProvider, hook.CallID)
	default:
		return hook, entities.ChannelEvent{}, fmt.Errorf("%w: unknown voice event %q", entities.ErrMalformedPayload, hook.Type)
	}
	return hook, evt, nil
}
