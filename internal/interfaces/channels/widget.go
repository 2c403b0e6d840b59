package channels

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"svontai_router/internal/entities"
)

type WidgetMessage struct {
	VisitorID string         `json:"visitorId"`
	MessageID string         `json:"messageId"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata"`
}

// ParseWidgetMessage builds an incoming_message for the widget of botID. Widgets that do
// not send a message id get a fresh one, so their retries are not deduplicated.
func ParseWidgetMessage(botID string, body []byte) (entities.ChannelEvent, error) {
	var msg WidgetMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return entities.ChannelEvent{}, fmt.Errorf("%w: %v", entities.ErrMalformedPayload, err)
	}
	msg.VisitorID = strings.TrimSpace(msg.VisitorID)
	if botID == "" || msg.VisitorID == "" || strings.TrimSpace(msg.Text) == "" {
		return entities.ChannelEvent{}, fmt.Errorf("%w: visitorId and text are required", entities.ErrMalformedPayload)
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	return entities.ChannelEvent{
		Type:            entities.EventIncomingMessage,
		Channel:         entities.ChannelWebWidget,
		RoutingKey:      botID,
		ExternalEventID: "widget:" + msg.MessageID,
		From:            msg.VisitorID,
		To:              botID,
		Text:            msg.Text,
		Timestamp:       time.Now().UTC(),
		Metadata:        msg.Metadata,
	}, nil
}
