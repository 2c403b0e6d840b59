package channels

import (
	"go.mau.fi/whatsmeow/types/events"

	"svontai_router/internal/entities"
)

// FromLinkedDevice converts a message received on a tenant's linked device. Group chats,
// own messages and messages without text are skipped.
func FromLinkedDevice(tenantID string, evt *events.Message) (entities.ChannelEvent, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsGroup || evt.Info.IsFromMe {
		return entities.ChannelEvent{}, false
	}

	var text string
	if evt.Message.Conversation != nil {
		text = *evt.Message.Conversation
	} else if ext := evt.Message.ExtendedTextMessage; ext != nil && ext.Text != nil {
		text = *ext.Text
	}
	if text == "" {
		return entities.ChannelEvent{}, false
	}

	metadata := map[string]any{"source": "linked_device"}
	if evt.Info.PushName != "" {
		metadata["contact_name"] = evt.Info.PushName
	}
	return entities.ChannelEvent{
		Type:            entities.EventIncomingMessage,
		TenantID:        tenantID,
		Channel:         entities.ChannelWhatsApp,
		ExternalEventID: "wa-device:" + string(evt.Info.ID),
		From:            evt.Info.Sender.User,
		Text:            text,
		Timestamp:       evt.Info.Timestamp.UTC(),
		Metadata:        metadata,
	}, true
}
