package channels

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"svontai_router/internal/entities"
)

// cloudWebhook is the subset of the WhatsApp Cloud API webhook body the router reads.
type cloudWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value cloudChange `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type cloudChange struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []cloudMessage    `json:"messages"`
	Statuses []json.RawMessage `json:"statuses"`
}

type cloudMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive *struct {
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Image *struct {
		Caption string `json:"caption"`
	} `json:"image"`
}

// ParseWhatsAppWebhook turns a Cloud API webhook body into incoming_message events.
// Status callbacks produce no events. Only a body that is not a webhook is an error.
func ParseWhatsAppWebhook(body []byte) ([]entities.ChannelEvent, error) {
	var hook cloudWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("%w: %v", entities.ErrMalformedPayload, err)
	}
	if hook.Object != "" && hook.Object != "whatsapp_business_account" {
		return nil, fmt.Errorf("%w: unexpected object %q", entities.ErrMalformedPayload, hook.Object)
	}

	var out []entities.ChannelEvent
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			v := change.Value
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range v.Messages {
				if m.ID == "" || m.From == "" {
					continue
				}
				metadata := map[string]any{
					"message_type": m.Type,
					"waba_id":      entry.ID,
				}
				if name := names[m.From]; name != "" {
					metadata["contact_name"] = name
				}
				out = append(out, entities.ChannelEvent{
					Type:            entities.EventIncomingMessage,
					Channel:         entities.ChannelWhatsApp,
					RoutingKey:      v.Metadata.PhoneNumberID,
					ExternalEventID: m.ID,
					From:            m.From,
					To:              v.Metadata.DisplayPhoneNumber,
					Text:            m.text(),
					Timestamp:       unixTime(m.Timestamp),
					Metadata:        metadata,
				})
			}
		}
	}
	return out, nil
}

func (m cloudMessage) text() string {
	switch {
	case m.Text != nil:
		return m.Text.Body
	case m.Button != nil:
		return m.Button.Text
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		return m.Interactive.ButtonReply.Title
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		return m.Interactive.ListReply.Title
	case m.Image != nil:
		return m.Image.Caption
	}
	return ""
}

func unixTime(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
