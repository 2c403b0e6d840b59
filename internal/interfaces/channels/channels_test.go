package channels_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"svontai_router/internal/entities"
	"svontai_router/internal/interfaces/channels"
)

const cloudMessage = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "waba-1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "908500000000", "phone_number_id": "pn-1"},
        "contacts": [{"wa_id": "905551112233", "profile": {"name": "Ayşe"}}],
        "messages": [
          {"from": "905551112233", "id": "wamid.A", "timestamp": "1760000000", "type": "text", "text": {"body": "Merhaba"}},
          {"from": "905551112233", "id": "wamid.B", "timestamp": "1760000001", "type": "interactive",
           "interactive": {"type": "button_reply", "button_reply": {"id": "yes", "title": "Evet"}}}
        ]
      }
    }]
  }]
}`

const cloudStatus = `{
  "object": "whatsapp_business_account",
  "entry": [{"id": "waba-1", "changes": [{"field": "messages", "value": {
    "metadata": {"phone_number_id": "pn-1"},
    "statuses": [{"id": "wamid.A", "status": "delivered"}]
  }}]}]
}`

var _ = Describe("ParseWhatsAppWebhook", func() {
	It("produces one incoming message per provider message", func() {
		evts, err := channels.ParseWhatsAppWebhook([]byte(cloudMessage))
		Expect(err).NotTo(HaveOccurred())
		Expect(evts).To(HaveLen(2))

		first := evts[0]
		Expect(first.Type).To(Equal(entities.EventIncomingMessage))
		Expect(first.Channel).To(Equal(entities.ChannelWhatsApp))
		Expect(first.RoutingKey).To(Equal("pn-1"))
		Expect(first.ExternalEventID).To(Equal("wamid.A"))
		Expect(first.From).To(Equal("905551112233"))
		Expect(first.Text).To(Equal("Merhaba"))
		Expect(first.Timestamp).To(Equal(time.Unix(1760000000, 0).UTC()))
		Expect(first.Metadata).To(HaveKeyWithValue("contact_name", "Ayşe"))

		Expect(evts[1].Text).To(Equal("Evet"))
	})

	It("ignores status callbacks", func() {
		evts, err := channels.ParseWhatsAppWebhook([]byte(cloudStatus))
		Expect(err).NotTo(HaveOccurred())
		Expect(evts).To(BeEmpty())
	})

	It("rejects bodies that are not JSON", func() {
		_, err := channels.ParseWhatsAppWebhook([]byte("not json"))
		Expect(err).To(MatchError(ContainSubstring(entities.ErrMalformedPayload.Error())))
	})
})

var _ = Describe("ParseVoiceWebhook", func() {
	DescribeTable("event mapping",
		func(body string, wantType entities.EventType, wantID string) {
			_, evt, err := channels.ParseVoiceWebhook([]byte(body))
			Expect(err).NotTo(HaveOccurred())
			Expect(evt.Type).To(Equal(wantType))
			Expect(evt.ExternalEventID).To(Equal(wantID))
			Expect(evt.RoutingKey).To(Equal("acc-1"))
			Expect(evt.Channel).To(Equal(entities.ChannelCall))
		},
		Entry("call started", `{"type":"call_started","accountId":"acc-1","callId":"c1"}`,
			entities.EventVoiceCallStarted, "voice:c1:started"),
		Entry("intent", `{"type":"intent","accountId":"acc-1","callId":"c1","turn":3,"text":"randevu"}`,
			entities.EventVoiceCallIntent, "voice:c1:intent:3"),
		Entry("call ended", `{"type":"call_ended","accountId":"acc-1","callId":"c1","durationSeconds":95}`,
			entities.EventVoiceCallCompleted, "voice:c1:completed"),
	)

	It("carries the call duration", func() {
		_, evt, err := channels.ParseVoiceWebhook([]byte(`{"type":"call_ended","accountId":"acc-1","callId":"c1","durationSeconds":95}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(evt.DurationSeconds).To(Equal(int64(95)))
	})

	DescribeTable("malformed payloads",
		func(body string) {
			_, _, err := channels.ParseVoiceWebhook([]byte(body))
			Expect(err).To(MatchError(ContainSubstring(entities.ErrMalformedPayload.Error())))
		},
		Entry("missing call id", `{"type":"intent","accountId":"acc-1","text":"x"}`),
		Entry("unknown type", `{"type":"ringing","accountId":"acc-1","callId":"c1"}`),
		Entry("intent without text", `{"type":"intent","accountId":"acc-1","callId":"c1"}`),
		Entry("broken json", `{"type":`),
	)
})

var _ = Describe("ParseWidgetMessage", func() {
	It("routes by bot id", func() {
		evt, err := channels.ParseWidgetMessage("bot-1", []byte(`{"visitorId":"v-1","messageId":"m-1","text":"Selam"}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(evt.Channel).To(Equal(entities.ChannelWebWidget))
		Expect(evt.RoutingKey).To(Equal("bot-1"))
		Expect(evt.ExternalEventID).To(Equal("widget:m-1"))
		Expect(evt.From).To(Equal("v-1"))
	})

	It("requires a visitor and text", func() {
		_, err := channels.ParseWidgetMessage("bot-1", []byte(`{"text":"Selam"}`))
		Expect(err).To(MatchError(ContainSubstring(entities.ErrMalformedPayload.Error())))
	})
})

var _ = Describe("FromLinkedDevice", func() {
	message := func(text string) *events.Message {
		evt := &events.Message{Message: &waE2E.Message{Conversation: proto.String(text)}}
		evt.Info.ID = "3EB0ABC"
		evt.Info.Sender = types.NewJID("905551112233", types.DefaultUserServer)
		evt.Info.Timestamp = time.Unix(1760000000, 0)
		return evt
	}

	It("converts a direct text message for the tenant", func() {
		evt, ok := channels.FromLinkedDevice("t1", message("Merhaba"))
		Expect(ok).To(BeTrue())
		Expect(evt.TenantID).To(Equal("t1"))
		Expect(evt.RoutingKey).To(BeEmpty())
		Expect(evt.ExternalEventID).To(Equal("wa-device:3EB0ABC"))
		Expect(evt.From).To(Equal("905551112233"))
		Expect(evt.Text).To(Equal("Merhaba"))
	})

	It("skips group chats and own messages", func() {
		group := message("Merhaba")
		group.Info.IsGroup = true
		_, ok := channels.FromLinkedDevice("t1", group)
		Expect(ok).To(BeFalse())

		own := message("Merhaba")
		own.Info.IsFromMe = true
		_, ok = channels.FromLinkedDevice("t1", own)
		Expect(ok).To(BeFalse())
	})
})
