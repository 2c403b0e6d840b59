package http_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"svontai_router/internal/entities"
	"svontai_router/internal/usecases"
)

const inbound = `{"object":"whatsapp_business_account","entry":[{"id":"waba-1","changes":[{"field":"messages","value":{
  "metadata":{"display_phone_number":"908500000000","phone_number_id":"%s"},
  "messages":[{"from":"905551112233","id":"wamid.A","timestamp":"1760000000","type":"text","text":{"body":"Merhaba"}}]}}]}]}`

func metaSigned(body string) map[string]string {
	return map[string]string{"X-Hub-Signature-256": "sha256=" + usecases.HMACHex([]byte(appSecret), []byte(body))}
}

var _ = Describe("WebhookHandler", func() {
	var f *fixture

	BeforeEach(func() {
		f = newFixture()
	})

	Describe("WhatsApp", func() {
		It("answers the subscription challenge only with the right token", func() {
			ok := f.do(httptest.NewRequest(http.MethodGet,
				"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", nil))
			Expect(ok.Code).To(Equal(http.StatusOK))
			Expect(ok.Body.String()).To(Equal("42"))

			bad := f.do(httptest.NewRequest(http.MethodGet,
				"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", nil))
			Expect(bad.Code).To(Equal(http.StatusForbidden))
		})

		It("dispatches a signed message once per provider message id", func() {
			body := fmtInbound("pn-1")
			w := f.do(post("/webhooks/whatsapp", body, metaSigned(body)))
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(f.port.AsyncCalls()).To(Equal(1))

			again := f.do(post("/webhooks/whatsapp", body, metaSigned(body)))
			Expect(again.Code).To(Equal(http.StatusOK))
			Expect(f.port.AsyncCalls()).To(Equal(1))
		})

		It("rejects a bad signature without dispatching", func() {
			body := fmtInbound("pn-1")
			w := f.do(post("/webhooks/whatsapp", body, map[string]string{"X-Hub-Signature-256": "sha256=00"}))
			Expect(w.Code).To(Equal(http.StatusUnauthorized))
			Expect(f.port.AsyncCalls()).To(BeZero())
		})

		It("returns 400 for a payload that is not a WhatsApp webhook", func() {
			body := `{"object":"page"}`
			w := f.do(post("/webhooks/whatsapp", body, metaSigned(body)))
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("acknowledges messages for an unknown number", func() {
			body := fmtInbound("pn-unknown")
			w := f.do(post("/webhooks/whatsapp", body, metaSigned(body)))
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(f.port.AsyncCalls()).To(BeZero())
		})
	})

	Describe("Voice", func() {
		voiceSigned := func(body string) map[string]string {
			return map[string]string{"X-Voice-Signature": usecases.HMACHex([]byte(voiceSecret), []byte(body))}
		}

		It("answers an intent synchronously", func() {
			body := `{"type":"intent","accountId":"acc-1","callId":"c-1","turn":1,"from":"905551112233","text":"randevu"}`
			w := f.do(post("/webhooks/voice", body, voiceSigned(body)))
			Expect(w.Code).To(Equal(http.StatusOK))

			var resp entities.IntentResponse
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.ResponseText).To(Equal("Merhaba"))
			Expect(resp.EndCall).To(BeFalse())
		})

		It("ends the call for an unknown account", func() {
			body := `{"type":"intent","accountId":"acc-x","callId":"c-1","turn":1,"text":"randevu"}`
			w := f.do(post("/webhooks/voice", body, voiceSigned(body)))
			Expect(w.Code).To(Equal(http.StatusOK))

			var resp entities.IntentResponse
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.EndCall).To(BeTrue())
		})

		It("rejects an unsigned request", func() {
			w := f.do(post("/webhooks/voice", `{"type":"call_started","accountId":"acc-1","callId":"c-1"}`, nil))
			Expect(w.Code).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("Widget", func() {
		It("accepts a visitor message for a known bot", func() {
			w := f.do(post("/webhooks/widget/bot-1", `{"visitorId":"v-1","messageId":"m-1","text":"selam"}`, nil))
			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(w.Body.String()).To(ContainSubstring(`"message_id":"widget:m-1"`))
		})

		It("returns 404 for an unknown bot", func() {
			w := f.do(post("/webhooks/widget/bot-x", `{"visitorId":"v-1","text":"selam"}`, nil))
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("rejects an invalid bot id", func() {
			w := f.do(post("/webhooks/widget/bot$1", `{"visitorId":"v-1","text":"selam"}`, nil))
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})
})

func fmtInbound(phoneNumberID string) string {
	return fmt.Sprintf(inbound, phoneNumberID)
}
