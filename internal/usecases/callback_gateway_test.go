package usecases_test

import (
	"context"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"svontai_router/internal/entities"
	"svontai_router/internal/usecases"
)

var _ = Describe("CallbackGateway", func() {
	var (
		ctx     context.Context
		h       *harness
		gateway *usecases.CallbackGateway
		run     *entities.AutomationRun
		token   string
	)

	signed := func(body string) usecases.CallbackRequest {
		sig, ts := h.signer.Stamp([]byte(body))
		return usecases.CallbackRequest{
			Bearer:       token,
			TenantHeader: "t1",
			Signature:    sig,
			Timestamp:    strconv.FormatInt(ts, 10),
			Body:         []byte(body),
			Path:         "/api/v1/n8n/leads/upsert",
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		h = newHarness(defaultRoute(), true)
		h.tenants.Put(&entities.TenantRoute{TenantID: "t2", Config: entities.TenantAutomationConfig{Enabled: true}})
		gateway = usecases.NewCallbackGateway(
			usecases.CallbackGatewayConfig{RequireSignature: true},
			h.tokens, h.signer, h.resolver, h.runs, h.meter,
			h.domain, h.domain, h.domain, h.domain, h.messenger, nil,
		)

		run = &entities.AutomationRun{
			ID: "run-1", TenantID: "t1", CorrelationID: "corr-1",
			Status: entities.RunPending, CreatedAt: time.Now(),
		}
		Expect(h.runs.Create(ctx, run)).To(Succeed())

		var err error
		token, _, err = h.tokens.Issue("t1", "", run.ID, run.CorrelationID, time.Minute)
		Expect(err).NotTo(HaveOccurred())
	})

	It("derives the tenant context from the token", func() {
		tc, err := gateway.Authorize(ctx, signed(`{"phone":"905551112233"}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(tc).To(Equal(entities.TenantContext{TenantID: "t1", RunID: "run-1", CorrelationID: "corr-1"}))
	})

	It("rejects a tenant header that differs from the token", func() {
		req := signed(`{"phone":"905551112233"}`)
		req.TenantHeader = "t2"

		_, err := gateway.Authorize(ctx, req)
		Expect(err).To(MatchError(entities.ErrTenantMismatch))
		Expect(h.domain.Leads("t1")).To(BeEmpty())
		Expect(h.domain.Leads("t2")).To(BeEmpty())

		events := h.domain.SystemEvents()
		Expect(events).To(HaveLen(1))
		Expect(events[0].Category).To(Equal(entities.CategorySecurity))
	})

	It("rejects a tampered body", func() {
		req := signed(`{"phone":"905551112233"}`)
		req.Body = []byte(`{"phone":"900000000000"}`)

		_, err := gateway.Authorize(ctx, req)
		Expect(err).To(MatchError(entities.ErrSignatureInvalid))
	})

	It("rejects a stale timestamp", func() {
		req := signed(`{}`)
		req.Timestamp = strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)

		_, err := gateway.Authorize(ctx, req)
		Expect(err).To(MatchError(entities.ErrTimestampSkew))
	})

	It("rejects a missing or foreign token", func() {
		req := signed(`{}`)
		req.Bearer = ""
		_, err := gateway.Authorize(ctx, req)
		Expect(err).To(MatchError(ContainSubstring(entities.ErrTokenInvalid.Error())))

		other := usecases.NewCallbackTokens("someone-else", "")
		req.Bearer, _, _ = other.Issue("t1", "", run.ID, "", time.Minute)
		_, err = gateway.Authorize(ctx, req)
		Expect(err).To(MatchError(ContainSubstring(entities.ErrTokenInvalid.Error())))
	})

	It("does not let a token reach another tenant's run", func() {
		Expect(h.runs.Create(ctx, &entities.AutomationRun{ID: "run-t2", TenantID: "t2", Status: entities.RunPending})).To(Succeed())
		foreign, _, err := h.tokens.Issue("t1", "", "run-t2", "", time.Minute)
		Expect(err).NotTo(HaveOccurred())

		req := signed(`{}`)
		req.Bearer = foreign
		_, err = gateway.Authorize(ctx, req)
		Expect(err).To(MatchError(entities.ErrRunNotFound))
	})

	Describe("tenant scoped operations", func() {
		var tc entities.TenantContext

		BeforeEach(func() {
			var err error
			tc, err = gateway.Authorize(ctx, signed(`{}`))
			Expect(err).NotTo(HaveOccurred())
		})

		It("upserts leads by phone and merges fields", func() {
			_, err := gateway.UpsertLead(ctx, tc, usecases.LeadUpsertInput{Phone: "905551112233", Name: "Ayşe", Fields: map[string]string{"city": "İzmir"}})
			Expect(err).NotTo(HaveOccurred())
			lead, err := gateway.UpsertLead(ctx, tc, usecases.LeadUpsertInput{Phone: "905551112233", Fields: map[string]string{"budget": "high"}})
			Expect(err).NotTo(HaveOccurred())

			Expect(h.domain.Leads("t1")).To(HaveLen(1))
			Expect(lead.Name).To(Equal("Ayşe"))
			Expect(lead.Fields).To(Equal(map[string]string{"city": "İzmir", "budget": "high"}))
		})

		It("requires a phone or email", func() {
			_, err := gateway.UpsertLead(ctx, tc, usecases.LeadUpsertInput{Name: "Anon"})
			Expect(err).To(MatchError(ContainSubstring(entities.ErrMalformedPayload.Error())))
		})

		It("stores notes and call summaries under the token tenant", func() {
			note, err := gateway.CreateNote(ctx, tc, usecases.NoteInput{Phone: "905551112233", Body: "Geri aranacak"})
			Expect(err).NotTo(HaveOccurred())
			Expect(note.TenantID).To(Equal("t1"))
			Expect(note.RunID).To(Equal("run-1"))

			Expect(gateway.SaveCallSummary(ctx, tc, usecases.CallSummaryInput{CallID: "call-1", Summary: "Randevu", DurationSeconds: 95})).To(Succeed())
			summary, ok := h.domain.CallSummary("t1", "call-1")
			Expect(ok).To(BeTrue())
			Expect(summary.DurationSeconds).To(Equal(int64(95)))
		})

		It("increments usage without a ceiling", func() {
			Expect(h.tenants.SetPlanLimit(ctx, "t1", entities.UsageToolCalls, 1)).To(Succeed())
			v, err := gateway.IncrementUsage(ctx, tc, usecases.UsageIncrementInput{Kind: "tool_calls", Amount: 3})
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(int64(3)))

			_, err = gateway.IncrementUsage(ctx, tc, usecases.UsageIncrementInput{Kind: "sms", Amount: 1})
			Expect(err).To(MatchError(ContainSubstring("unknown usage kind")))
		})

		It("records audit entries with the run correlation", func() {
			Expect(gateway.RecordAudit(ctx, tc, usecases.AuditInput{Action: "lead_qualified"})).To(Succeed())
			entries := h.domain.AuditEntries()
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].CorrelationID).To(Equal("corr-1"))
		})

		It("sends whatsapp messages against the messages limit", func() {
			Expect(h.tenants.SetPlanLimit(ctx, "t1", entities.UsageMessages, 1)).To(Succeed())

			Expect(gateway.SendWhatsApp(ctx, tc, usecases.WhatsAppSendInput{To: "905551112233", Text: "Merhaba"})).To(Succeed())
			err := gateway.SendWhatsApp(ctx, tc, usecases.WhatsAppSendInput{To: "905551112233", Text: "Tekrar"})
			Expect(err).To(MatchError(entities.ErrLimitExceeded))
			Expect(h.messenger.Sent()).To(HaveLen(1))
		})
	})
})
