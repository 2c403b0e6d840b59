package usecases_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"svontai_router/internal/entities"
	"svontai_router/internal/usecases"
)

func ptr[T any](v T) *T { return &v }

var _ = Describe("AutomationStatusUsecase", func() {
	var (
		ctx    context.Context
		h      *harness
		status *usecases.AutomationStatusUsecase
	)

	BeforeEach(func() {
		ctx = context.Background()
		h = newHarness(defaultRoute(), true)
		status = usecases.NewAutomationStatusUsecase(h.resolver, h.runs, h.ledger, h.meter)
	})

	It("summarizes the last day of runs, failures and usage", func() {
		_, err := h.router.Handle(ctx, whatsappEvent("wamid.ok", "Merhaba"))
		Expect(err).NotTo(HaveOccurred())
		h.port.asyncErrs = []error{nil, entities.ErrDispatchFailed, entities.ErrDispatchFailed}
		_, err = h.router.Handle(ctx, whatsappEvent("wamid.fail", "Merhaba"))
		Expect(err).NotTo(HaveOccurred())

		st, err := status.Status(ctx, "t1")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.Enabled).To(BeTrue())
		Expect(st.Last24h).To(Equal(entities.RunStats{Succeeded: 1, Exhausted: 1}))
		Expect(st.FailuresLast24h).To(Equal(int64(1)))

		usage := map[entities.UsageKind]int64{}
		for _, c := range st.Usage {
			usage[c.Kind] = c.Value
		}
		Expect(usage[entities.UsageMessages]).To(Equal(int64(2)))
		Expect(usage[entities.UsageWorkflowRuns]).To(Equal(int64(1)))
	})

	It("hides runs of other tenants", func() {
		Expect(h.runs.Create(ctx, &entities.AutomationRun{ID: "foreign", TenantID: "t2", Status: entities.RunPending, CreatedAt: time.Now()})).To(Succeed())
		_, err := status.GetRun(ctx, "t1", "foreign")
		Expect(err).To(MatchError(entities.ErrRunNotFound))

		runs, err := status.RecentRuns(ctx, "t1", 0, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(runs).To(BeEmpty())
	})
})

var _ = Describe("TenantSettingsUsecase", func() {
	var (
		ctx      context.Context
		h        *harness
		settings *usecases.TenantSettingsUsecase
	)

	BeforeEach(func() {
		ctx = context.Background()
		route := defaultRoute()
		route.Config.SigningSecret = "tenant-secret"
		h = newHarness(route, true)
		settings = usecases.NewTenantSettingsUsecase(h.resolver, h.tenants)
	})

	It("clamps values and keeps fields that were not sent", func() {
		cfg, err := settings.Update(ctx, "t1", usecases.SettingsInput{
			TimeoutSeconds: ptr(600),
			MaxRetries:     ptr(50),
			Enabled:        ptr(false),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.TimeoutSeconds).To(Equal(entities.MaxTimeoutSeconds))
		Expect(cfg.MaxRetries).To(Equal(entities.MaxMaxRetries))
		Expect(cfg.Enabled).To(BeFalse())

		stored, err := settings.Get(ctx, "t1")
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.DefaultWorkflowID).To(Equal("wf-default"))
		Expect(stored.SigningSecret).To(Equal("tenant-secret"))
	})

	It("rejects a relative webhook url", func() {
		_, err := settings.Update(ctx, "t1", usecases.SettingsInput{WebhookURL: ptr("/webhook/x")})
		Expect(err).To(MatchError(ContainSubstring(entities.ErrMalformedPayload.Error())))
	})

	It("sets plan limits by kind name", func() {
		Expect(settings.SetPlanLimits(ctx, "t1", map[string]int64{"messages": 500, "voice_seconds": -1})).To(Succeed())
		limits, err := h.resolver.PlanLimits(ctx, "t1")
		Expect(err).NotTo(HaveOccurred())
		Expect(limits.LimitFor(entities.UsageMessages)).To(Equal(int64(500)))
		Expect(limits.LimitFor(entities.UsageVoiceSeconds)).To(Equal(int64(-1)))

		Expect(settings.SetPlanLimits(ctx, "t1", map[string]int64{"sms": 1})).To(MatchError(ContainSubstring("unknown usage kind")))
	})
})
