package metrics_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"svontai_router/internal/metrics"
)

var _ = Describe("Metrics", func() {
	It("counts fallbacks per channel and reason", func() {
		m := metrics.New("test")
		m.Fallback("whatsapp", "exhausted")
		m.Fallback("whatsapp", "exhausted")
		m.Fallback("call", "timed_out")

		count, err := testutil.GatherAndCount(m.Registry(), "router_fallbacks_total")
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(2))
	})

	It("is safe to use when nil", func() {
		var m *metrics.Metrics
		Expect(func() {
			m.DispatchAttempt("incoming_message", "ok")
			m.LimitDenied("messages")
			m.SyncStarted()
			m.SyncFinished()
		}).NotTo(Panic())
	})
})
