package http_test

import (
	"context"
	"net/http"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"svontai_router/internal/entities"
)

var _ = Describe("CallbackHandler", func() {
	var (
		f     *fixture
		token string
	)

	callback := func(path, body string, mutate func(map[string]string)) int {
		sig, ts := f.signer.Stamp([]byte(body))
		headers := map[string]string{
			"Authorization":          "Bearer " + token,
			entities.HeaderTenantID:  "t1",
			entities.HeaderSignature: sig,
			entities.HeaderTimestamp: strconv.FormatInt(ts, 10),
		}
		if mutate != nil {
			mutate(headers)
		}
		return f.do(post(path, body, headers)).Code
	}

	BeforeEach(func() {
		f = newFixture()
		run := &entities.AutomationRun{
			ID: "run-1", TenantID: "t1", CorrelationID: "corr-1",
			Status: entities.RunPending, CreatedAt: time.Now(),
		}
		Expect(f.runs.Create(context.Background(), run)).To(Succeed())

		var err error
		token, _, err = f.tokens.Issue("t1", "", run.ID, run.CorrelationID, time.Minute)
		Expect(err).NotTo(HaveOccurred())
	})

	It("upserts a lead into the token's tenant", func() {
		Expect(callback("/api/v1/n8n/leads/upsert", `{"phone":"905551112233","name":"Ayşe"}`, nil)).
			To(Equal(http.StatusOK))
		Expect(f.domain.Leads("t1")).To(HaveLen(1))
	})

	DescribeTable("maps failures to status codes",
		func(path, body string, mutate func(map[string]string), expected int) {
			Expect(callback(path, body, mutate)).To(Equal(expected))
			Expect(f.domain.Leads("t2")).To(BeEmpty())
		},
		Entry("missing token", "/api/v1/n8n/leads/upsert", `{"phone":"1"}`,
			func(h map[string]string) { delete(h, "Authorization") }, http.StatusUnauthorized),
		Entry("tampered signature", "/api/v1/n8n/leads/upsert", `{"phone":"1"}`,
			func(h map[string]string) { h[entities.HeaderSignature] = "sha256=00" }, http.StatusUnauthorized),
		Entry("stale timestamp", "/api/v1/n8n/leads/upsert", `{"phone":"1"}`,
			func(h map[string]string) { h[entities.HeaderTimestamp] = "1000" }, http.StatusUnauthorized),
		Entry("foreign tenant header", "/api/v1/n8n/leads/upsert", `{"phone":"1"}`,
			func(h map[string]string) { h[entities.HeaderTenantID] = "t2" }, http.StatusForbidden),
		Entry("lead without contact", "/api/v1/n8n/leads/upsert", `{"name":"x"}`, nil, http.StatusUnprocessableEntity),
		Entry("broken JSON", "/api/v1/n8n/audit", `{`, nil, http.StatusUnprocessableEntity),
		Entry("unknown usage kind", "/api/v1/n8n/usage/increment", `{"kind":"fax","amount":1}`, nil, http.StatusUnprocessableEntity),
	)

	It("records post-hoc usage", func() {
		Expect(callback("/api/v1/n8n/usage/increment", `{"kind":"voice_seconds","amount":30}`, nil)).
			To(Equal(http.StatusOK))
	})

	It("records audit entries with the run's correlation id", func() {
		Expect(callback("/api/v1/n8n/audit", `{"action":"lead_qualified","detail":{"score":7}}`, nil)).
			To(Equal(http.StatusCreated))
		entries := f.domain.AuditEntries()
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].CorrelationID).To(Equal("corr-1"))
	})
})
