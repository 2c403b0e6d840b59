package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"svontai_router/internal/entities"
)

var _ = Describe("Dashboard API", func() {
	var f *fixture

	authed := func(method, path, body, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return f.do(req)
	}

	BeforeEach(func() {
		f = newFixture()
	})

	It("requires a dashboard token", func() {
		Expect(authed(http.MethodGet, "/api/v1/automation/status", "", "").Code).To(Equal(http.StatusUnauthorized))
		Expect(authed(http.MethodGet, "/api/v1/automation/status", "", "garbage").Code).To(Equal(http.StatusUnauthorized))
	})

	It("reports status for the token's tenant", func() {
		w := authed(http.MethodGet, "/api/v1/automation/status", "", dashboardToken("t1", "owner"))
		Expect(w.Code).To(Equal(http.StatusOK))

		var body map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &body)).To(Succeed())
		Expect(body["tenant_id"]).To(Equal("t1"))
		Expect(body["default_workflow_id"]).To(Equal("wf-default"))
	})

	It("does not show another tenant's run", func() {
		run := &entities.AutomationRun{ID: "run-t2", TenantID: "t2", Status: entities.RunPending}
		Expect(f.runs.Create(context.Background(), run)).To(Succeed())

		w := authed(http.MethodGet, "/api/v1/automation/runs/run-t2", "", dashboardToken("t1", "owner"))
		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("rejects an invalid runs window", func() {
		w := authed(http.MethodGet, "/api/v1/automation/runs?window=forever", "", dashboardToken("t1", "owner"))
		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("clamps settings and never returns the signing secret", func() {
		w := authed(http.MethodPut, "/api/v1/automation/settings",
			`{"timeout_seconds":600,"max_retries":50}`, dashboardToken("t1", "owner"))
		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"timeout_seconds":60`))
		Expect(w.Body.String()).To(ContainSubstring(`"max_retries":10`))
		Expect(w.Body.String()).NotTo(ContainSubstring("signing"))
	})

	Describe("admin", func() {
		It("refuses non-admin tokens", func() {
			w := authed(http.MethodPut, "/api/v1/admin/tenants/t1/limits", `{"messages":10}`, dashboardToken("t1", "owner"))
			Expect(w.Code).To(Equal(http.StatusForbidden))
		})

		It("sets plan limits", func() {
			w := authed(http.MethodPut, "/api/v1/admin/tenants/t1/limits", `{"messages":10}`, dashboardToken("ops", "admin"))
			Expect(w.Code).To(Equal(http.StatusOK))

			route, err := f.tenants.GetRoute(context.Background(), "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(route.Limits.LimitFor(entities.UsageMessages)).To(Equal(int64(10)))
		})

		It("rejects an unknown usage kind", func() {
			w := authed(http.MethodPut, "/api/v1/admin/tenants/t1/limits", `{"fax":10}`, dashboardToken("ops", "admin"))
			Expect(w.Code).To(Equal(http.StatusUnprocessableEntity))
		})
	})

	It("serves liveness, readiness and metrics", func() {
		Expect(f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code).To(Equal(http.StatusOK))
		Expect(f.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)).Code).To(Equal(http.StatusOK))
		Expect(f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil)).Code).To(Equal(http.StatusOK))
	})
})
