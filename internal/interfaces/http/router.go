package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"svontai_router/internal/metrics"
)

const maxRequestBytes = 1 << 20

type Handlers struct {
	Webhooks   *WebhookHandler
	Callbacks  *CallbackHandler
	Automation *AutomationHandler
	Admin      *AdminHandler
	Devices    *DeviceHandler
	Health     *HealthHandler
}

type RouteOptions struct {
	// ServiceName enables otelgin spans when set.
	ServiceName string
	Metrics     *metrics.Metrics
}

func SetupRoutes(r *gin.Engine, h Handlers, middleware *Middleware, opts RouteOptions) {
	if opts.ServiceName != "" {
		r.Use(otelgin.Middleware(opts.ServiceName))
	}
	r.Use(RequestLogger())
	r.Use(SecurityHeaders())
	r.Use(RequestSizeLimiter(maxRequestBytes))
	r.Use(middleware.CORSMiddleware())

	r.GET("/healthz", h.Health.Live)
	r.GET("/readyz", h.Health.Ready)
	r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))

	// Provider webhooks
	hooks := r.Group("/webhooks")
	{
		hooks.GET("/whatsapp", h.Webhooks.VerifyWhatsApp)
		hooks.POST("/whatsapp", h.Webhooks.WhatsApp)
		hooks.POST("/voice", h.Webhooks.Voice)
		hooks.POST("/widget/:botId", middleware.RateLimit("botId"), h.Webhooks.Widget)
	}

	// Workflow callbacks authenticate with the run-scoped token, not the dashboard JWT
	r.POST("/api/v1/channels/whatsapp/send", h.Callbacks.SendWhatsApp)
	n8n := r.Group("/api/v1/n8n")
	{
		n8n.POST("/leads/upsert", h.Callbacks.UpsertLead)
		n8n.POST("/notes", h.Callbacks.CreateNote)
		n8n.POST("/calls/summary", h.Callbacks.SaveCallSummary)
		n8n.POST("/usage/increment", h.Callbacks.IncrementUsage)
		n8n.POST("/audit", h.Callbacks.RecordAudit)
	}

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired())
	api.Use(middleware.RateLimit(""))
	{
		api.GET("/automation/status", h.Automation.GetStatus)
		api.GET("/automation/runs", h.Automation.ListRuns)
		api.GET("/automation/runs/:id", h.Automation.GetRun)
		api.GET("/automation/settings", h.Automation.GetSettings)
		api.PUT("/automation/settings", h.Automation.UpdateSettings)

		api.GET("/whatsapp/qr", h.Devices.GetQRCode)
		api.GET("/whatsapp/status", h.Devices.GetStatus)
		api.POST("/whatsapp/connect", h.Devices.ConnectDevice)
		api.POST("/whatsapp/logout", h.Devices.Logout)
	}

	admin := r.Group("/api/v1/admin")
	admin.Use(middleware.AuthRequired())
	admin.Use(middleware.AdminRequired())
	{
		admin.PUT("/tenants/:id/limits", h.Admin.UpdateTenantLimits)
		admin.POST("/tenants/:id/disconnect-wa", h.Admin.DisconnectTenantDevice)
	}
}
