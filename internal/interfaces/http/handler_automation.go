package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"svontai_router/internal/entities"
	"svontai_router/internal/usecases"
)

// AutomationHandler is the tenant dashboard surface over automation status and settings.
type AutomationHandler struct {
	status   *usecases.AutomationStatusUsecase
	settings *usecases.TenantSettingsUsecase
}

func NewAutomationHandler(status *usecases.AutomationStatusUsecase, settings *usecases.TenantSettingsUsecase) *AutomationHandler {
	return &AutomationHandler{status: status, settings: settings}
}

// GetStatus returns the tenant's automation status
func (h *AutomationHandler) GetStatus(c *gin.Context) {
	st, err := h.status.Status(c.Request.Context(), c.GetString(ctxTenantID))
	if err != nil {
		writeDashboardError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ListRuns returns recent runs, ?window=24h&limit=100
func (h *AutomationHandler) ListRuns(c *gin.Context) {
	window := 24 * time.Hour
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > 30*24*time.Hour {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid window"})
			return
		}
		window = d
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	runs, err := h.status.RecentRuns(c.Request.Context(), c.GetString(ctxTenantID), window, limit)
	if err != nil {
		writeDashboardError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "stats": usecases.SummarizeRuns(runs)})
}

func (h *AutomationHandler) GetRun(c *gin.Context) {
	run, err := h.status.GetRun(c.Request.Context(), c.GetString(ctxTenantID), c.Param("id"))
	if err != nil {
		writeDashboardError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *AutomationHandler) GetSettings(c *gin.Context) {
	cfg, err := h.settings.Get(c.Request.Context(), c.GetString(ctxTenantID))
	if err != nil {
		writeDashboardError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *AutomationHandler) UpdateSettings(c *gin.Context) {
	var in usecases.SettingsInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	cfg, err := h.settings.Update(c.Request.Context(), c.GetString(ctxTenantID), in)
	if err != nil {
		writeDashboardError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func writeDashboardError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, entities.ErrTenantNotFound), errors.Is(err, entities.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, entities.ErrMalformedPayload):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
