package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"svontai_router/internal/infrastructure"
	"svontai_router/internal/usecases"
)

type AdminHandler struct {
	settings  *usecases.TenantSettingsUsecase
	waManager *infrastructure.WhatsAppManager
}

func NewAdminHandler(settings *usecases.TenantSettingsUsecase, waManager *infrastructure.WhatsAppManager) *AdminHandler {
	return &AdminHandler{
		settings:  settings,
		waManager: waManager,
	}
}

// UpdateTenantLimits sets monthly ceilings for a tenant, {"messages": 1000, ...}
func (h *AdminHandler) UpdateTenantLimits(c *gin.Context) {
	tenantID := c.Param("id")
	if !ValidSlug(tenantID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid tenant ID"})
		return
	}

	var payload map[string]int64
	if err := c.ShouldBindJSON(&payload); err != nil || len(payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.settings.SetPlanLimits(c.Request.Context(), tenantID, payload); err != nil {
		writeDashboardError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "limits": payload})
}

// DisconnectTenantDevice forcefully logs out a tenant's linked WhatsApp device
func (h *AdminHandler) DisconnectTenantDevice(c *gin.Context) {
	tenantID := c.Param("id")
	if !ValidSlug(tenantID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid tenant ID"})
		return
	}
	if h.waManager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "WhatsApp not configured"})
		return
	}
	if err := h.waManager.LogoutClient(c.Request.Context(), tenantID); err != nil {
		_ = c.Error(err)
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}
