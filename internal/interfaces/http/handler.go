package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"svontai_router/internal/infrastructure"
)

// DeviceHandler manages the tenant's linked WhatsApp device session.
type DeviceHandler struct {
	waManager *infrastructure.WhatsAppManager
}

func NewDeviceHandler(waManager *infrastructure.WhatsAppManager) *DeviceHandler {
	return &DeviceHandler{waManager: waManager}
}

// ConnectDevice creates and connects the tenant's WhatsApp client
func (h *DeviceHandler) ConnectDevice(c *gin.Context) {
	if h.waManager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "WhatsApp not configured"})
		return
	}

	client, err := h.waManager.ConnectClient(c.Request.Context(), c.GetString(ctxTenantID))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	phone, name := client.GetUserInfo()
	c.JSON(http.StatusOK, gin.H{
		"status":    "connecting",
		"connected": client.IsLoggedIn(),
		"phone":     phone,
		"name":      name,
	})
}

// GetQRCode returns the pairing QR code as PNG
func (h *DeviceHandler) GetQRCode(c *gin.Context) {
	if h.waManager == nil {
		c.String(http.StatusServiceUnavailable, "WhatsApp not configured")
		return
	}

	ctx := c.Request.Context()
	client, err := h.waManager.GetOrCreateClient(ctx, c.GetString(ctxTenantID))
	if err != nil {
		c.String(http.StatusInternalServerError, "Failed to create client: "+err.Error())
		return
	}

	if client.Client.Store.ID == nil && !client.IsConnected() {
		if err := client.Connect(ctx); err != nil {
			c.String(http.StatusInternalServerError, "Failed to connect: "+err.Error())
			return
		}
	}

	qr := client.GetQR()
	if qr == "" {
		if client.IsLoggedIn() {
			c.String(http.StatusOK, "Already logged in")
			return
		}
		c.String(http.StatusAccepted, "QR code not yet available. Please wait...")
		return
	}

	png, err := qrcode.Encode(qr, qrcode.Medium, 256)
	if err != nil {
		c.String(http.StatusInternalServerError, "Failed to generate QR code")
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *DeviceHandler) GetStatus(c *gin.Context) {
	if h.waManager == nil {
		c.JSON(http.StatusOK, gin.H{"connected": false, "error": "WhatsApp not configured"})
		return
	}

	client := h.waManager.GetClient(c.GetString(ctxTenantID))
	if client == nil {
		c.JSON(http.StatusOK, gin.H{"connected": false, "initialized": false})
		return
	}

	phone, name := client.GetUserInfo()
	c.JSON(http.StatusOK, gin.H{
		"connected":   client.IsLoggedIn(),
		"initialized": true,
		"phone":       phone,
		"name":        name,
		"hasQR":       client.GetQR() != "",
	})
}

func (h *DeviceHandler) Logout(c *gin.Context) {
	if h.waManager == nil {
		c.JSON(http.StatusOK, gin.H{"status": "logged_out", "message": "WhatsApp not configured"})
		return
	}

	tenantID := c.GetString(ctxTenantID)
	if err := h.waManager.LogoutClient(c.Request.Context(), tenantID); err != nil {
		// already logged out from the phone side
		slog.WarnContext(c.Request.Context(), "linked device logout", "tenant_id", tenantID, "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

// Check is a named readiness check.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type HealthHandler struct {
	checks []Check
}

func NewHealthHandler(checks ...Check) *HealthHandler {
	return &HealthHandler{checks: checks}
}

func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := gin.H{}
	for _, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[check.Name] = err.Error()
			continue
		}
		results[check.Name] = "ok"
	}
	c.JSON(status, gin.H{"ready": status == http.StatusOK, "checks": results})
}
