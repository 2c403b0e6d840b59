package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"svontai_router/internal/entities"
	"svontai_router/internal/infrastructure"
	"svontai_router/internal/interfaces/channels"
	"svontai_router/internal/usecases"
)

const (
	headerHubSignature   = "X-Hub-Signature-256"
	headerVoiceSignature = "X-Voice-Signature"
)

type WebhookConfig struct {
	WhatsAppAppSecret   string
	WhatsAppVerifyToken string
	VoiceGatewaySecret  string
}

// WebhookHandler receives provider webhooks. Providers get 200 for everything except a bad
// signature (401) or an unreadable payload (400).
type WebhookHandler struct {
	cfg      WebhookConfig
	router   *usecases.EventRouter
	sessions *infrastructure.CallSessions
}

func NewWebhookHandler(cfg WebhookConfig, router *usecases.EventRouter, sessions *infrastructure.CallSessions) *WebhookHandler {
	return &WebhookHandler{cfg: cfg, router: router, sessions: sessions}
}

// VerifyWhatsApp answers Meta's subscription challenge.
func (h *WebhookHandler) VerifyWhatsApp(c *gin.Context) {
	if c.Query("hub.mode") != "subscribe" || h.cfg.WhatsAppVerifyToken == "" ||
		c.Query("hub.verify_token") != h.cfg.WhatsAppVerifyToken {
		c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
		return
	}
	c.String(http.StatusOK, c.Query("hub.challenge"))
}

func (h *WebhookHandler) WhatsApp(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	if h.cfg.WhatsAppAppSecret != "" &&
		!usecases.ValidHMAC([]byte(h.cfg.WhatsAppAppSecret), body, c.GetHeader(headerHubSignature)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	evts, err := channels.ParseWhatsAppWebhook(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	for _, evt := range evts {
		h.admit(ctx, evt)
	}
	c.JSON(http.StatusOK, gin.H{"status": "received", "events": len(evts)})
}

func (h *WebhookHandler) Voice(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	if h.cfg.VoiceGatewaySecret != "" &&
		!usecases.ValidHMAC([]byte(h.cfg.VoiceGatewaySecret), body, c.GetHeader(headerVoiceSignature)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	hook, evt, err := channels.ParseVoiceWebhook(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	evt.Text = TruncateString(SanitizeString(evt.Text), MaxMessageLength)

	switch evt.Type {
	case entities.EventVoiceCallIntent:
		// the gateway drops the request when the caller hangs up
		ctx, release := h.sessions.Attach(c.Request.Context(), hook.AccountID, hook.CallID)
		defer release()
		c.JSON(http.StatusOK, h.router.HandleIntent(ctx, evt))
		return

	case entities.EventVoiceCallCompleted:
		if released := h.sessions.Hangup(hook.AccountID, hook.CallID); released > 0 {
			slog.InfoContext(c.Request.Context(), "call ended with intents pending",
				"call_id", hook.CallID, "released", released)
		}
	}

	h.admit(context.WithoutCancel(c.Request.Context()), evt)
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

func (h *WebhookHandler) Widget(c *gin.Context) {
	botID := c.Param("botId")
	if !ValidSlug(botID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid bot id"})
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}
	evt, err := channels.ParseWidgetMessage(botID, body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome := h.admit(context.WithoutCancel(c.Request.Context()), evt)
	if outcome == usecases.OutcomeDropped {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bot"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": outcome, "message_id": evt.ExternalEventID})
}

// HandleLinkedDevice feeds an event from a tenant's linked WhatsApp device into the router.
func (h *WebhookHandler) HandleLinkedDevice(ctx context.Context, evt entities.ChannelEvent) {
	h.admit(ctx, evt)
}

func (h *WebhookHandler) admit(ctx context.Context, evt entities.ChannelEvent) usecases.Outcome {
	evt.Text = TruncateString(SanitizeString(evt.Text), MaxMessageLength)
	outcome, err := h.router.Handle(ctx, evt)
	if err != nil {
		slog.ErrorContext(ctx, "event not admitted",
			"external_event_id", evt.ExternalEventID, "channel", evt.Channel, "error", err)
	}
	return outcome
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return nil, false
	}
	return body, true
}
