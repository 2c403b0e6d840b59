package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"svontai_router/internal/entities"
	"svontai_router/internal/logger"
	"svontai_router/internal/usecases"
)

// CallbackHandler serves the endpoints the workflow engine calls back into.
type CallbackHandler struct {
	gateway *usecases.CallbackGateway
}

func NewCallbackHandler(gateway *usecases.CallbackGateway) *CallbackHandler {
	return &CallbackHandler{gateway: gateway}
}

// bindCallback authorizes the request and decodes its body into T.
func bindCallback[T any](h *CallbackHandler, c *gin.Context) (entities.TenantContext, T, bool) {
	var in T
	body, ok := readBody(c)
	if !ok {
		return entities.TenantContext{}, in, false
	}

	tc, err := h.gateway.Authorize(c.Request.Context(), usecases.CallbackRequest{
		Bearer:       strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")),
		TenantHeader: c.GetHeader(entities.HeaderTenantID),
		Signature:    c.GetHeader(entities.HeaderSignature),
		Timestamp:    c.GetHeader(entities.HeaderTimestamp),
		Body:         body,
		Path:         c.FullPath(),
	})
	if err != nil {
		writeCallbackError(c, err)
		return entities.TenantContext{}, in, false
	}

	c.Request = c.Request.WithContext(logger.WithLogFields(c.Request.Context(), logger.LogFields{
		TenantID:      logger.Ptr(tc.TenantID),
		RunID:         logger.Ptr(tc.RunID),
		CorrelationID: logger.Ptr(tc.CorrelationID),
		Component:     "router.callbacks",
	}))

	if err := json.Unmarshal(body, &in); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid JSON body"})
		return entities.TenantContext{}, in, false
	}
	return tc, in, true
}

// writeCallbackError maps the error taxonomy to the status codes the workflow engine branches on.
func writeCallbackError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, entities.ErrTokenInvalid),
		errors.Is(err, entities.ErrSignatureInvalid),
		errors.Is(err, entities.ErrTimestampSkew):
		status = http.StatusUnauthorized
	case errors.Is(err, entities.ErrTenantMismatch):
		status = http.StatusForbidden
	case errors.Is(err, entities.ErrRunNotFound), errors.Is(err, entities.ErrTenantNotFound):
		status = http.StatusNotFound
	case errors.Is(err, entities.ErrMalformedPayload):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, entities.ErrLimitExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, entities.ErrChannelUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "callback failed", "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *CallbackHandler) SendWhatsApp(c *gin.Context) {
	tc, in, ok := bindCallback[usecases.WhatsAppSendInput](h, c)
	if !ok {
		return
	}
	if err := h.gateway.SendWhatsApp(c.Request.Context(), tc, in); err != nil {
		writeCallbackError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

func (h *CallbackHandler) UpsertLead(c *gin.Context) {
	tc, in, ok := bindCallback[usecases.LeadUpsertInput](h, c)
	if !ok {
		return
	}
	lead, err := h.gateway.UpsertLead(c.Request.Context(), tc, in)
	if err != nil {
		writeCallbackError(c, err)
		return
	}
	c.JSON(http.StatusOK, lead)
}

func (h *CallbackHandler) CreateNote(c *gin.Context) {
	tc, in, ok := bindCallback[usecases.NoteInput](h, c)
	if !ok {
		return
	}
	note, err := h.gateway.CreateNote(c.Request.Context(), tc, in)
	if err != nil {
		writeCallbackError(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

func (h *CallbackHandler) SaveCallSummary(c *gin.Context) {
	tc, in, ok := bindCallback[usecases.CallSummaryInput](h, c)
	if !ok {
		return
	}
	if err := h.gateway.SaveCallSummary(c.Request.Context(), tc, in); err != nil {
		writeCallbackError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

func (h *CallbackHandler) IncrementUsage(c *gin.Context) {
	tc, in, ok := bindCallback[usecases.UsageIncrementInput](h, c)
	if !ok {
		return
	}
	value, err := h.gateway.IncrementUsage(c.Request.Context(), tc, in)
	if err != nil {
		writeCallbackError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": in.Kind, "value": value})
}

func (h *CallbackHandler) RecordAudit(c *gin.Context) {
	tc, in, ok := bindCallback[usecases.AuditInput](h, c)
	if !ok {
		return
	}
	if err := h.gateway.RecordAudit(c.Request.Context(), tc, in); err != nil {
		writeCallbackError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "recorded"})
}
