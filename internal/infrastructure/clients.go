package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"svontai_router/internal/entities"
)

const graphBaseURL = "https://graph.facebook.com"

// WhatsAppCloudClient sends messages through the WhatsApp Cloud API with each tenant's own
// phone number id and access token.
type WhatsAppCloudClient struct {
	baseURL    string
	apiVersion string
	http       *http.Client
}

func NewWhatsAppCloudClient(apiVersion string) *WhatsAppCloudClient {
	if apiVersion == "" {
		apiVersion = "v18.0"
	}
	return &WhatsAppCloudClient{
		baseURL:    graphBaseURL,
		apiVersion: apiVersion,
		http:       &http.Client{Timeout: 15 * time.Second},
	}
}

// WithBaseURL points the client at another Graph API host (tests).
func (w *WhatsAppCloudClient) WithBaseURL(u string) *WhatsAppCloudClient {
	w.baseURL = u
	return w
}

func (w *WhatsAppCloudClient) Configured(route *entities.TenantRoute) bool {
	return route.Config.WhatsAppPhoneNumberID != "" && route.Config.WhatsAppAccessToken != ""
}

func (w *WhatsAppCloudClient) Send(ctx context.Context, route *entities.TenantRoute, msg entities.OutboundMessage) error {
	if !w.Configured(route) {
		return fmt.Errorf("%w: whatsapp cloud credentials missing", entities.ErrChannelUnavailable)
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                msg.To,
	}
	if msg.TemplateName != "" {
		lang := msg.Language
		if lang == "" {
			lang = route.Config.Language
		}
		payload["type"] = "template"
		payload["template"] = map[string]any{
			"name":     msg.TemplateName,
			"language": map[string]string{"code": lang},
		}
	} else {
		payload["type"] = "text"
		payload["text"] = map[string]string{"body": msg.Text}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s/%s/messages", w.baseURL, w.apiVersion, route.Config.WhatsAppPhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+route.Config.WhatsAppAccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp cloud send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("whatsapp cloud send: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
