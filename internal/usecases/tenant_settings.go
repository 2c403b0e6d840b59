package usecases

import (
	"context"
	"fmt"
	"net/url"

	"svontai_router/internal/entities"
	"svontai_router/internal/interfaces"
)

// SettingsInput is a partial update; nil fields keep their current value.
type SettingsInput struct {
	Enabled            *bool   `json:"enabled"`
	DefaultWorkflowID  *string `json:"default_workflow_id"`
	WhatsAppWorkflowID *string `json:"whatsapp_workflow_id"`
	VoiceWorkflowID    *string `json:"voice_workflow_id"`
	WebhookURL         *string `json:"webhook_url"`
	EnableAutoRetry    *bool   `json:"enable_auto_retry"`
	MaxRetries         *int    `json:"max_retries"`
	TimeoutSeconds     *int    `json:"timeout_seconds"`
	FallbackTemplate   *string `json:"fallback_template"`
	Language           *string `json:"language"`
}

type TenantSettingsUsecase struct {
	tenants *TenantResolver
	store   interfaces.TenantSettingsStore
}

func NewTenantSettingsUsecase(tenants *TenantResolver, store interfaces.TenantSettingsStore) *TenantSettingsUsecase {
	return &TenantSettingsUsecase{tenants: tenants, store: store}
}

func (u *TenantSettingsUsecase) Get(ctx context.Context, tenantID string) (entities.TenantAutomationConfig, error) {
	route, err := u.tenants.Get(ctx, tenantID)
	if err != nil {
		return entities.TenantAutomationConfig{}, err
	}
	return route.Config, nil
}

// Update merges in and stores the clamped result.
func (u *TenantSettingsUsecase) Update(ctx context.Context, tenantID string, in SettingsInput) (entities.TenantAutomationConfig, error) {
	route, err := u.tenants.Get(ctx, tenantID)
	if err != nil {
		return entities.TenantAutomationConfig{}, err
	}
	cfg := route.Config

	setBool(&cfg.Enabled, in.Enabled)
	setString(&cfg.DefaultWorkflowID, in.DefaultWorkflowID)
	setString(&cfg.WhatsAppWorkflowID, in.WhatsAppWorkflowID)
	setString(&cfg.VoiceWorkflowID, in.VoiceWorkflowID)
	setString(&cfg.FallbackTemplate, in.FallbackTemplate)
	setString(&cfg.Language, in.Language)
	setBool(&cfg.EnableAutoRetry, in.EnableAutoRetry)
	if in.MaxRetries != nil {
		cfg.MaxRetries = *in.MaxRetries
	}
	if in.TimeoutSeconds != nil {
		cfg.TimeoutSeconds = *in.TimeoutSeconds
	}
	if in.WebhookURL != nil {
		if *in.WebhookURL != "" {
			parsed, err := url.Parse(*in.WebhookURL)
			if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
				return entities.TenantAutomationConfig{}, malformed("webhook_url must be an absolute http(s) URL")
			}
		}
		cfg.WebhookURL = *in.WebhookURL
	}

	cfg.TenantID = tenantID
	cfg = cfg.Normalize()
	if err := u.store.SaveConfig(ctx, cfg); err != nil {
		return entities.TenantAutomationConfig{}, fmt.Errorf("save settings: %w", err)
	}
	return cfg, nil
}

// SetPlanLimits writes the given ceilings; a negative limit means unlimited.
func (u *TenantSettingsUsecase) SetPlanLimits(ctx context.Context, tenantID string, limits map[string]int64) error {
	if _, err := u.tenants.Get(ctx, tenantID); err != nil {
		return err
	}
	parsed := make(map[entities.UsageKind]int64, len(limits))
	for k, v := range limits {
		kind, ok := entities.ParseUsageKind(k)
		if !ok {
			return malformed("unknown usage kind %q", k)
		}
		parsed[kind] = v
	}
	for kind, v := range parsed {
		if err := u.store.SetPlanLimit(ctx, tenantID, kind, v); err != nil {
			return fmt.Errorf("set %s limit: %w", kind, err)
		}
	}
	return nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
