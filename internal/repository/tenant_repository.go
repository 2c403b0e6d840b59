package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"svontai_router/internal/entities"
)

// TenantRepository loads tenant automation settings and plan limits.
type TenantRepository struct {
	db *pgxpool.Pool
}

func NewTenantRepository(db *pgxpool.Pool) *TenantRepository {
	return &TenantRepository{db: db}
}

const tenantColumns = `
	tenant_id, bot_id, enabled, default_workflow_id, whatsapp_workflow_id, voice_workflow_id,
	webhook_url, enable_auto_retry, max_retries, timeout_seconds, signing_secret,
	fallback_template, language, COALESCE(whatsapp_phone_number_id, ''), whatsapp_access_token,
	COALESCE(voice_account_id, ''), knowledge`

// routingColumn maps a channel to the column holding its provider routing key.
func routingColumn(channel entities.Channel) (string, error) {
	switch channel {
	case entities.ChannelWhatsApp:
		return "whatsapp_phone_number_id", nil
	case entities.ChannelCall:
		return "voice_account_id", nil
	case entities.ChannelWebWidget:
		return "bot_id", nil
	}
	return "", fmt.Errorf("unknown channel %q", channel)
}

func (r *TenantRepository) ResolveRoute(ctx context.Context, channel entities.Channel, routingKey string) (*entities.TenantRoute, error) {
	column, err := routingColumn(channel)
	if err != nil {
		return nil, err
	}
	// column comes from the fixed set above
	return r.loadRoute(ctx, `SELECT `+tenantColumns+` FROM tenant_automation WHERE `+column+` = $1`, routingKey)
}

func (r *TenantRepository) GetRoute(ctx context.Context, tenantID string) (*entities.TenantRoute, error) {
	return r.loadRoute(ctx, `SELECT `+tenantColumns+` FROM tenant_automation WHERE tenant_id = $1`, tenantID)
}

func (r *TenantRepository) loadRoute(ctx context.Context, query, arg string) (*entities.TenantRoute, error) {
	var c entities.TenantAutomationConfig
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&c.TenantID, &c.BotID, &c.Enabled, &c.DefaultWorkflowID, &c.WhatsAppWorkflowID, &c.VoiceWorkflowID,
		&c.WebhookURL, &c.EnableAutoRetry, &c.MaxRetries, &c.TimeoutSeconds, &c.SigningSecret,
		&c.FallbackTemplate, &c.Language, &c.WhatsAppPhoneNumberID, &c.WhatsAppAccessToken,
		&c.VoiceAccountID, &c.Knowledge,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entities.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}

	limits, err := r.planLimits(ctx, c.TenantID)
	if err != nil {
		return nil, err
	}
	return &entities.TenantRoute{TenantID: c.TenantID, BotID: c.BotID, Config: c, Limits: limits}, nil
}

func (r *TenantRepository) planLimits(ctx context.Context, tenantID string) (entities.PlanLimits, error) {
	rows, err := r.db.Query(ctx, `SELECT kind, monthly_limit FROM tenant_plan_limits WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load plan limits: %w", err)
	}
	defer rows.Close()

	limits := entities.PlanLimits{}
	for rows.Next() {
		var kind string
		var limit int64
		if err := rows.Scan(&kind, &limit); err != nil {
			return nil, err
		}
		limits[entities.UsageKind(kind)] = limit
	}
	return limits, rows.Err()
}

// SaveConfig upserts a tenant's automation settings. Used by provisioning and tests.
func (r *TenantRepository) SaveConfig(ctx context.Context, c entities.TenantAutomationConfig) error {
	c = c.Normalize()
	_, err := r.db.Exec(ctx, `
		INSERT INTO tenant_automation (`+tenantColumnsPlain+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULLIF($14, ''), $15, NULLIF($16, ''), $17)
		ON CONFLICT (tenant_id) DO UPDATE SET
			bot_id = EXCLUDED.bot_id,
			enabled = EXCLUDED.enabled,
			default_workflow_id = EXCLUDED.default_workflow_id,
			whatsapp_workflow_id = EXCLUDED.whatsapp_workflow_id,
			voice_workflow_id = EXCLUDED.voice_workflow_id,
			webhook_url = EXCLUDED.webhook_url,
			enable_auto_retry = EXCLUDED.enable_auto_retry,
			max_retries = EXCLUDED.max_retries,
			timeout_seconds = EXCLUDED.timeout_seconds,
			signing_secret = EXCLUDED.signing_secret,
			fallback_template = EXCLUDED.fallback_template,
			language = EXCLUDED.language,
			whatsapp_phone_number_id = EXCLUDED.whatsapp_phone_number_id,
			whatsapp_access_token = EXCLUDED.whatsapp_access_token,
			voice_account_id = EXCLUDED.voice_account_id,
			knowledge = EXCLUDED.knowledge,
			updated_at = NOW()
	`, c.TenantID, c.BotID, c.Enabled, c.DefaultWorkflowID, c.WhatsAppWorkflowID, c.VoiceWorkflowID,
		c.WebhookURL, c.EnableAutoRetry, c.MaxRetries, c.TimeoutSeconds, c.SigningSecret,
		c.FallbackTemplate, c.Language, c.WhatsAppPhoneNumberID, c.WhatsAppAccessToken,
		c.VoiceAccountID, c.Knowledge)
	return err
}

const tenantColumnsPlain = `
	tenant_id, bot_id, enabled, default_workflow_id, whatsapp_workflow_id, voice_workflow_id,
	webhook_url, enable_auto_retry, max_retries, timeout_seconds, signing_secret,
	fallback_template, language, whatsapp_phone_number_id, whatsapp_access_token,
	voice_account_id, knowledge`

// SetPlanLimit sets a tenant's monthly ceiling for one usage kind.
func (r *TenantRepository) SetPlanLimit(ctx context.Context, tenantID string, kind entities.UsageKind, limit int64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO tenant_plan_limits (tenant_id, kind, monthly_limit) VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, kind) DO UPDATE SET monthly_limit = EXCLUDED.monthly_limit
	`, tenantID, string(kind), limit)
	return err
}
