package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	Pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, connString string) (*PostgresClient, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	// Pool configuration
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	client := &PostgresClient{Pool: pool}

	// Auto-migrate schema
	if err := client.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return client, nil
}

var migrations = []struct {
	name string
	sql  string
}{
	{"tenant_automation", `
		CREATE TABLE IF NOT EXISTS tenant_automation (
			tenant_id VARCHAR(64) PRIMARY KEY,
			bot_id VARCHAR(64) NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			default_workflow_id VARCHAR(128) NOT NULL DEFAULT '',
			whatsapp_workflow_id VARCHAR(128) NOT NULL DEFAULT '',
			voice_workflow_id VARCHAR(128) NOT NULL DEFAULT '',
			webhook_url TEXT NOT NULL DEFAULT '',
			enable_auto_retry BOOLEAN NOT NULL DEFAULT TRUE,
			max_retries INT NOT NULL DEFAULT 2,
			timeout_seconds INT NOT NULL DEFAULT 10,
			signing_secret TEXT NOT NULL DEFAULT '',
			fallback_template VARCHAR(128) NOT NULL DEFAULT '',
			language VARCHAR(8) NOT NULL DEFAULT 'tr',
			whatsapp_phone_number_id VARCHAR(64) UNIQUE,
			whatsapp_access_token TEXT NOT NULL DEFAULT '',
			voice_account_id VARCHAR(64) UNIQUE,
			knowledge TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS tenant_automation_bot_idx ON tenant_automation (bot_id);
	`},
	{"tenant_plan_limits", `
		CREATE TABLE IF NOT EXISTS tenant_plan_limits (
			tenant_id VARCHAR(64) NOT NULL REFERENCES tenant_automation(tenant_id) ON DELETE CASCADE,
			kind VARCHAR(32) NOT NULL,
			monthly_limit BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, kind)
		);
	`},
	{"usage_counters", `
		CREATE TABLE IF NOT EXISTS usage_counters (
			tenant_id VARCHAR(64) NOT NULL,
			period CHAR(7) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			value BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, period, kind)
		);
	`},
	{"automation_runs", `
		CREATE TABLE IF NOT EXISTS automation_runs (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			correlation_id VARCHAR(128) NOT NULL,
			external_event_id VARCHAR(255) NOT NULL,
			event_type VARCHAR(32) NOT NULL,
			channel VARCHAR(16) NOT NULL,
			workflow_id VARCHAR(128) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			response_payload JSONB,
			error_detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS automation_runs_tenant_created_idx ON automation_runs (tenant_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS automation_runs_event_idx ON automation_runs (tenant_id, external_event_id);
	`},
	{"processed_events", `
		CREATE TABLE IF NOT EXISTS processed_events (
			tenant_id VARCHAR(64) NOT NULL,
			external_event_id VARCHAR(255) NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, external_event_id)
		);
	`},
	{"automation_failure_buckets", `
		CREATE TABLE IF NOT EXISTS automation_failure_buckets (
			tenant_id VARCHAR(64) NOT NULL,
			bucket TIMESTAMPTZ NOT NULL,
			failures BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, bucket)
		);
	`},
	{"leads", `
		CREATE TABLE IF NOT EXISTS leads (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			contact_key VARCHAR(255) NOT NULL,
			phone VARCHAR(32) NOT NULL DEFAULT '',
			name VARCHAR(255) NOT NULL DEFAULT '',
			email VARCHAR(255) NOT NULL DEFAULT '',
			source VARCHAR(64) NOT NULL DEFAULT '',
			fields JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, contact_key)
		);
	`},
	{"notes", `
		CREATE TABLE IF NOT EXISTS notes (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			lead_id VARCHAR(64) NOT NULL DEFAULT '',
			phone VARCHAR(32) NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			run_id VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`},
	{"call_summaries", `
		CREATE TABLE IF NOT EXISTS call_summaries (
			tenant_id VARCHAR(64) NOT NULL,
			call_id VARCHAR(128) NOT NULL,
			summary TEXT NOT NULL,
			duration_seconds BIGINT NOT NULL DEFAULT 0,
			outcome VARCHAR(64) NOT NULL DEFAULT '',
			run_id VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, call_id)
		);
	`},
	{"audit_logs", `
		CREATE TABLE IF NOT EXISTS audit_logs (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			action VARCHAR(128) NOT NULL,
			detail JSONB NOT NULL DEFAULT '{}',
			run_id VARCHAR(64) NOT NULL,
			correlation_id VARCHAR(128) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`},
	{"system_events", `
		CREATE TABLE IF NOT EXISTS system_events (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			level VARCHAR(16) NOT NULL,
			category VARCHAR(32) NOT NULL,
			source VARCHAR(64) NOT NULL,
			message TEXT NOT NULL,
			run_id VARCHAR(64) NOT NULL DEFAULT '',
			correlation_id VARCHAR(128) NOT NULL DEFAULT '',
			detail JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS system_events_tenant_idx ON system_events (tenant_id, created_at DESC);
	`},
	{"conversation_messages", `
		CREATE TABLE IF NOT EXISTS conversation_messages (
			id BIGSERIAL PRIMARY KEY,
			tenant_id VARCHAR(64) NOT NULL,
			channel VARCHAR(16) NOT NULL,
			contact VARCHAR(128) NOT NULL,
			role VARCHAR(16) NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS conversation_messages_contact_idx ON conversation_messages (tenant_id, contact, id DESC);
	`},
}

func (p *PostgresClient) Migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := p.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("create %s table: %w", m.name, err)
		}
	}
	slog.InfoContext(ctx, "database schema ready", "tables", len(migrations))
	return nil
}

func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.Pool.Ping(ctx)
}

func (p *PostgresClient) Close() {
	p.Pool.Close()
}
