package main

import (
	"context"
	"errors"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.mau.fi/whatsmeow/types/events"
	"golang.org/x/sync/errgroup"

	"svontai_router/internal/config"
	"svontai_router/internal/infrastructure"
	"svontai_router/internal/interfaces"
	"svontai_router/internal/interfaces/channels"
	"svontai_router/internal/interfaces/http"
	"svontai_router/internal/logger"
	"svontai_router/internal/metrics"
	"svontai_router/internal/repository"
	"svontai_router/internal/telemetry"
	"svontai_router/internal/usecases"
)

type stores struct {
	tenants  interfaces.TenantStore
	settings interfaces.TenantSettingsStore
	usage    interfaces.UsageStore
	runs     interfaces.RunStore
	ledger   interfaces.EventLedger
	failures interfaces.FailureCounter
	domain   domainStore
	pgLedger *repository.LedgerRepository
}

type domainStore interface {
	interfaces.LeadService
	interfaces.ConversationService
	interfaces.AuditLog
	interfaces.SystemEventSink
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		slog.Error("failed to setup telemetry", "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg)

	slog.Info("automation router starting",
		"env", cfg.Env,
		"port", cfg.Port,
		"use_n8n", cfg.Automation.UseN8N,
		"queue", cfg.Queue.Backend,
		"usage_store", cfg.UsageStore)

	m := metrics.New(cfg.OTel.ServiceName)

	// Storage
	var checks []http.Check
	st := stores{}
	var pgClient *infrastructure.PostgresClient
	if cfg.DatabaseURL != "" {
		pgClient, err = infrastructure.NewPostgresClient(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pgClient.Close()
		if err := pgClient.Migrate(ctx); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		checks = append(checks, http.Check{Name: "postgres", Ping: pgClient.Ping})

		tenantRepo := repository.NewTenantRepository(pgClient.Pool)
		st.pgLedger = repository.NewLedgerRepository(pgClient.Pool)
		st.tenants, st.settings = tenantRepo, tenantRepo
		st.usage = repository.NewUsageRepository(pgClient.Pool)
		st.runs = repository.NewRunRepository(pgClient.Pool)
		st.ledger, st.failures = st.pgLedger, st.pgLedger
		st.domain = repository.NewDomainRepository(pgClient.Pool)
	} else {
		slog.Warn("DATABASE_URL not set, state is kept in memory")
		tenantStore := repository.NewMemoryTenantStore()
		memLedger := repository.NewMemoryLedger()
		st.tenants, st.settings = tenantStore, tenantStore
		st.usage = repository.NewMemoryUsageStore()
		st.runs = repository.NewMemoryRunStore()
		st.ledger, st.failures = memLedger, memLedger
		st.domain = repository.NewMemoryDomainStore()
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = infrastructure.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		checks = append(checks, http.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})

		redisLedger := infrastructure.NewRedisLedger(redisClient)
		st.ledger, st.failures = redisLedger, redisLedger
		if cfg.UsageStore == "redis" {
			st.usage = infrastructure.NewRedisUsageStore(redisClient)
		}
	}
	if cfg.UsageStore == "memory" {
		st.usage = repository.NewMemoryUsageStore()
	}

	// Channels
	var waManager *infrastructure.WhatsAppManager
	if cfg.WhatsApp.LinkedDeviceEnabled {
		waManager = infrastructure.NewWhatsAppManager(cfg.WhatsApp.StorePath)
	}
	outbound := infrastructure.NewKeyedLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	messenger := infrastructure.NewChannelMessenger(
		infrastructure.NewWhatsAppCloudClient(cfg.WhatsApp.APIVersion), waManager, st.domain, outbound)

	var replies interfaces.ReplyGenerator
	if cfg.OpenAI.Enabled() {
		replies = infrastructure.NewOpenAIReplyGenerator(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
	}

	// Automation core
	resolver := usecases.NewTenantResolver(st.tenants, int(cfg.Automation.DefaultTimeout/time.Second))
	meter := usecases.NewUsageMeter(st.usage, resolver, m)
	tokens := usecases.NewCallbackTokens(cfg.Signing.Secret, cfg.Signing.PreviousSecret)
	signer := usecases.NewSigner(cfg.Signing.Secret, cfg.Signing.PreviousSecret, cfg.Signing.Skew)
	envelopes := usecases.NewEnvelopeBuilder(cfg.PublicBaseURL, tokens, signer, cfg.Signing.TokenGrace)
	fallback := usecases.NewFallbackPolicy(messenger, st.domain, m)
	dispatcher := usecases.NewDispatcher(usecases.DispatcherConfig{
		WorkflowBaseURL: cfg.Automation.N8NBaseURL,
		Retry:           usecases.RetryPolicy{Base: cfg.Automation.BackoffBase, Max: cfg.Automation.BackoffMax},
		SyncConcurrency: cfg.Automation.VoiceConcurrency,
	}, infrastructure.NewWorkflowClient(nil), st.runs, envelopes, fallback, st.failures, m)

	router := usecases.NewEventRouter(usecases.RouterConfig{
		UseWorkflows:   cfg.Automation.UseN8N,
		IdempotencyTTL: cfg.IdempotencyTTL,
		HistoryLimit:   20,
	}, usecases.EventRouterDeps{
		Tenants:       resolver,
		Ledger:        st.ledger,
		Meter:         meter,
		Dispatcher:    dispatcher,
		Fallback:      fallback,
		Runs:          st.runs,
		Replies:       replies,
		Messenger:     messenger,
		Conversations: st.domain,
		Metrics:       m,
	})

	// Async dispatch queue
	var startQueue func(context.Context)
	var stopQueue func()
	switch cfg.Queue.Backend {
	case "redis":
		q, err := infrastructure.NewStreamQueue(ctx, redisClient, infrastructure.StreamQueueConfig{
			Stream:      cfg.Queue.Stream,
			Group:       cfg.Queue.Group,
			Consumer:    cfg.Queue.Consumer,
			DLQStream:   cfg.Queue.DLQStream,
			MaxAttempts: cfg.Queue.MaxAttempts,
			Workers:     cfg.Automation.AsyncWorkers,
			MinIdle:     cfg.Queue.MinIdle,
		}, router.Process)
		if err != nil {
			slog.Error("failed to create stream queue", "error", err)
			os.Exit(1)
		}
		router.SetQueue(q)
		startQueue, stopQueue = q.Start, q.Stop
	default:
		q := infrastructure.NewMemoryQueue(cfg.Automation.AsyncWorkers, 0, router.Process)
		router.SetQueue(q)
		startQueue, stopQueue = q.Start, q.Stop
	}

	// HTTP surfaces
	gateway := usecases.NewCallbackGateway(
		usecases.CallbackGatewayConfig{RequireSignature: cfg.Signing.RequireCallbackSignature},
		tokens, signer, resolver, st.runs, meter,
		st.domain, st.domain, st.domain, st.domain, messenger, m,
	)
	settings := usecases.NewTenantSettingsUsecase(resolver, st.settings)
	webhooks := http.NewWebhookHandler(http.WebhookConfig{
		WhatsAppAppSecret:   cfg.WhatsApp.AppSecret,
		WhatsAppVerifyToken: cfg.WhatsApp.VerifyToken,
		VoiceGatewaySecret:  cfg.Voice.GatewaySecret,
	}, router, infrastructure.NewCallSessions())

	if waManager != nil {
		waManager.HandlerFactory = func(tenantID string) func(interface{}) {
			return func(evt interface{}) {
				msg, ok := evt.(*events.Message)
				if !ok {
					return
				}
				if ce, ok := channels.FromLinkedDevice(tenantID, msg); ok {
					webhooks.HandleLinkedDevice(context.WithoutCancel(ctx), ce)
				}
			}
		}
	}

	handlers := http.Handlers{
		Webhooks:   webhooks,
		Callbacks:  http.NewCallbackHandler(gateway),
		Automation: http.NewAutomationHandler(usecases.NewAutomationStatusUsecase(resolver, st.runs, st.failures, meter), settings),
		Admin:      http.NewAdminHandler(settings, waManager),
		Devices:    http.NewDeviceHandler(waManager),
		Health:     http.NewHealthHandler(checks...),
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	routeOpts := http.RouteOptions{Metrics: m}
	if cfg.OTel.Enabled() {
		routeOpts.ServiceName = cfg.OTel.ServiceName
	}
	http.SetupRoutes(r, handlers,
		http.NewMiddleware(cfg.JWTSecret, infrastructure.NewKeyedLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)),
		routeOpts)

	server := &nethttp.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	startQueue(gctx)
	g.Go(func() error {
		outbound.Run(gctx)
		return nil
	})
	if st.pgLedger != nil {
		g.Go(func() error {
			purgeLedger(gctx, st.pgLedger)
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		// linked devices feed the queue, so they go first
		if waManager != nil {
			waManager.DisconnectAll()
		}
		stopQueue()
		dispatcher.Wait()
		if tel != nil {
			if terr := tel.Shutdown(shutdownCtx); terr != nil {
				slog.Error("telemetry shutdown", "error", terr)
			}
		}
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Error("router stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("router stopped")
}

// purgeLedger removes expired idempotency claims every ten minutes.
func purgeLedger(ctx context.Context, ledger *repository.LedgerRepository) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ledger.PurgeExpired(ctx)
			if err != nil {
				slog.Warn("ledger purge failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("ledger purged", "claims", n)
			}
		}
	}
}
