package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env           string
	Port          string
	PublicBaseURL string
	DatabaseURL   string
	RedisURL      string
	JWTSecret     string // dashboard bearer tokens

	Automation AutomationConfig
	Signing    SigningConfig
	WhatsApp   WhatsAppConfig
	Voice      VoiceConfig
	Queue      QueueConfig
	OpenAI     OpenAIConfig
	OTel       OTelConfig

	UsageStore     string // postgres | redis | memory
	IdempotencyTTL time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

type AutomationConfig struct {
	UseN8N           bool
	N8NBaseURL       string
	DefaultTimeout   time.Duration
	DefaultRetries   int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	VoiceConcurrency int64
	AsyncWorkers     int
}

type SigningConfig struct {
	Secret                   string
	PreviousSecret           string
	Skew                     time.Duration
	TokenGrace               time.Duration
	RequireCallbackSignature bool
}

type WhatsAppConfig struct {
	AppSecret           string
	VerifyToken         string
	APIVersion          string
	LinkedDeviceEnabled bool
	StorePath           string
}

type VoiceConfig struct {
	GatewaySecret string
}

type QueueConfig struct {
	Backend     string // memory | redis
	Stream      string
	Group       string
	Consumer    string
	DLQStream   string
	MaxAttempts int
	MinIdle     time.Duration // pending deliveries older than this are reclaimed
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

// Load reads configuration from the environment. In development a .env file is loaded first.
func Load() (Config, error) {
	if getEnv("ENV", "development") == "development" {
		_ = godotenv.Load()
	}

	cfg := Config{
		Env:           getEnv("ENV", "development"),
		Port:          getEnv("PORT", "8080"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisURL:      getEnv("REDIS_URL", ""),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		Automation: AutomationConfig{
			UseN8N:           getEnvBool("USE_N8N", true),
			N8NBaseURL:       strings.TrimRight(getEnv("N8N_BASE_URL", "http://localhost:5678"), "/"),
			DefaultTimeout:   time.Duration(getEnvInt("DEFAULT_TIMEOUT_SECONDS", 10)) * time.Second,
			DefaultRetries:   getEnvInt("DEFAULT_MAX_RETRIES", 2),
			BackoffBase:      getEnvDuration("RETRY_BACKOFF_BASE", time.Second),
			BackoffMax:       getEnvDuration("RETRY_BACKOFF_MAX", 30*time.Second),
			VoiceConcurrency: int64(getEnvInt("VOICE_MAX_CONCURRENT", 64)),
			AsyncWorkers:     getEnvInt("ASYNC_WORKERS", 16),
		},
		Signing: SigningConfig{
			Secret:                   getEnv("SVONTAI_TO_N8N_SECRET", ""),
			PreviousSecret:           getEnv("SVONTAI_TO_N8N_SECRET_PREVIOUS", ""),
			Skew:                     getEnvDuration("SIGNATURE_SKEW", 5*time.Minute),
			TokenGrace:               getEnvDuration("CALLBACK_TOKEN_GRACE", 5*time.Minute),
			RequireCallbackSignature: getEnvBool("REQUIRE_CALLBACK_SIGNATURE", true),
		},
		WhatsApp: WhatsAppConfig{
			AppSecret:           getEnv("WHATSAPP_APP_SECRET", ""),
			VerifyToken:         getEnv("WHATSAPP_VERIFY_TOKEN", ""),
			APIVersion:          getEnv("WHATSAPP_API_VERSION", "v18.0"),
			LinkedDeviceEnabled: getEnvBool("LINKED_DEVICE_ENABLED", false),
			StorePath:           getEnv("WHATSMEOW_STORE_PATH", "devices"),
		},
		Voice: VoiceConfig{
			GatewaySecret: getEnv("VOICE_GATEWAY_SECRET", ""),
		},
		Queue: QueueConfig{
			Backend:     getEnv("ASYNC_QUEUE", "memory"),
			Stream:      getEnv("REDIS_STREAM", "svontai_dispatch"),
			Group:       getEnv("REDIS_CONSUMER_GROUP", "svontai_router"),
			Consumer:    getEnv("REDIS_CONSUMER_NAME", hostname()),
			DLQStream:   getEnv("REDIS_DLQ_STREAM", "svontai_dispatch_dlq"),
			MaxAttempts: getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
			MinIdle:     getEnvDuration("QUEUE_RECLAIM_IDLE", 2*time.Minute),
		},
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
			Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		},
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "svontai-router"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
		UsageStore:     getEnv("USAGE_STORE", "postgres"),
		IdempotencyTTL: getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		RateLimitRPS:   getEnvFloat("WEBHOOK_RATE_LIMIT_RPS", 50),
		RateLimitBurst: getEnvInt("WEBHOOK_RATE_LIMIT_BURST", 100),
	}

	if cfg.Signing.Secret == "" {
		return Config{}, fmt.Errorf("SVONTAI_TO_N8N_SECRET is required")
	}
	if cfg.Queue.Backend == "redis" && cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL is required when ASYNC_QUEUE=redis")
	}
	if cfg.UsageStore == "redis" && cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL is required when USAGE_STORE=redis")
	}
	if cfg.UsageStore == "postgres" && cfg.DatabaseURL == "" {
		cfg.UsageStore = "memory"
	}

	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

func (c OpenAIConfig) Enabled() bool {
	return c.APIKey != ""
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "router"
	}
	return h
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
