package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPAddr      string
	AuthJWTSecret string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string

	Gateway   GatewayConfig
	Refund    RefundConfig
	Reconcile ReconcileConfig
	Email     EmailConfig
}

// GatewayConfig carries the external payment gateway credentials. The gateway
// client is constructed once per process from these values; nothing reads
// them after startup.
type GatewayConfig struct {
	Provider      string
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	Timeout       time.Duration
}

// RefundConfig holds the refund policy windows. These are business-configured
// values, not hard-coded law.
type RefundConfig struct {
	AutoApproveWindow time.Duration
	MaxWindow         time.Duration
}

type ReconcileConfig struct {
	Enabled        bool
	Interval       time.Duration
	StaleAfter     time.Duration
	LockTTL        time.Duration
	BatchSize      int
	GatewayTimeout time.Duration
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	// NotifyTo receives refund workflow notifications. User-specific routing
	// lives in the notification platform, not here.
	NotifyTo string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "arenda"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		AuthJWTSecret: strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		OTLPEndpoint:  getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "arenda"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		Gateway: GatewayConfig{
			Provider:      strings.ToLower(getenv("GATEWAY_PROVIDER", "stripe")),
			SecretKey:     strings.TrimSpace(getenv("GATEWAY_SECRET_KEY", "")),
			WebhookSecret: strings.TrimSpace(getenv("GATEWAY_WEBHOOK_SECRET", "")),
			BaseURL:       strings.TrimSpace(getenv("GATEWAY_BASE_URL", "")),
			Timeout:       getenvDuration("GATEWAY_TIMEOUT", 15*time.Second),
		},
		Refund: RefundConfig{
			AutoApproveWindow: getenvDuration("REFUND_AUTO_APPROVE_WINDOW", 4*time.Hour),
			MaxWindow:         getenvDuration("REFUND_MAX_WINDOW", 7*24*time.Hour),
		},
		Reconcile: ReconcileConfig{
			Enabled:        getenvBool("RECONCILE_ENABLED", true),
			Interval:       getenvDuration("RECONCILE_INTERVAL", 5*time.Minute),
			StaleAfter:     getenvDuration("RECONCILE_STALE_AFTER", 30*time.Minute),
			LockTTL:        getenvDuration("RECONCILE_LOCK_TTL", 4*time.Minute),
			BatchSize:      getenvInt("RECONCILE_BATCH_SIZE", 50),
			GatewayTimeout: getenvDuration("RECONCILE_GATEWAY_TIMEOUT", 15*time.Second),
		},
		Email: EmailConfig{
			SMTPHost:     getenv("SMTP_HOST", ""),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "no-reply@arenda.io"),
			NotifyTo:     strings.TrimSpace(getenv("REFUND_NOTIFY_EMAIL", "")),
		},
	}

	return cfg
}

func getenv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		log.Printf("config: invalid int for %s: %q", key, raw)
		return fallback
	}
	return value
}

func getenvBool(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		log.Printf("config: invalid bool for %s: %q", key, raw)
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		log.Printf("config: invalid duration for %s: %q", key, raw)
		return fallback
	}
	return value
}
