package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/marketcore/internal/market"
	"github.com/Checker-Finance/marketcore/internal/payments"
	"github.com/Checker-Finance/marketcore/internal/rate"
	pkgconfig "github.com/Checker-Finance/marketcore/pkg/config"
)

// Config holds the runtime configuration for marketd.
type Config struct {
	ServiceName string
	Env         string // "dev", "uat", "prod"
	LogLevel    string

	Port             int
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	HTTPBodyLimit    int

	// DatabaseURL empty runs the service on the in-memory store.
	DatabaseURL         string
	PGMaxConns          int
	PGMinConns          int
	PGMaxConnLifetime   time.Duration
	PGMaxConnIdleTime   time.Duration
	PGHealthCheckPeriod time.Duration

	RedisAddr     string
	RedisDB       int
	RedisPass     string
	StatsCacheTTL time.Duration

	NATSURL     string
	RabbitMQURL string
	ChatQueue   string

	AWSRegion      string
	UseAWSSecrets  bool
	SecretCacheTTL time.Duration

	// Payment provider. When UseAWSSecrets is set the credentials come from
	// "{env}/marketcore/payments" and these act as the fallback.
	PaymentBaseURL         string
	PaymentAPIKey          string
	PaymentCompanyID       string
	PaymentWebhookSecret   string
	PaymentSignatureHeader string
	PaymentPollInterval    time.Duration
	PaymentPollAttempts    int

	AppURL string

	ChatBaseURL   string
	ChatToken     string
	ChatCompanyID string

	FeePercent       decimal.Decimal
	MinPrice         decimal.Decimal
	MaxPrice         decimal.Decimal
	OrderExpiryDays  int
	PageSize         int
	RateLimit        int
	RateWindow       time.Duration
	ExpirySweepEvery time.Duration
}

// Load loads configuration from environment variables and .env file if present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ServiceName: pkgconfig.GetEnv("SERVICE_NAME", "marketcore"),
		Env:         pkgconfig.GetEnv("ENV", "dev"),
		LogLevel:    pkgconfig.GetEnv("LOG_LEVEL", "info"),

		Port:             pkgconfig.GetEnvInt("PORT", 8080),
		HTTPReadTimeout:  pkgconfig.GetEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
		HTTPWriteTimeout: pkgconfig.GetEnvDuration("HTTP_WRITE_TIMEOUT", 10*time.Second),
		HTTPIdleTimeout:  pkgconfig.GetEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		HTTPBodyLimit:    pkgconfig.GetEnvInt("HTTP_BODY_LIMIT", 1*1024*1024),

		DatabaseURL:         pkgconfig.GetEnv("DATABASE_URL", ""),
		PGMaxConns:          pkgconfig.GetEnvInt("PG_MAX_CONNS", 10),
		PGMinConns:          pkgconfig.GetEnvInt("PG_MIN_CONNS", 2),
		PGMaxConnLifetime:   pkgconfig.GetEnvDuration("PG_MAX_CONN_LIFETIME", 30*time.Minute),
		PGMaxConnIdleTime:   pkgconfig.GetEnvDuration("PG_MAX_CONN_IDLE_TIME", 5*time.Minute),
		PGHealthCheckPeriod: pkgconfig.GetEnvDuration("PG_HEALTH_CHECK_PERIOD", 1*time.Minute),

		RedisAddr:     pkgconfig.GetEnv("REDIS_ADDR", ""),
		RedisDB:       pkgconfig.GetEnvInt("REDIS_DB", 0),
		RedisPass:     pkgconfig.GetEnv("REDIS_PASS", ""),
		StatsCacheTTL: pkgconfig.GetEnvDuration("STATS_CACHE_TTL", 5*time.Minute),

		NATSURL:     pkgconfig.GetEnv("NATS_URL", ""),
		RabbitMQURL: pkgconfig.GetEnv("RABBITMQ_URL", ""),
		ChatQueue:   pkgconfig.GetEnv("CHAT_QUEUE", "marketcore.chat.tasks"),

		AWSRegion:      pkgconfig.GetEnv("AWS_REGION", "us-east-2"),
		UseAWSSecrets:  pkgconfig.GetEnvBool("USE_AWS_SECRETS", false),
		SecretCacheTTL: pkgconfig.GetEnvDuration("SECRET_CACHE_TTL", 1*time.Hour),

		PaymentBaseURL:         pkgconfig.GetEnv("PAYMENT_BASE_URL", "https://api.whop.com"),
		PaymentAPIKey:          pkgconfig.GetEnv("PAYMENT_API_KEY", ""),
		PaymentCompanyID:       pkgconfig.GetEnv("PAYMENT_COMPANY_ID", ""),
		PaymentWebhookSecret:   pkgconfig.GetEnv("PAYMENT_WEBHOOK_SECRET", ""),
		PaymentSignatureHeader: pkgconfig.GetEnv("PAYMENT_SIGNATURE_HEADER", payments.DefaultSignatureHeader),
		PaymentPollInterval:    pkgconfig.GetEnvDuration("PAYMENT_POLL_INTERVAL", 10*time.Second),
		PaymentPollAttempts:    pkgconfig.GetEnvInt("PAYMENT_POLL_ATTEMPTS", 30),

		AppURL: pkgconfig.GetEnv("APP_URL", "http://localhost:3000"),

		ChatBaseURL:   pkgconfig.GetEnv("CHAT_BASE_URL", ""),
		ChatToken:     pkgconfig.GetEnv("CHAT_TOKEN", ""),
		ChatCompanyID: pkgconfig.GetEnv("CHAT_COMPANY_ID", ""),

		FeePercent:       pkgconfig.GetEnvDecimal("PLATFORM_FEE_PERCENT", decimal.RequireFromString("9.5")),
		MinPrice:         pkgconfig.GetEnvDecimal("MIN_PRICE", decimal.NewFromInt(1)),
		MaxPrice:         pkgconfig.GetEnvDecimal("MAX_PRICE", decimal.NewFromInt(100000)),
		OrderExpiryDays:  pkgconfig.GetEnvInt("ORDER_EXPIRY_DAYS", 30),
		PageSize:         pkgconfig.GetEnvInt("PAGE_SIZE", 24),
		RateLimit:        pkgconfig.GetEnvInt("API_RATE_LIMIT", 30),
		RateWindow:       pkgconfig.GetEnvDuration("API_RATE_WINDOW", 60*time.Second),
		ExpirySweepEvery: pkgconfig.GetEnvDuration("EXPIRY_SWEEP_INTERVAL", 1*time.Minute),
	}
}

// Market returns the trading rules for market.NewService.
func (c *Config) Market() market.Config {
	return market.Config{
		FeePercent:    c.FeePercent,
		MinPrice:      c.MinPrice,
		MaxPrice:      c.MaxPrice,
		DefaultExpiry: time.Duration(c.OrderExpiryDays) * 24 * time.Hour,
	}
}

// APIRate is the per client+route limit applied by the HTTP layer.
func (c *Config) APIRate() rate.Config {
	return rate.Config{Limit: c.RateLimit, Window: c.RateWindow}
}

// PaymentCredentials returns the env-provided provider credentials.
func (c *Config) PaymentCredentials() payments.Credentials {
	return payments.Credentials{
		BaseURL:       c.PaymentBaseURL,
		APIKey:        c.PaymentAPIKey,
		CompanyID:     c.PaymentCompanyID,
		WebhookSecret: c.PaymentWebhookSecret,
	}
}
