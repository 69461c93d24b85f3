package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (BAGS_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	Storage     StorageConfig
	Payment     PaymentConfig
	Webhook     WebhookConfig
	Redis       RedisConfig
	Events      EventsConfig
	Idempotency IdempotencyConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// StorageConfig selects the order store.
type StorageConfig struct {
	Driver      string `default:"postgres" usage:"Order store driver: postgres or sqlite"`
	DatabaseURL string `usage:"PostgreSQL connection URL (BAGS_STORAGE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	SQLitePath  string `default:"bagmarket.db" usage:"SQLite database file" flag:"sqlite-path"`
}

// PaymentConfig selects and configures the payment gateway.
type PaymentConfig struct {
	Provider      string        `default:"http" usage:"Payment gateway: http or stripe"`
	BaseURL       string        `usage:"Payment service base URL" flag:"payment-url"`
	APIKey        string        `usage:"Payment service bearer token"`
	Timeout       time.Duration `default:"10s" usage:"Payment service request timeout"`
	MaxRetries    uint64        `default:"3" usage:"Payment service retries on 429, 5xx and transport errors"`
	Currency      string        `default:"EUR" usage:"ISO 4217 currency of order totals"`
	StripeKey     string        `usage:"Stripe secret key" flag:"stripe-key"`
	StripeAccount string        `usage:"Stripe connected account id"`
}

// WebhookConfig controls inbound webhook authentication.
type WebhookConfig struct {
	Secret       string        `usage:"HMAC secret for payment webhooks; empty disables verification" flag:"webhook-secret"`
	ClockSkew    time.Duration `default:"5m" usage:"Accepted webhook timestamp drift"`
	StripeSecret string        `usage:"Stripe webhook signing secret; empty disables the Stripe webhook" flag:"stripe-webhook-secret"`
}

// RedisConfig enables Redis backed nonces, idempotency records and rate
// limits shared between replicas.
type RedisConfig struct {
	Addr     string `usage:"Redis address; empty keeps state in process memory" flag:"redis-addr"`
	Password string `usage:"Redis password"`
	DB       int    `default:"0" usage:"Redis database"`
	Prefix   string `default:"bagmarket:" usage:"Key prefix"`
}

// EventsConfig controls the outbox relay to Kafka.
type EventsConfig struct {
	Brokers   string        `usage:"Comma separated Kafka brokers; empty disables the relay" flag:"kafka-brokers"`
	Topic     string        `default:"orders.events" usage:"Kafka topic for order events"`
	Interval  time.Duration `default:"1s" usage:"Outbox poll interval"`
	BatchSize int           `default:"100" usage:"Outbox batch size"`
}

// IdempotencyConfig controls Idempotency-Key replays.
type IdempotencyConfig struct {
	TTL time.Duration `default:"24h" usage:"How long idempotent responses are replayed"`
}

// RateLimitConfig controls the per-client rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "BAGS",
		Files:     []string{"config.yaml", "/etc/bagmarket/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps the DATABASE_URL and PORT variables set by
// hosting platforms onto the BAGS_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.Storage.DatabaseURL == "" {
		c.Storage.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}

func (c *Config) validate() error {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Payment.Provider = strings.ToLower(strings.TrimSpace(c.Payment.Provider))

	switch c.Storage.Driver {
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return errors.New("database URL is required: set BAGS_STORAGE_DATABASE_URL or DATABASE_URL")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("sqlite path is required")
		}
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Payment.Provider {
	case "http":
		if c.Payment.BaseURL == "" {
			return errors.New("payment service URL is required for the http provider")
		}
	case "stripe":
		if c.Payment.StripeKey == "" {
			return errors.New("stripe key is required for the stripe provider")
		}
	default:
		return errors.Errorf("unknown payment provider %q", c.Payment.Provider)
	}

	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit max and window must be positive")
	}
	return nil
}
