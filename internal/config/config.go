package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Providers ProvidersConfig
	RateLimit RateLimitConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Address string `env:"SERVER_ADDRESS, default=:8080"`
}

type DatabaseConfig struct {
	PostgresURL string `env:"POSTGRES_URL, required"`
}

type RedisConfig struct {
	Address  string        `env:"REDIS_ADDR, default=localhost:6379"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB, default=0"`
	CacheTTL time.Duration `env:"CACHE_TTL, default=300s"`
	DedupTTL time.Duration `env:"WEBHOOK_DEDUP_TTL, default=1h"`
}

type QueueConfig struct {
	MaxRetries int           `env:"QUEUE_MAX_RETRIES, default=3"`
	RetryDelay time.Duration `env:"QUEUE_RETRY_DELAY, default=60s"`
	BatchSize  int           `env:"QUEUE_BATCH_SIZE, default=100"`
	Block      time.Duration `env:"QUEUE_BLOCK_TIMEOUT, default=1s"`
	Group      string        `env:"QUEUE_CONSUMER_GROUP, default=message_workers"`

	// SyncProcessing makes the send path drive delivery inline after
	// enqueueing instead of leaving it to the workers.
	SyncProcessing bool `env:"SYNC_MESSAGE_PROCESSING, default=false"`

	// AsyncWebhooks hands raw webhook calls to the webhook queue instead of
	// reconciling them inside the HTTP request.
	AsyncWebhooks bool `env:"ASYNC_WEBHOOK_PROCESSING, default=false"`
}

type ProvidersConfig struct {
	TwilioBaseURL   string        `env:"TWILIO_BASE_URL, default=https://api.twilio.com"`
	TwilioToken     string        `env:"TWILIO_AUTH_TOKEN"`
	SendGridBaseURL string        `env:"SENDGRID_BASE_URL, default=https://api.sendgrid.com"`
	SendGridAPIKey  string        `env:"SENDGRID_API_KEY"`
	Timeout         time.Duration `env:"PROVIDER_TIMEOUT, default=30s"`
	WebhookSecret   string        `env:"WEBHOOK_SECRET, default=webhook-secret"`
}

type RateLimitConfig struct {
	Enabled  bool          `env:"RATE_LIMIT_ENABLED, default=true"`
	Requests int           `env:"RATE_LIMIT_REQUESTS, default=100"`
	Window   time.Duration `env:"RATE_LIMIT_PERIOD, default=60s"`
}

type WorkerConfig struct {
	Consumer          string        `env:"WORKER_CONSUMER_NAME, default=worker-1"`
	RetryScanInterval time.Duration `env:"RETRY_SCAN_INTERVAL, default=10s"`
	RetryScanLimit    int           `env:"RETRY_SCAN_LIMIT, default=10"`
	LockExpiry        time.Duration `env:"DELIVERY_LOCK_EXPIRY, default=30s"`
	PendingRedrain    time.Duration `env:"PENDING_REDRAIN_INTERVAL, default=30s"`
}

// LoadAll reads configuration from the environment and validates it.
func LoadAll(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Queue.MaxRetries < 0 {
		return errors.New("QUEUE_MAX_RETRIES must be >= 0")
	}
	if c.Queue.RetryDelay <= 0 {
		return errors.New("QUEUE_RETRY_DELAY must be > 0")
	}
	if c.Queue.BatchSize <= 0 {
		return errors.New("QUEUE_BATCH_SIZE must be > 0")
	}
	if c.Redis.CacheTTL <= 0 {
		return errors.New("CACHE_TTL must be > 0")
	}
	if c.Redis.DedupTTL <= 0 {
		return errors.New("WEBHOOK_DEDUP_TTL must be > 0")
	}
	if c.RateLimit.Requests <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("RATE_LIMIT_PERIOD must be > 0")
	}
	if c.Worker.RetryScanInterval <= 0 {
		return errors.New("RETRY_SCAN_INTERVAL must be > 0")
	}
	if c.Worker.RetryScanLimit <= 0 {
		return errors.New("RETRY_SCAN_LIMIT must be > 0")
	}
	if c.Worker.PendingRedrain <= 0 {
		return errors.New("PENDING_REDRAIN_INTERVAL must be > 0")
	}
	return nil
}
