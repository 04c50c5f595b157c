package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/hatchpoint/messaging/internal/cache"
	"github.com/hatchpoint/messaging/internal/config"
	"github.com/hatchpoint/messaging/internal/model"
	"github.com/hatchpoint/messaging/internal/provider"
	"github.com/hatchpoint/messaging/internal/queue"
	"github.com/hatchpoint/messaging/internal/repo"
	"github.com/hatchpoint/messaging/internal/service"
	"github.com/hatchpoint/messaging/internal/worker"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAll(ctx)
	if err != nil {
		log.Fatal(err)
	}

	store, err := repo.Open(cfg.Database.PostgresURL)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	reg := buildRegistry(cfg)
	q := queue.New(rdb)
	deps := service.DepsFromStore(store, cache.NewRedisCache(rdb), q, reg)

	messages := service.NewMessages(deps, service.MessagesConfig{
		RetryDelay:     cfg.Queue.RetryDelay,
		MaxRetries:     cfg.Queue.MaxRetries,
		CacheTTL:       cfg.Redis.CacheTTL,
		SyncProcessing: false,
	})
	webhooks := service.NewWebhooks(deps, messages, cfg.Redis.DedupTTL)

	engine, err := worker.New(worker.Config{
		Consumer:          cfg.Worker.Consumer,
		Group:             cfg.Queue.Group,
		BatchSize:         cfg.Queue.BatchSize,
		Block:             cfg.Queue.Block,
		RetryScanInterval: cfg.Worker.RetryScanInterval,
		RetryScanLimit:    cfg.Worker.RetryScanLimit,
		LockExpiry:        cfg.Worker.LockExpiry,
		PendingRedrain:    cfg.Worker.PendingRedrain,
	}, q, messages, webhooks, rdb)
	if err != nil {
		log.Fatal(err)
	}

	if err := engine.Run(ctx); err != nil {
		log.Fatal(err)
	}
	slog.Info("worker exited")
}

// buildRegistry mirrors the api binary's wiring so webhook signatures verify
// against the same secrets regardless of which process handles the call.
func buildRegistry(cfg *config.Config) *provider.Registry {
	reg := provider.NewRegistry()
	p := cfg.Providers

	if p.TwilioToken != "" {
		reg.Register(provider.NewTwilio(p.TwilioBaseURL, p.TwilioToken, p.WebhookSecret, p.Timeout),
			model.ChannelSMS, model.ChannelMMS)
	} else {
		slog.Warn("TWILIO_AUTH_TOKEN not set, using mock provider for sms/mms")
		reg.Register(provider.NewMock(p.WebhookSecret), model.ChannelSMS, model.ChannelMMS)
	}

	if p.SendGridAPIKey != "" {
		reg.Register(provider.NewSendGrid(p.SendGridBaseURL, p.SendGridAPIKey, p.WebhookSecret, p.Timeout),
			model.ChannelEmail)
	} else {
		slog.Warn("SENDGRID_API_KEY not set, using mock provider for email")
		reg.Register(provider.NewMock(p.WebhookSecret), model.ChannelEmail)
	}
	return reg
}
