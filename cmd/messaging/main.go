package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/hatchpoint/messaging/internal/api"
	"github.com/hatchpoint/messaging/internal/cache"
	"github.com/hatchpoint/messaging/internal/config"
	"github.com/hatchpoint/messaging/internal/model"
	"github.com/hatchpoint/messaging/internal/provider"
	"github.com/hatchpoint/messaging/internal/queue"
	"github.com/hatchpoint/messaging/internal/ratelimit"
	"github.com/hatchpoint/messaging/internal/repo"
	"github.com/hatchpoint/messaging/internal/service"
)

func main() {
	_ = godotenv.Load()
	ctx := context.Background()

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
		SyncProcessing: cfg.Queue.SyncProcessing,
	})
	conversations := service.NewConversations(deps, cfg.Redis.CacheTTL)
	webhooks := service.NewWebhooks(deps, messages, cfg.Redis.DedupTTL)

	var limit func(http.Handler) http.Handler
	if cfg.RateLimit.Enabled {
		limit = ratelimit.Middleware(ratelimit.New(rdb, cfg.RateLimit.Requests, cfg.RateLimit.Window))
	}

	h := api.NewHandler(messages, conversations, webhooks, store, rdb, reg, q, cfg.Queue.AsyncWebhooks)
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(h, limit)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("api server listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	slog.Info("api server stopped")
}

// buildRegistry wires the real adapters when credentials are configured and
// the mock otherwise, so local runs work without provider accounts.
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
