package service_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hatchpoint/messaging/internal/cache"
	"github.com/hatchpoint/messaging/internal/model"
	"github.com/hatchpoint/messaging/internal/provider"
	"github.com/hatchpoint/messaging/internal/queue"
	"github.com/hatchpoint/messaging/internal/service"
)

// env wires the services against in-memory fakes and a real cache and queue
// on miniredis, with the fault-injectable mock provider on every channel.
type env struct {
	st    *memState
	mr    *miniredis.Miniredis
	mock  *provider.Mock
	queue *queue.Queue
	deps  service.Deps
}

const testWebhookSecret = "test-secret"

func newEnv(t *testing.T) *env {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	mock := provider.NewMock(testWebhookSecret)
	reg := provider.NewRegistry()
	reg.Register(mock, model.ChannelSMS, model.ChannelMMS, model.ChannelEmail)

	st := newMemState()
	q := queue.New(rdb)

	deps := service.Deps{
		DB:            fakeTx{},
		Messages:      &fakeMessages{st: st},
		Conversations: &fakeConvs{st: st},
		Events:        &fakeEvents{st: st},
		WebhookLogs:   &fakeLogs{st: st},
		Cache:         cache.NewRedisCache(rdb),
		Queue:         q,
		Providers:     reg,
	}

	return &env{st: st, mr: mr, mock: mock, queue: q, deps: deps}
}

func (e *env) messages(cfg service.MessagesConfig) *service.Messages {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return service.NewMessages(e.deps, cfg)
}
