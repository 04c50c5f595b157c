// Package worker runs the delivery side of the pipeline: per-channel stream
// consumers, a webhook-queue consumer, and the retry scanner.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hatchpoint/messaging/internal/model"
	"github.com/hatchpoint/messaging/internal/queue"
	"github.com/hatchpoint/messaging/internal/scheduler"
	"github.com/hatchpoint/messaging/internal/service"
)

// Deliverer is the slice of the message service the engine drives.
type Deliverer interface {
	Deliver(ctx context.Context, id uuid.UUID) error
	EnqueueDueRetries(ctx context.Context, limit int) (int, error)
}

// WebhookProcessor handles raw webhook calls taken off the webhook queue.
type WebhookProcessor interface {
	Process(ctx context.Context, providerName model.Provider, headers map[string]string, body []byte) (service.Result, error)
}

type Config struct {
	Consumer          string
	Group             string
	BatchSize         int
	Block             time.Duration
	RetryScanInterval time.Duration
	RetryScanLimit    int
	LockExpiry        time.Duration

	// PendingRedrain bounds how long an entry left unacked by a handler
	// error waits before the backlog is re-read. Zero picks a default.
	PendingRedrain time.Duration
}

const defaultPendingRedrain = 30 * time.Second

// Engine consumes the delivery and webhook streams. Concurrent engines
// coordinate through the consumer group for entry ownership and through a
// per-message lock for the provider call itself.
type Engine struct {
	cfg      Config
	queue    *queue.Queue
	msgs     Deliverer
	webhooks WebhookProcessor
	locks    *redsync.Redsync
	retry    *scheduler.Scheduler

	wg sync.WaitGroup
}

func New(cfg Config, q *queue.Queue, msgs Deliverer, webhooks WebhookProcessor, rdb *redis.Client) (*Engine, error) {
	if cfg.Consumer == "" {
		return nil, errors.New("consumer name must not be empty")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("batch size must be > 0")
	}
	if cfg.PendingRedrain <= 0 {
		cfg.PendingRedrain = defaultPendingRedrain
	}

	e := &Engine{
		cfg:      cfg,
		queue:    q,
		msgs:     msgs,
		webhooks: webhooks,
		locks:    redsync.New(goredis.NewPool(rdb)),
	}

	retry, err := scheduler.New("retry-scan", cfg.RetryScanInterval, func(ctx context.Context) {
		if _, err := msgs.EnqueueDueRetries(ctx, cfg.RetryScanLimit); err != nil {
			slog.Error("retry scan failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("retry scheduler: %w", err)
	}
	e.retry = retry
	return e, nil
}

// Run blocks until ctx is cancelled, then drains the in-flight handlers.
func (e *Engine) Run(ctx context.Context) error {
	channels := []model.ChannelType{model.ChannelSMS, model.ChannelMMS, model.ChannelEmail}

	for _, ch := range channels {
		if err := e.queue.EnsureGroup(ctx, queue.StreamFor(ch), e.cfg.Group); err != nil {
			return err
		}
	}
	if err := e.queue.EnsureGroup(ctx, queue.WebhookStream, e.cfg.Group); err != nil {
		return err
	}

	for _, ch := range channels {
		stream := queue.StreamFor(ch)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.consume(ctx, stream, e.handleDelivery)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consume(ctx, queue.WebhookStream, e.handleWebhook)
	}()

	e.retry.Start(ctx)

	slog.Info("worker engine started",
		"consumer", e.cfg.Consumer,
		"group", e.cfg.Group,
		"batch_size", e.cfg.BatchSize)

	<-ctx.Done()
	e.wg.Wait()
	e.retry.Stop()

	slog.Info("worker engine stopped", "consumer", e.cfg.Consumer)
	return nil
}

// consume drains this consumer's unacked backlog, then follows new entries.
// Handler errors leave the entry unacked; the backlog is re-drained on an
// interval so those entries are retried without a restart.
func (e *Engine) consume(ctx context.Context, stream string, handle func(ctx context.Context, item queue.Item) bool) {
	e.drainPending(ctx, stream, handle)
	lastDrain := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		if time.Since(lastDrain) >= e.cfg.PendingRedrain {
			e.drainPending(ctx, stream, handle)
			lastDrain = time.Now()
		}

		items, err := e.queue.Dequeue(ctx, stream, e.cfg.Group, e.cfg.Consumer, int64(e.cfg.BatchSize), e.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("dequeue failed", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, item := range items {
			if handle(ctx, item) {
				e.ack(ctx, stream, item.ID)
			}
		}
	}
}

// drainPending re-reads this consumer's pending entry list batch by batch
// until it is empty. A pass that acks nothing stops the drain: what remains
// is entries whose handler failed, and retrying them in a tight loop would
// just hammer the same error.
func (e *Engine) drainPending(ctx context.Context, stream string, handle func(ctx context.Context, item queue.Item) bool) {
	for ctx.Err() == nil {
		items, err := e.queue.DequeuePending(ctx, stream, e.cfg.Group, e.cfg.Consumer, int64(e.cfg.BatchSize))
		if err != nil {
			slog.Error("pending backlog read failed", "stream", stream, "error", err)
			return
		}
		if len(items) == 0 {
			return
		}

		acked := 0
		for _, item := range items {
			if handle(ctx, item) {
				e.ack(ctx, stream, item.ID)
				acked++
			}
		}
		if acked == 0 {
			return
		}
	}
}

// handleDelivery processes one delivery entry. The per-message lock keeps two
// workers from calling the provider for the same message; losing the lock
// means another worker owns this delivery, so the entry is acked and dropped.
func (e *Engine) handleDelivery(ctx context.Context, item queue.Item) bool {
	var entry queue.Entry
	if err := json.Unmarshal(item.Data, &entry); err != nil {
		slog.Error("dropping malformed queue entry", "entry_id", item.ID, "error", err)
		return true
	}
	id, err := uuid.Parse(entry.MessageID)
	if err != nil {
		slog.Error("dropping entry with bad message id", "entry_id", item.ID, "message_id", entry.MessageID)
		return true
	}

	mutex := e.locks.NewMutex("deliver:"+entry.MessageID,
		redsync.WithExpiry(e.cfg.LockExpiry),
		redsync.WithTries(1))

	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			slog.Info("delivery lock held elsewhere, skipping", "message_id", id)
			return true
		}
		// Lock backend trouble: proceed without it. The status transition
		// guard bounds the damage to at-least-once.
		slog.Warn("delivery lock unavailable, proceeding", "message_id", id, "error", err)
	} else {
		defer func() {
			if _, err := mutex.UnlockContext(ctx); err != nil {
				slog.Warn("delivery lock release failed", "message_id", id, "error", err)
			}
		}()
	}

	if err := e.msgs.Deliver(ctx, id); err != nil {
		slog.Error("delivery failed", "message_id", id, "error", err)
		return false
	}
	return true
}

func (e *Engine) handleWebhook(ctx context.Context, item queue.Item) bool {
	var entry queue.WebhookEntry
	if err := json.Unmarshal(item.Data, &entry); err != nil {
		slog.Error("dropping malformed webhook entry", "entry_id", item.ID, "error", err)
		return true
	}

	res, err := e.webhooks.Process(ctx, model.Provider(entry.Provider), entry.Headers, entry.Body)
	if err != nil {
		slog.Error("webhook processing failed", "provider", entry.Provider, "error", err)
		return false
	}
	slog.Info("webhook processed", "provider", entry.Provider, "status", res.Status)
	return true
}

func (e *Engine) ack(ctx context.Context, stream, id string) {
	if err := e.queue.Ack(ctx, stream, e.cfg.Group, id); err != nil {
		slog.Error("ack failed", "stream", stream, "entry_id", id, "error", err)
	}
}
