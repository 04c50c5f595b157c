package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hatchpoint/messaging/internal/model"
)

// WebhookStream carries raw webhook payloads handed off for asynchronous
// processing.
const WebhookStream = "webhook_queue"

// StreamFor returns the delivery stream for a channel, one stream per
// channel type.
func StreamFor(channel model.ChannelType) string {
	return "message_queue:" + string(channel)
}

// Entry is the wire format of a delivery-queue item. It references the
// message by id; the row in the store is the source of truth.
type Entry struct {
	MessageID   string    `json:"message_id"`
	RetryCount  int       `json:"retry_count"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// WebhookEntry is a queued raw webhook call.
type WebhookEntry struct {
	Provider string            `json:"provider"`
	Headers  map[string]string `json:"headers"`
	Body     json.RawMessage   `json:"body"`
}

// Item is one dequeued stream entry. ID is the stream entry id used for
// acknowledgement.
type Item struct {
	ID   string
	Data []byte
}

// Queue is a durable multi-consumer log on Redis Streams. Consumers read
// through a consumer group, so concurrent workers split the stream without
// application-level coordination.
type Queue struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

func (q *Queue) Enqueue(ctx context.Context, stream string, payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode queue entry: %w", err)
	}
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"data": b},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue to %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group from the beginning of the stream,
// creating the stream if needed. An already-existing group is not an error.
func (q *Queue) EnsureGroup(ctx context.Context, stream, group string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Dequeue reads up to count new entries for the consumer, blocking up to
// block when the stream is empty. A timeout returns an empty slice.
func (q *Queue) Dequeue(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Item, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", stream, err)
	}

	var items []Item
	for _, s := range streams {
		for _, msg := range s.Messages {
			raw, ok := msg.Values["data"].(string)
			if !ok {
				continue
			}
			items = append(items, Item{ID: msg.ID, Data: []byte(raw)})
		}
	}
	return items, nil
}

// DequeuePending re-reads entries that were delivered to this consumer but
// never acknowledged, typically after a crash. It does not block.
func (q *Queue) DequeuePending(ctx context.Context, stream, group, consumer string, count int64) ([]Item, error) {
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    count,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending from %s: %w", stream, err)
	}

	var items []Item
	for _, s := range streams {
		for _, msg := range s.Messages {
			raw, ok := msg.Values["data"].(string)
			if !ok {
				continue
			}
			items = append(items, Item{ID: msg.ID, Data: []byte(raw)})
		}
	}
	return items, nil
}

func (q *Queue) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("ack on %s: %w", stream, err)
	}
	return nil
}

func (q *Queue) Len(ctx context.Context, stream string) (int64, error) {
	n, err := q.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("len of %s: %w", stream, err)
	}
	return n, nil
}
