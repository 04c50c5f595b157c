// Package service implements the message lifecycle: send, deliver with
// classified retries, webhook reconciliation, and conversation management.
//
// Services depend on narrow store interfaces rather than the concrete
// Postgres repos, so tests exercise the state machine against in-memory
// fakes while production wires the sqlx-backed implementations.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hatchpoint/messaging/internal/cache"
	"github.com/hatchpoint/messaging/internal/model"
	"github.com/hatchpoint/messaging/internal/provider"
	"github.com/hatchpoint/messaging/internal/queue"
	"github.com/hatchpoint/messaging/internal/repo"
)

// TxRunner supplies transactions and the pool for single-statement reads.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	DB() *sqlx.DB
}

type MessageStore interface {
	Create(ctx context.Context, q sqlx.ExtContext, m *model.Message) error
	GetByID(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*model.Message, error)
	GetByProviderMessageID(ctx context.Context, q sqlx.QueryerContext, provider model.Provider, providerMessageID string) (*model.Message, error)
	Update(ctx context.Context, q sqlx.ExtContext, m *model.Message) error
	ListRetryDue(ctx context.Context, q sqlx.QueryerContext, now time.Time, limit int) ([]model.Message, error)
	List(ctx context.Context, q sqlx.QueryerContext, f repo.MessageFilter) ([]model.Message, int, error)
	ReassignConversation(ctx context.Context, q sqlx.ExtContext, source, target uuid.UUID) error
	DeleteByConversation(ctx context.Context, q sqlx.ExtContext, conversationID uuid.UUID) error
}

type ConversationStore interface {
	Create(ctx context.Context, q sqlx.ExtContext, c *model.Conversation) error
	GetByID(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*model.Conversation, error)
	FindDirect(ctx context.Context, q sqlx.QueryerContext, a, b string, channel model.ChannelType) (*model.Conversation, error)
	BumpOnMessage(ctx context.Context, q sqlx.ExtContext, id uuid.UUID, at time.Time, unreadDelta int) error
	SetStatus(ctx context.Context, q sqlx.ExtContext, id uuid.UUID, status model.ConversationStatus) error
	Update(ctx context.Context, q sqlx.ExtContext, c *model.Conversation) error
	MarkRead(ctx context.Context, q sqlx.ExtContext, id uuid.UUID) error
	List(ctx context.Context, q sqlx.QueryerContext, f repo.ConversationFilter) ([]model.Conversation, int, error)
	Search(ctx context.Context, q sqlx.QueryerContext, term string, limit int) ([]model.Conversation, error)
	Stats(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*model.ConversationStats, error)
	Delete(ctx context.Context, q sqlx.ExtContext, id uuid.UUID) error
}

type EventStore interface {
	Append(ctx context.Context, q sqlx.ExtContext, messageID uuid.UUID, eventType model.EventType, data model.Metadata) error
	ListByMessage(ctx context.Context, q sqlx.QueryerContext, messageID uuid.UUID) ([]model.MessageEvent, error)
	DeleteByConversation(ctx context.Context, q sqlx.ExtContext, conversationID uuid.UUID) error
}

type WebhookLogStore interface {
	Create(ctx context.Context, q sqlx.ExtContext, l *model.WebhookLog) error
	GetByID(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*model.WebhookLog, error)
	MarkProcessed(ctx context.Context, q sqlx.ExtContext, id uuid.UUID) error
	MarkError(ctx context.Context, q sqlx.ExtContext, id uuid.UUID, msg string) error
}

// Enqueuer is the write side of the delivery queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, stream string, payload any) (string, error)
}

// Deps bundles the collaborators shared across services.
type Deps struct {
	DB            TxRunner
	Messages      MessageStore
	Conversations ConversationStore
	Events        EventStore
	WebhookLogs   WebhookLogStore
	Cache         cache.Cache
	Queue         Enqueuer
	Providers     *provider.Registry
}

// DepsFromStore wires the production dependencies.
func DepsFromStore(s *repo.Store, c cache.Cache, q *queue.Queue, reg *provider.Registry) Deps {
	return Deps{
		DB:            s,
		Messages:      s.Messages,
		Conversations: s.Conversations,
		Events:        s.Events,
		WebhookLogs:   s.WebhookLogs,
		Cache:         c,
		Queue:         q,
		Providers:     reg,
	}
}
