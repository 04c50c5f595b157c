package repo

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hatchpoint/messaging/internal/model"
)

type MessageRepo struct{}

const messageColumns = `
	id, conversation_id, parent_message_id, provider, provider_message_id,
	direction, status, channel_type, body, attachments,
	from_address, to_address, retry_count, max_retries, retry_after,
	sent_at, delivered_at, failed_at, error_message, cost, metadata,
	created_at, updated_at`

func (r *MessageRepo) Create(ctx context.Context, q sqlx.ExtContext, m *model.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO messages (
			id, conversation_id, parent_message_id, provider, provider_message_id,
			direction, status, channel_type, body, attachments,
			from_address, to_address, retry_count, max_retries, retry_after,
			sent_at, delivered_at, failed_at, error_message, cost, metadata,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21,
			$22, $23
		)
	`,
		m.ID, m.ConversationID, m.ParentMessageID, m.Provider, m.ProviderMessageID,
		m.Direction, m.Status, m.ChannelType, m.Body, m.Attachments,
		m.FromAddress, m.ToAddress, m.RetryCount, m.MaxRetries, m.RetryAfter,
		m.SentAt, m.DeliveredAt, m.FailedAt, m.ErrorMessage, m.Cost, m.Metadata,
		m.CreatedAt, m.UpdatedAt,
	)
	return translateErr(err)
}

func (r *MessageRepo) GetByID(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*model.Message, error) {
	var m model.Message
	err := sqlx.GetContext(ctx, q, &m, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, translateErr(err)
	}
	return &m, nil
}

// GetByProviderMessageID looks a message up by its idempotency key.
func (r *MessageRepo) GetByProviderMessageID(ctx context.Context, q sqlx.QueryerContext, provider model.Provider, providerMessageID string) (*model.Message, error) {
	var m model.Message
	err := sqlx.GetContext(ctx, q, &m, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE provider = $1 AND provider_message_id = $2
	`, provider, providerMessageID)
	if err != nil {
		return nil, translateErr(err)
	}
	return &m, nil
}

// Update persists every mutable field. The delivery engine and webhook
// reconciler are the only writers.
func (r *MessageRepo) Update(ctx context.Context, q sqlx.ExtContext, m *model.Message) error {
	m.UpdatedAt = time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		UPDATE messages
		SET provider = $2,
		    provider_message_id = $3,
		    status = $4,
		    retry_count = $5,
		    retry_after = $6,
		    sent_at = $7,
		    delivered_at = $8,
		    failed_at = $9,
		    error_message = $10,
		    cost = $11,
		    metadata = $12,
		    updated_at = $13
		WHERE id = $1
	`,
		m.ID, m.Provider, m.ProviderMessageID, m.Status,
		m.RetryCount, m.RetryAfter, m.SentAt, m.DeliveredAt, m.FailedAt,
		m.ErrorMessage, m.Cost, m.Metadata, m.UpdatedAt,
	)
	if err != nil {
		return translateErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRetryDue returns RETRY messages whose backoff has elapsed, oldest
// first. The retry scanner polls this instead of relying on timers, which
// tolerates worker restarts.
func (r *MessageRepo) ListRetryDue(ctx context.Context, q sqlx.QueryerContext, now time.Time, limit int) ([]model.Message, error) {
	var msgs []model.Message
	err := sqlx.SelectContext(ctx, q, &msgs, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = $1 AND retry_after <= $2
		ORDER BY retry_after ASC
		LIMIT $3
	`, model.StatusRetry, now, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	return msgs, nil
}

// MessageFilter narrows List results. Zero values mean no filter.
type MessageFilter struct {
	ConversationID uuid.UUID
	Status         model.MessageStatus
	Direction      model.Direction
	Limit          int
	Offset         int
}

func (r *MessageRepo) List(ctx context.Context, q sqlx.QueryerContext, f MessageFilter) ([]model.Message, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	where := " WHERE 1=1"
	args := []any{}
	if f.ConversationID != uuid.Nil {
		args = append(args, f.ConversationID)
		where += " AND conversation_id = $" + itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += " AND status = $" + itoa(len(args))
	}
	if f.Direction != "" {
		args = append(args, f.Direction)
		where += " AND direction = $" + itoa(len(args))
	}

	var total int
	if err := sqlx.GetContext(ctx, q, &total, "SELECT count(*) FROM messages"+where, args...); err != nil {
		return nil, 0, translateErr(err)
	}

	args = append(args, f.Limit, f.Offset)
	query := "SELECT " + messageColumns + " FROM messages" + where +
		" ORDER BY created_at DESC LIMIT $" + itoa(len(args)-1) + " OFFSET $" + itoa(len(args))

	var msgs []model.Message
	if err := sqlx.SelectContext(ctx, q, &msgs, query, args...); err != nil {
		return nil, 0, translateErr(err)
	}
	return msgs, total, nil
}

// ReassignConversation moves all messages of source into target (merge).
func (r *MessageRepo) ReassignConversation(ctx context.Context, q sqlx.ExtContext, source, target uuid.UUID) error {
	_, err := q.ExecContext(ctx, `
		UPDATE messages SET conversation_id = $2, updated_at = now()
		WHERE conversation_id = $1
	`, source, target)
	return translateErr(err)
}

// DeleteByConversation removes all messages of a conversation. Events must
// be deleted first; the caller drives the explicit cascade.
func (r *MessageRepo) DeleteByConversation(ctx context.Context, q sqlx.ExtContext, conversationID uuid.UUID) error {
	_, err := q.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = $1`, conversationID)
	return translateErr(err)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
