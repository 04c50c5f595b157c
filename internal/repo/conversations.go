package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hatchpoint/messaging/internal/model"
)

type ConversationRepo struct{}

const conversationColumns = `
	id, participant_a, participant_b, kind, channel_type, status, title,
	last_message_at, message_count, unread_count, metadata, created_at, updated_at`

func (r *ConversationRepo) Create(ctx context.Context, q sqlx.ExtContext, c *model.Conversation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO conversations (
			id, participant_a, participant_b, kind, channel_type, status, title,
			last_message_at, message_count, unread_count, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		c.ID, c.ParticipantA, c.ParticipantB, c.Kind, c.ChannelType, c.Status, c.Title,
		c.LastMessageAt, c.MessageCount, c.UnreadCount, c.Metadata, c.CreatedAt, c.UpdatedAt,
	)
	return translateErr(err)
}

func (r *ConversationRepo) GetByID(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*model.Conversation, error) {
	var c model.Conversation
	err := sqlx.GetContext(ctx, q, &c, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, translateErr(err)
	}
	return &c, nil
}

// FindDirect resolves the direct conversation for an order-normalized
// participant pair on a channel. Closed conversations do not match, so a new
// thread can start after an explicit close.
func (r *ConversationRepo) FindDirect(ctx context.Context, q sqlx.QueryerContext, a, b string, channel model.ChannelType) (*model.Conversation, error) {
	a, b = model.NormalizeParticipants(a, b)

	var c model.Conversation
	err := sqlx.GetContext(ctx, q, &c, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE kind = $1
		  AND participant_a = $2
		  AND participant_b = $3
		  AND channel_type = $4
		  AND status <> $5
		LIMIT 1
	`, model.KindDirect, a, b, channel, model.ConversationClosed)
	if err != nil {
		return nil, translateErr(err)
	}
	return &c, nil
}

// BumpOnMessage updates the denormalized counters when a message lands.
func (r *ConversationRepo) BumpOnMessage(ctx context.Context, q sqlx.ExtContext, id uuid.UUID, at time.Time, unreadDelta int) error {
	res, err := q.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = message_count + 1,
		    unread_count = unread_count + $3,
		    last_message_at = GREATEST(coalesce(last_message_at, $2), $2),
		    updated_at = now()
		WHERE id = $1
	`, id, at, unreadDelta)
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

func (r *ConversationRepo) SetStatus(ctx context.Context, q sqlx.ExtContext, id uuid.UUID, status model.ConversationStatus) error {
	res, err := q.ExecContext(ctx, `
		UPDATE conversations SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	if err != nil {
		return translateErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ConversationRepo) Update(ctx context.Context, q sqlx.ExtContext, c *model.Conversation) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := q.ExecContext(ctx, `
		UPDATE conversations
		SET title = $2,
		    status = $3,
		    message_count = $4,
		    unread_count = $5,
		    last_message_at = $6,
		    metadata = $7,
		    updated_at = $8
		WHERE id = $1
	`, c.ID, c.Title, c.Status, c.MessageCount, c.UnreadCount, c.LastMessageAt, c.Metadata, c.UpdatedAt)
	if err != nil {
		return translateErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ConversationRepo) MarkRead(ctx context.Context, q sqlx.ExtContext, id uuid.UUID) error {
	res, err := q.ExecContext(ctx, `
		UPDATE conversations SET unread_count = 0, updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return translateErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConversationFilter narrows List results. Zero values mean no filter.
type ConversationFilter struct {
	Participant string
	ChannelType model.ChannelType
	Status      model.ConversationStatus
	Limit       int
	Offset      int
}

func (r *ConversationRepo) List(ctx context.Context, q sqlx.QueryerContext, f ConversationFilter) ([]model.Conversation, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	where := " WHERE 1=1"
	args := []any{}
	if f.Participant != "" {
		args = append(args, f.Participant)
		idx := itoa(len(args))
		where += " AND (participant_a = $" + idx + " OR participant_b = $" + idx + ")"
	}
	if f.ChannelType != "" {
		args = append(args, f.ChannelType)
		where += " AND channel_type = $" + itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += " AND status = $" + itoa(len(args))
	}

	var total int
	if err := sqlx.GetContext(ctx, q, &total, "SELECT count(*) FROM conversations"+where, args...); err != nil {
		return nil, 0, translateErr(err)
	}

	args = append(args, f.Limit, f.Offset)
	query := "SELECT " + conversationColumns + " FROM conversations" + where +
		" ORDER BY last_message_at DESC NULLS LAST LIMIT $" + itoa(len(args)-1) + " OFFSET $" + itoa(len(args))

	var convs []model.Conversation
	if err := sqlx.SelectContext(ctx, q, &convs, query, args...); err != nil {
		return nil, 0, translateErr(err)
	}
	return convs, total, nil
}

// Search matches participants, titles, and message bodies.
func (r *ConversationRepo) Search(ctx context.Context, q sqlx.QueryerContext, term string, limit int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + term + "%"

	var convs []model.Conversation
	err := sqlx.SelectContext(ctx, q, &convs, `
		SELECT DISTINCT `+conversationColumns+`
		FROM conversations
		WHERE participant_a ILIKE $1
		   OR participant_b ILIKE $1
		   OR title ILIKE $1
		   OR id IN (SELECT conversation_id FROM messages WHERE body ILIKE $1)
		LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	return convs, nil
}

func (r *ConversationRepo) Stats(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*model.ConversationStats, error) {
	var s model.ConversationStats
	err := sqlx.GetContext(ctx, q, &s, `
		SELECT
			count(*) AS total_messages,
			count(*) FILTER (WHERE direction = 'inbound') AS inbound_messages,
			count(*) FILTER (WHERE direction = 'outbound') AS outbound_messages,
			count(*) FILTER (WHERE status = 'failed') AS failed_messages,
			coalesce(avg(extract(epoch FROM sent_at - created_at)), 0) AS avg_send_seconds
		FROM messages
		WHERE conversation_id = $1
	`, id)
	if err != nil {
		return nil, translateErr(err)
	}
	return &s, nil
}

func (r *ConversationRepo) Delete(ctx context.Context, q sqlx.ExtContext, id uuid.UUID) error {
	_, err := q.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	return translateErr(err)
}
