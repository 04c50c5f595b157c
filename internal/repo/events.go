package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hatchpoint/messaging/internal/model"
)

// EventRepo is append-only. Events are never updated; they are deleted only
// as part of the explicit conversation cascade.
type EventRepo struct{}

func (r *EventRepo) Append(ctx context.Context, q sqlx.ExtContext, messageID uuid.UUID, eventType model.EventType, data model.Metadata) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO message_events (id, message_id, event_type, event_data, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), messageID, eventType, data, time.Now().UTC())
	return translateErr(err)
}

func (r *EventRepo) ListByMessage(ctx context.Context, q sqlx.QueryerContext, messageID uuid.UUID) ([]model.MessageEvent, error) {
	var events []model.MessageEvent
	err := sqlx.SelectContext(ctx, q, &events, `
		SELECT id, message_id, event_type, event_data, created_at
		FROM message_events
		WHERE message_id = $1
		ORDER BY created_at ASC
	`, messageID)
	if err != nil {
		return nil, translateErr(err)
	}
	return events, nil
}

// DeleteByConversation removes the events of every message in a
// conversation. Runs first in the explicit delete cascade.
func (r *EventRepo) DeleteByConversation(ctx context.Context, q sqlx.ExtContext, conversationID uuid.UUID) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM message_events
		WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = $1)
	`, conversationID)
	return translateErr(err)
}
