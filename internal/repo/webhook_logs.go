package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hatchpoint/messaging/internal/model"
)

type WebhookLogRepo struct{}

func (r *WebhookLogRepo) Create(ctx context.Context, q sqlx.ExtContext, l *model.WebhookLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	l.CreatedAt = time.Now().UTC()

	_, err := q.ExecContext(ctx, `
		INSERT INTO webhook_logs (
			id, provider, webhook_id, endpoint, method, headers, body,
			processed, processed_at, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		l.ID, l.Provider, l.WebhookID, l.Endpoint, l.Method, l.Headers, l.Body,
		l.Processed, l.ProcessedAt, l.ErrorMessage, l.CreatedAt,
	)
	return translateErr(err)
}

func (r *WebhookLogRepo) GetByID(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*model.WebhookLog, error) {
	var l model.WebhookLog
	err := sqlx.GetContext(ctx, q, &l, `
		SELECT id, provider, webhook_id, endpoint, method, headers, body,
		       processed, processed_at, error_message, created_at
		FROM webhook_logs
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, translateErr(err)
	}
	return &l, nil
}

func (r *WebhookLogRepo) MarkProcessed(ctx context.Context, q sqlx.ExtContext, id uuid.UUID) error {
	_, err := q.ExecContext(ctx, `
		UPDATE webhook_logs SET processed = true, processed_at = now() WHERE id = $1
	`, id)
	return translateErr(err)
}

func (r *WebhookLogRepo) MarkError(ctx context.Context, q sqlx.ExtContext, id uuid.UUID, msg string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE webhook_logs SET error_message = $2 WHERE id = $1
	`, id, msg)
	return translateErr(err)
}
