package model

import (
	"time"

	"github.com/google/uuid"
)

// WebhookLog is an append-only audit record of every raw webhook call.
// It is never consulted for dedup; that lives in the fast-path cache key.
type WebhookLog struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Provider     Provider   `db:"provider" json:"provider"`
	WebhookID    *string    `db:"webhook_id" json:"webhook_id,omitempty"`
	Endpoint     string     `db:"endpoint" json:"endpoint"`
	Method       string     `db:"method" json:"method"`
	Headers      Metadata   `db:"headers" json:"headers"`
	Body         Metadata   `db:"body" json:"body"`
	Processed    bool       `db:"processed" json:"processed"`
	ProcessedAt  *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}
