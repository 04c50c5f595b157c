package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ChannelType string

const (
	ChannelSMS   ChannelType = "sms"
	ChannelMMS   ChannelType = "mms"
	ChannelEmail ChannelType = "email"
)

func (c ChannelType) Valid() bool {
	switch c {
	case ChannelSMS, ChannelMMS, ChannelEmail:
		return true
	}
	return false
}

// InferChannelType resolves the channel for a message. An explicit channel
// wins; otherwise the address shape decides: an "@" means email, attachments
// without an explicit type mean MMS, everything else is SMS.
func InferChannelType(explicit ChannelType, to string, attachments []string) ChannelType {
	if explicit != "" {
		return explicit
	}
	if strings.Contains(to, "@") {
		return ChannelEmail
	}
	if len(attachments) > 0 {
		return ChannelMMS
	}
	return ChannelSMS
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusQueued    MessageStatus = "queued"
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
	StatusRetry     MessageStatus = "retry"
)

// statusTransitions encodes the outbound lifecycle. RETRY loops back to
// SENDING; FAILED and RETRY re-enter PENDING only via a manual reset.
var statusTransitions = map[MessageStatus][]MessageStatus{
	StatusPending: {StatusQueued, StatusSending, StatusFailed},
	StatusQueued:  {StatusSending, StatusFailed},
	StatusSending: {StatusSent, StatusRetry, StatusFailed},
	StatusRetry:   {StatusSending, StatusFailed, StatusPending},
	StatusSent:    {StatusDelivered, StatusFailed},
	StatusFailed:  {StatusPending},
}

func CanTransition(from, to MessageStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s MessageStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

type Provider string

const (
	ProviderTwilio   Provider = "twilio"
	ProviderSendGrid Provider = "sendgrid"
	ProviderInternal Provider = "internal"
	ProviderMock     Provider = "mock"
)

type EventType string

const (
	EventCreated         EventType = "created"
	EventQueued          EventType = "queued"
	EventSent            EventType = "sent"
	EventDelivered       EventType = "delivered"
	EventFailed          EventType = "failed"
	EventRetry           EventType = "retry"
	EventWebhookReceived EventType = "webhook_received"
)

type Message struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	ConversationID  uuid.UUID  `db:"conversation_id" json:"conversation_id"`
	ParentMessageID *uuid.UUID `db:"parent_message_id" json:"parent_message_id,omitempty"`

	Provider          Provider `db:"provider" json:"provider"`
	ProviderMessageID *string  `db:"provider_message_id" json:"provider_message_id,omitempty"`

	Direction   Direction     `db:"direction" json:"direction"`
	Status      MessageStatus `db:"status" json:"status"`
	ChannelType ChannelType   `db:"channel_type" json:"channel_type"`

	Body        *string     `db:"body" json:"body,omitempty"`
	Attachments Attachments `db:"attachments" json:"attachments"`

	FromAddress string `db:"from_address" json:"from_address"`
	ToAddress   string `db:"to_address" json:"to_address"`

	RetryCount int        `db:"retry_count" json:"retry_count"`
	MaxRetries int        `db:"max_retries" json:"max_retries"`
	RetryAfter *time.Time `db:"retry_after" json:"retry_after,omitempty"`

	SentAt       *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt  *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	FailedAt     *time.Time `db:"failed_at" json:"failed_at,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`

	Cost     decimal.Decimal `db:"cost" json:"cost"`
	Metadata Metadata        `db:"metadata" json:"metadata"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	// Events is populated only when relationships are requested on a read.
	Events []MessageEvent `db:"-" json:"events,omitempty"`
}

type MessageEvent struct {
	ID        uuid.UUID `db:"id" json:"id"`
	MessageID uuid.UUID `db:"message_id" json:"message_id"`
	EventType EventType `db:"event_type" json:"event_type"`
	EventData Metadata  `db:"event_data" json:"event_data"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
