package model

import (
	"time"

	"github.com/google/uuid"
)

type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindThread ConversationKind = "thread"
	KindTopic  ConversationKind = "topic"
)

type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationClosed   ConversationStatus = "closed"
)

// Conversation groups messages between a participant pair (direct) or under
// a title (thread/topic) on one channel. Direct conversations store their
// participants order-normalized so that (A, B) and (B, A) resolve to the
// same row.
type Conversation struct {
	ID            uuid.UUID          `db:"id" json:"id"`
	ParticipantA  *string            `db:"participant_a" json:"participant_a,omitempty"`
	ParticipantB  *string            `db:"participant_b" json:"participant_b,omitempty"`
	Kind          ConversationKind   `db:"kind" json:"kind"`
	ChannelType   ChannelType        `db:"channel_type" json:"channel_type"`
	Status        ConversationStatus `db:"status" json:"status"`
	Title         *string            `db:"title" json:"title,omitempty"`
	LastMessageAt *time.Time         `db:"last_message_at" json:"last_message_at,omitempty"`
	MessageCount  int                `db:"message_count" json:"message_count"`
	UnreadCount   int                `db:"unread_count" json:"unread_count"`
	Metadata      Metadata           `db:"metadata" json:"metadata"`
	CreatedAt     time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time          `db:"updated_at" json:"updated_at"`
}

// NormalizeParticipants orders a participant pair lexicographically.
func NormalizeParticipants(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// ConversationStats summarizes the messages inside one conversation.
type ConversationStats struct {
	TotalMessages    int     `db:"total_messages" json:"total_messages"`
	InboundMessages  int     `db:"inbound_messages" json:"inbound_messages"`
	OutboundMessages int     `db:"outbound_messages" json:"outbound_messages"`
	FailedMessages   int     `db:"failed_messages" json:"failed_messages"`
	AvgSendSeconds   float64 `db:"avg_send_seconds" json:"avg_send_time_seconds"`
}
