// Package provider defines the adapter contract for external message
// providers and supplies the concrete SMS/MMS and email adapters.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hatchpoint/messaging/internal/model"
)

// OutboundMessage is the provider-facing view of a message to send.
type OutboundMessage struct {
	From        string
	To          string
	ChannelType model.ChannelType
	Body        string
	Attachments []string
}

// SendResult is the provider's acknowledgement of an accepted message.
type SendResult struct {
	ProviderMessageID string
	Status            string
	Cost              decimal.Decimal
	Timestamp         time.Time
}

// Webhook is the canonical normalized payload. It is the sole input to
// reconciliation, so provider quirks stop here.
type Webhook struct {
	Provider          model.Provider
	ProviderMessageID string
	From              string
	To                string
	ChannelType       model.ChannelType
	Body              string
	Attachments       []string
	Direction         model.Direction
	Status            string
	Timestamp         time.Time
}

// Provider is the capability set every adapter implements. ValidateWebhook
// must authenticate the payload before any side effect happens downstream.
type Provider interface {
	Name() model.Provider
	Send(ctx context.Context, msg OutboundMessage) (SendResult, error)
	Status(ctx context.Context, providerMessageID string) (string, error)
	ValidateWebhook(headers map[string]string, body []byte) bool
	NormalizeWebhook(body map[string]any) (Webhook, error)
	HealthCheck(ctx context.Context) bool
}

// RateLimitError reports a provider 429. RetryAfter carries the provider's
// hint, which dominates the local backoff schedule.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
}

// ServerError reports a provider 5xx.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("provider server error: status %d", e.StatusCode)
}

// FailureClass buckets provider errors for the retry policy.
type FailureClass string

const (
	FailureRateLimited FailureClass = "rate_limited"
	FailureServerError FailureClass = "server_error"
	FailureUnknown     FailureClass = "unknown"
)

func Classify(err error) FailureClass {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return FailureRateLimited
	}
	var se *ServerError
	if errors.As(err, &se) {
		return FailureServerError
	}
	return FailureUnknown
}

// RetryAfterHint extracts the provider-supplied retry hint, zero if none.
func RetryAfterHint(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
