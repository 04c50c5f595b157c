package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hatchpoint/messaging/internal/model"
)

// Mock is an in-memory adapter with injectable failures, used by tests and
// by local runs without provider credentials. Failures are consumed in
// order; once drained, sends succeed.
type Mock struct {
	mu       sync.Mutex
	seq      int
	failures []error
	sent     []OutboundMessage
	secret   string
	healthy  bool
}

func NewMock(webhookSecret string) *Mock {
	return &Mock{secret: webhookSecret, healthy: true}
}

// FailNext queues errors returned by subsequent Send calls, one per call.
func (p *Mock) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
}

func (p *Mock) SetHealthy(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = ok
}

// Sent returns a copy of every accepted message.
func (p *Mock) Sent() []OutboundMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OutboundMessage, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *Mock) Name() model.Provider { return model.ProviderMock }

func (p *Mock) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return SendResult{}, err
	}

	p.seq++
	p.sent = append(p.sent, msg)
	return SendResult{
		ProviderMessageID: fmt.Sprintf("mock_%d", p.seq),
		Status:            "sent",
		Cost:              decimal.NewFromFloat(0.01),
		Timestamp:         time.Now().UTC(),
	}, nil
}

func (p *Mock) Status(ctx context.Context, providerMessageID string) (string, error) {
	return "delivered", nil
}

func (p *Mock) ValidateWebhook(headers map[string]string, body []byte) bool {
	return validSignature(p.secret, body, headers["X-Mock-Signature"])
}

func (p *Mock) NormalizeWebhook(body map[string]any) (Webhook, error) {
	channel := model.ChannelType(stringField(body, "type"))
	if !channel.Valid() {
		channel = model.ChannelSMS
	}
	return Webhook{
		Provider:          model.ProviderMock,
		ProviderMessageID: stringField(body, "message_id"),
		From:              stringField(body, "from"),
		To:                stringField(body, "to"),
		ChannelType:       channel,
		Body:              stringField(body, "body"),
		Attachments:       stringsField(body, "attachments"),
		Direction:         model.Direction(direction(body)),
		Status:            stringField(body, "status"),
		Timestamp:         timeField(body, "timestamp"),
	}, nil
}

func (p *Mock) HealthCheck(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}
