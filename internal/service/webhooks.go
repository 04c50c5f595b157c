package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hatchpoint/messaging/internal/cache"
	"github.com/hatchpoint/messaging/internal/model"
	"github.com/hatchpoint/messaging/internal/provider"
)

// Webhook processing outcomes.
const (
	ResultSuccess          = "success"
	ResultDuplicate        = "duplicate"
	ResultInvalidSignature = "invalid_signature"
	ResultMessageNotFound  = "message_not_found"
)

// Result reports what happened to one webhook call.
type Result struct {
	Status    string     `json:"status"`
	MessageID *uuid.UUID `json:"message_id,omitempty"`
	LogID     uuid.UUID  `json:"webhook_log_id"`
}

// Webhooks reconciles provider callbacks against the message store.
type Webhooks struct {
	d        Deps
	messages *Messages
	dedupTTL time.Duration
}

func NewWebhooks(d Deps, messages *Messages, dedupTTL time.Duration) *Webhooks {
	return &Webhooks{d: d, messages: messages, dedupTTL: dedupTTL}
}

// Process runs the full webhook pipeline in a fixed order: log the call
// unconditionally, dedup, authenticate, normalize, then branch on direction.
// The log row exists even for rejected calls so every delivery attempt is
// auditable.
func (s *Webhooks) Process(ctx context.Context, providerName model.Provider, headers map[string]string, body []byte) (Result, error) {
	p, err := s.d.Providers.ForName(providerName)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return Result{}, fmt.Errorf("%w: invalid webhook payload: %v", ErrValidation, err)
	}

	dedupKey := cache.WebhookDedupKey(providerName, payload)

	logRow := &model.WebhookLog{
		Provider:  providerName,
		WebhookID: &dedupKey,
		Endpoint:  "/api/v1/webhooks/" + string(providerName),
		Method:    "POST",
		Headers:   headersMetadata(headers),
		Body:      model.Metadata(payload),
	}
	if err := s.d.WebhookLogs.Create(ctx, s.d.DB.DB(), logRow); err != nil {
		return Result{}, err
	}
	res := Result{LogID: logRow.ID}

	stored, err := s.d.Cache.SetNX(ctx, dedupKey, true, s.dedupTTL)
	if err != nil {
		// Dedup store down: proceed rather than drop the webhook. The
		// (provider, provider_message_id) index still stops double inserts.
		slog.Warn("webhook dedup unavailable, processing anyway", "key", dedupKey, "error", err)
		stored = true
	}
	if !stored {
		if err := s.d.WebhookLogs.MarkProcessed(ctx, s.d.DB.DB(), logRow.ID); err != nil {
			return res, err
		}
		slog.Info("duplicate webhook ignored", "provider", providerName, "dedup_key", dedupKey)
		res.Status = ResultDuplicate
		return res, nil
	}

	if !p.ValidateWebhook(headers, body) {
		if err := s.d.WebhookLogs.MarkError(ctx, s.d.DB.DB(), logRow.ID, "invalid signature"); err != nil {
			return res, err
		}
		slog.Warn("webhook signature rejected", "provider", providerName)
		res.Status = ResultInvalidSignature
		return res, nil
	}

	wh, err := p.NormalizeWebhook(payload)
	if err != nil {
		_ = s.d.WebhookLogs.MarkError(ctx, s.d.DB.DB(), logRow.ID, err.Error())
		return res, fmt.Errorf("normalize webhook: %w", err)
	}

	if wh.Direction == model.DirectionInbound {
		msg, err := s.messages.Receive(ctx, wh)
		if err != nil {
			_ = s.d.WebhookLogs.MarkError(ctx, s.d.DB.DB(), logRow.ID, err.Error())
			return res, err
		}
		if err := s.d.WebhookLogs.MarkProcessed(ctx, s.d.DB.DB(), logRow.ID); err != nil {
			return res, err
		}
		res.Status = ResultSuccess
		res.MessageID = &msg.ID
		return res, nil
	}

	return s.reconcileOutbound(ctx, logRow.ID, wh, res)
}

// reconcileOutbound matches a status callback to the outbound message it
// reports on and applies the status through the shared transition check.
func (s *Webhooks) reconcileOutbound(ctx context.Context, logID uuid.UUID, wh provider.Webhook, res Result) (Result, error) {
	msg, err := s.lookupOutbound(ctx, wh)
	if err != nil {
		if markErr := s.d.WebhookLogs.MarkError(ctx, s.d.DB.DB(), logID, "message not found"); markErr != nil {
			return res, markErr
		}
		slog.Warn("status webhook for unknown message",
			"provider", wh.Provider,
			"provider_message_id", wh.ProviderMessageID)
		res.Status = ResultMessageNotFound
		return res, nil
	}

	if err := s.d.Events.Append(ctx, s.d.DB.DB(), msg.ID, model.EventWebhookReceived, model.Metadata{
		"provider_status": wh.Status,
	}); err != nil {
		return res, err
	}

	if status, ok := statusFromProvider(wh.Status); ok {
		applied, err := s.messages.UpdateStatus(ctx, msg.ID, status, model.Metadata{
			"source":          "webhook",
			"provider_status": wh.Status,
		})
		if err != nil {
			return res, err
		}
		if !applied {
			slog.Info("webhook status not applicable",
				"message_id", msg.ID,
				"current_status", msg.Status,
				"reported_status", status)
		}
	}

	if err := s.d.WebhookLogs.MarkProcessed(ctx, s.d.DB.DB(), logID); err != nil {
		return res, err
	}
	res.Status = ResultSuccess
	res.MessageID = &msg.ID
	return res, nil
}

// Log returns one webhook log row for auditing a delivery attempt.
func (s *Webhooks) Log(ctx context.Context, id uuid.UUID) (*model.WebhookLog, error) {
	return s.d.WebhookLogs.GetByID(ctx, s.d.DB.DB(), id)
}

func (s *Webhooks) lookupOutbound(ctx context.Context, wh provider.Webhook) (*model.Message, error) {
	if wh.ProviderMessageID == "" {
		return nil, fmt.Errorf("status webhook without provider message id")
	}
	return s.d.Messages.GetByProviderMessageID(ctx, s.d.DB.DB(), wh.Provider, wh.ProviderMessageID)
}

// statusFromProvider folds the provider status vocabularies onto the
// lifecycle. Unknown statuses are recorded as events but change nothing.
func statusFromProvider(s string) (model.MessageStatus, bool) {
	switch strings.ToLower(s) {
	case "delivered", "read", "opened", "clicked":
		return model.StatusDelivered, true
	case "sent", "processed", "accepted":
		return model.StatusSent, true
	case "failed", "undelivered", "bounce", "bounced", "dropped":
		return model.StatusFailed, true
	}
	return "", false
}

func headersMetadata(headers map[string]string) model.Metadata {
	md := make(model.Metadata, len(headers))
	for k, v := range headers {
		md[k] = v
	}
	return md
}
