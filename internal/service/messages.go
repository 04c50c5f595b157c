package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/hatchpoint/messaging/internal/cache"
	"github.com/hatchpoint/messaging/internal/model"
	"github.com/hatchpoint/messaging/internal/provider"
	"github.com/hatchpoint/messaging/internal/queue"
	"github.com/hatchpoint/messaging/internal/repo"
)

var (
	// ErrValidation marks a rejected request; handlers map it to 400.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition marks a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type MessagesConfig struct {
	RetryDelay     time.Duration
	MaxRetries     int
	CacheTTL       time.Duration
	SyncProcessing bool
}

// Messages drives the outbound lifecycle and inbound creation.
type Messages struct {
	d   Deps
	cfg MessagesConfig
}

func NewMessages(d Deps, cfg MessagesConfig) *Messages {
	return &Messages{d: d, cfg: cfg}
}

type SendRequest struct {
	From        string            `json:"from"`
	To          string            `json:"to"`
	ChannelType model.ChannelType `json:"type"`
	Body        string            `json:"body"`
	Attachments []string          `json:"attachments"`
	Metadata    model.Metadata    `json:"metadata"`
}

func validateSend(req SendRequest) (model.ChannelType, error) {
	if req.From == "" {
		return "", fmt.Errorf("%w: from is required", ErrValidation)
	}
	if req.To == "" {
		return "", fmt.Errorf("%w: to is required", ErrValidation)
	}
	if req.Body == "" && len(req.Attachments) == 0 {
		return "", fmt.Errorf("%w: body or attachments required", ErrValidation)
	}

	channel := model.InferChannelType(req.ChannelType, req.To, req.Attachments)
	if !channel.Valid() {
		return "", fmt.Errorf("%w: unknown channel type %q", ErrValidation, req.ChannelType)
	}
	switch channel {
	case model.ChannelEmail:
		if !strings.Contains(req.To, "@") {
			return "", fmt.Errorf("%w: %q is not an email address", ErrValidation, req.To)
		}
	case model.ChannelSMS, model.ChannelMMS:
		if !strings.HasPrefix(req.To, "+") {
			return "", fmt.Errorf("%w: %q is not an E.164 phone number", ErrValidation, req.To)
		}
	}
	return channel, nil
}

// Send validates the request, creates the PENDING message inside its direct
// conversation, and hands it to the delivery queue. Conversation counters are
// not touched here; they move when delivery succeeds.
func (s *Messages) Send(ctx context.Context, req SendRequest) (*model.Message, error) {
	channel, err := validateSend(req)
	if err != nil {
		return nil, err
	}

	p, err := s.d.Providers.ForChannel(channel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if req.Metadata == nil {
		req.Metadata = model.Metadata{}
	}

	msg := &model.Message{
		Provider:    p.Name(),
		Direction:   model.DirectionOutbound,
		Status:      model.StatusPending,
		ChannelType: channel,
		Attachments: model.Attachments(req.Attachments),
		FromAddress: req.From,
		ToAddress:   req.To,
		MaxRetries:  s.cfg.MaxRetries,
		Cost:        decimal.Zero,
		Metadata:    req.Metadata,
	}
	if req.Body != "" {
		msg.Body = &req.Body
	}

	err = s.d.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		conv, err := s.getOrCreateDirect(ctx, tx, req.From, req.To, channel)
		if err != nil {
			return err
		}
		msg.ConversationID = conv.ID

		if err := s.d.Messages.Create(ctx, tx, msg); err != nil {
			return err
		}
		return s.d.Events.Append(ctx, tx, msg.ID, model.EventCreated, model.Metadata{
			"channel_type": string(channel),
			"provider":     string(msg.Provider),
		})
	})
	if err != nil {
		return nil, err
	}

	if err := s.enqueueForDelivery(ctx, msg); err != nil {
		slog.Error("message created but not queued", "message_id", msg.ID, "error", err)
		return nil, err
	}
	s.invalidateConversation(ctx, msg.ConversationID)

	slog.Info("message queued",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"channel_type", channel)

	if s.cfg.SyncProcessing {
		if err := s.Deliver(ctx, msg.ID); err != nil {
			return nil, err
		}
		return s.d.Messages.GetByID(ctx, s.d.DB.DB(), msg.ID)
	}
	return msg, nil
}

// Deliver takes one message through a single provider attempt. It is the
// only path that talks to providers, whether driven by a worker, the retry
// scanner, or the synchronous send mode.
func (s *Messages) Deliver(ctx context.Context, id uuid.UUID) error {
	msg, err := s.d.Messages.GetByID(ctx, s.d.DB.DB(), id)
	if err != nil {
		return err
	}

	if msg.Direction != model.DirectionOutbound {
		return nil
	}
	if msg.Status.Terminal() {
		slog.Info("delivery skipped, message already terminal", "message_id", id, "status", msg.Status)
		return nil
	}

	if msg.RetryCount >= msg.MaxRetries {
		return s.failMessage(ctx, msg, "retry limit exceeded")
	}

	p, err := s.d.Providers.ForChannel(msg.ChannelType)
	if err != nil {
		return s.failMessage(ctx, msg, err.Error())
	}

	if !model.CanTransition(msg.Status, model.StatusSending) {
		slog.Warn("delivery skipped, message not in a deliverable state", "message_id", id, "status", msg.Status)
		return nil
	}
	msg.Status = model.StatusSending
	if err := s.d.Messages.Update(ctx, s.d.DB.DB(), msg); err != nil {
		return err
	}
	s.invalidateMessage(ctx, msg.ID)

	out := provider.OutboundMessage{
		From:        msg.FromAddress,
		To:          msg.ToAddress,
		ChannelType: msg.ChannelType,
		Attachments: msg.Attachments,
	}
	if msg.Body != nil {
		out.Body = *msg.Body
	}

	res, err := p.Send(ctx, out)
	if err != nil {
		return s.scheduleRetry(ctx, msg, err)
	}
	return s.markSent(ctx, msg, res)
}

func (s *Messages) markSent(ctx context.Context, msg *model.Message, res provider.SendResult) error {
	sentAt := res.Timestamp
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}

	msg.Status = model.StatusSent
	msg.SentAt = &sentAt
	msg.Cost = res.Cost
	if res.ProviderMessageID != "" {
		id := res.ProviderMessageID
		msg.ProviderMessageID = &id
	}

	err := s.d.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.d.Messages.Update(ctx, tx, msg); err != nil {
			return err
		}
		if err := s.d.Events.Append(ctx, tx, msg.ID, model.EventSent, model.Metadata{
			"provider_message_id": res.ProviderMessageID,
			"provider_status":     res.Status,
		}); err != nil {
			return err
		}
		return s.d.Conversations.BumpOnMessage(ctx, tx, msg.ConversationID, sentAt, 0)
	})
	if err != nil {
		return err
	}

	s.invalidateMessage(ctx, msg.ID)
	s.invalidateConversation(ctx, msg.ConversationID)

	slog.Info("message sent",
		"message_id", msg.ID,
		"provider", msg.Provider,
		"provider_message_id", res.ProviderMessageID)
	return nil
}

// scheduleRetry classifies the provider failure and computes the backoff.
// The base delay grows linearly with the attempt count; a provider
// rate-limit hint dominates when it is longer than the doubled base.
func (s *Messages) scheduleRetry(ctx context.Context, msg *model.Message, sendErr error) error {
	class := provider.Classify(sendErr)
	base := s.cfg.RetryDelay * time.Duration(msg.RetryCount)

	var delay time.Duration
	switch class {
	case provider.FailureRateLimited:
		delay = base * 2
		if hint := provider.RetryAfterHint(sendErr); hint > delay {
			delay = hint
		}
	case provider.FailureServerError:
		delay = base + base/2
	default:
		delay = base
	}

	now := time.Now().UTC()
	retryAfter := now.Add(delay)
	errMsg := sendErr.Error()

	msg.RetryCount++
	msg.Status = model.StatusRetry
	msg.RetryAfter = &retryAfter
	msg.ErrorMessage = &errMsg

	err := s.d.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.d.Messages.Update(ctx, tx, msg); err != nil {
			return err
		}
		return s.d.Events.Append(ctx, tx, msg.ID, model.EventRetry, model.Metadata{
			"failure_class": string(class),
			"delay_seconds": delay.Seconds(),
			"retry_count":   msg.RetryCount,
		})
	})
	if err != nil {
		return err
	}

	s.invalidateMessage(ctx, msg.ID)

	slog.Warn("delivery failed, retry scheduled",
		"message_id", msg.ID,
		"failure_class", class,
		"retry_count", msg.RetryCount,
		"retry_after", retryAfter,
		"error", errMsg)
	return nil
}

func (s *Messages) failMessage(ctx context.Context, msg *model.Message, reason string) error {
	now := time.Now().UTC()
	msg.Status = model.StatusFailed
	msg.FailedAt = &now
	msg.ErrorMessage = &reason

	err := s.d.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.d.Messages.Update(ctx, tx, msg); err != nil {
			return err
		}
		return s.d.Events.Append(ctx, tx, msg.ID, model.EventFailed, model.Metadata{"reason": reason})
	})
	if err != nil {
		return err
	}

	s.invalidateMessage(ctx, msg.ID)

	slog.Error("message failed permanently",
		"message_id", msg.ID,
		"retry_count", msg.RetryCount,
		"reason", reason)
	return nil
}

// UpdateStatus is the shared manual/webhook status entry point. It reports
// false when the lifecycle forbids the transition.
func (s *Messages) UpdateStatus(ctx context.Context, id uuid.UUID, status model.MessageStatus, meta model.Metadata) (bool, error) {
	msg, err := s.d.Messages.GetByID(ctx, s.d.DB.DB(), id)
	if err != nil {
		return false, err
	}
	if !model.CanTransition(msg.Status, status) {
		return false, nil
	}

	now := time.Now().UTC()
	msg.Status = status
	switch status {
	case model.StatusSent:
		msg.SentAt = &now
	case model.StatusDelivered:
		msg.DeliveredAt = &now
	case model.StatusFailed:
		msg.FailedAt = &now
	}

	err = s.d.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.d.Messages.Update(ctx, tx, msg); err != nil {
			return err
		}
		if et, ok := eventForStatus(status); ok {
			return s.d.Events.Append(ctx, tx, msg.ID, et, meta)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	s.invalidateMessage(ctx, msg.ID)
	return true, nil
}

func eventForStatus(status model.MessageStatus) (model.EventType, bool) {
	switch status {
	case model.StatusQueued:
		return model.EventQueued, true
	case model.StatusSent:
		return model.EventSent, true
	case model.StatusDelivered:
		return model.EventDelivered, true
	case model.StatusFailed:
		return model.EventFailed, true
	case model.StatusRetry:
		return model.EventRetry, true
	}
	return "", false
}

// Get is a cache-aside read. The cache only shortcuts the flat read: when
// events are requested the message comes from the store too, so the composite
// view never pairs fresh events with a stale snapshot. Events are never
// cached with the message.
func (s *Messages) Get(ctx context.Context, id uuid.UUID, includeEvents bool) (*model.Message, error) {
	key := cache.MessageKey(id.String())

	if !includeEvents {
		var cached model.Message
		hit, err := s.d.Cache.Get(ctx, key, &cached)
		if err != nil {
			slog.Warn("cache read failed, falling back to store", "key", key, "error", err)
		} else if hit {
			return &cached, nil
		}
	}

	fresh, err := s.d.Messages.GetByID(ctx, s.d.DB.DB(), id)
	if err != nil {
		return nil, err
	}
	msg := *fresh
	if err := s.d.Cache.Set(ctx, key, msg, s.cfg.CacheTTL); err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
	}

	if includeEvents {
		events, err := s.d.Events.ListByMessage(ctx, s.d.DB.DB(), id)
		if err != nil {
			return nil, err
		}
		msg.Events = events
	}
	return &msg, nil
}

func (s *Messages) List(ctx context.Context, f repo.MessageFilter) ([]model.Message, int, error) {
	return s.d.Messages.List(ctx, s.d.DB.DB(), f)
}

// Receive creates an inbound message from a normalized webhook. It is
// idempotent on (provider, provider_message_id): replays return the existing
// row.
func (s *Messages) Receive(ctx context.Context, wh provider.Webhook) (*model.Message, error) {
	if wh.ProviderMessageID != "" {
		existing, err := s.d.Messages.GetByProviderMessageID(ctx, s.d.DB.DB(), wh.Provider, wh.ProviderMessageID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}

	receivedAt := wh.Timestamp
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	msg := &model.Message{
		Provider:    wh.Provider,
		Direction:   model.DirectionInbound,
		Status:      model.StatusDelivered,
		ChannelType: wh.ChannelType,
		Attachments: model.Attachments(wh.Attachments),
		FromAddress: wh.From,
		ToAddress:   wh.To,
		DeliveredAt: &receivedAt,
		Cost:        decimal.Zero,
		Metadata:    model.Metadata{},
	}
	if wh.ProviderMessageID != "" {
		id := wh.ProviderMessageID
		msg.ProviderMessageID = &id
	}
	if wh.Body != "" {
		body := wh.Body
		msg.Body = &body
	}

	err := s.d.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		conv, err := s.getOrCreateDirect(ctx, tx, wh.From, wh.To, wh.ChannelType)
		if err != nil {
			return err
		}
		msg.ConversationID = conv.ID

		if err := s.d.Messages.Create(ctx, tx, msg); err != nil {
			return err
		}
		if err := s.d.Events.Append(ctx, tx, msg.ID, model.EventCreated, model.Metadata{
			"direction":           string(model.DirectionInbound),
			"provider_message_id": wh.ProviderMessageID,
		}); err != nil {
			return err
		}
		return s.d.Conversations.BumpOnMessage(ctx, tx, conv.ID, receivedAt, 1)
	})
	if errors.Is(err, repo.ErrDuplicate) {
		// Lost the unique-index race to a concurrent replay.
		return s.d.Messages.GetByProviderMessageID(ctx, s.d.DB.DB(), wh.Provider, wh.ProviderMessageID)
	}
	if err != nil {
		return nil, err
	}

	s.invalidateConversation(ctx, msg.ConversationID)

	slog.Info("inbound message stored",
		"message_id", msg.ID,
		"provider", wh.Provider,
		"provider_message_id", wh.ProviderMessageID)
	return msg, nil
}

// RetryFailed manually resets a FAILED or RETRY message to the start of the
// pipeline with a fresh retry budget.
func (s *Messages) RetryFailed(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	msg, err := s.d.Messages.GetByID(ctx, s.d.DB.DB(), id)
	if err != nil {
		return nil, err
	}
	if msg.Status != model.StatusFailed && msg.Status != model.StatusRetry {
		return nil, fmt.Errorf("%w: cannot reset message in status %s", ErrInvalidTransition, msg.Status)
	}

	msg.Status = model.StatusPending
	msg.RetryCount = 0
	msg.RetryAfter = nil
	msg.ErrorMessage = nil
	msg.FailedAt = nil

	err = s.d.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.d.Messages.Update(ctx, tx, msg); err != nil {
			return err
		}
		return s.d.Events.Append(ctx, tx, msg.ID, model.EventRetry, model.Metadata{"manual_reset": true})
	})
	if err != nil {
		return nil, err
	}

	if err := s.enqueueForDelivery(ctx, msg); err != nil {
		return nil, err
	}
	s.invalidateMessage(ctx, msg.ID)

	slog.Info("message manually reset for retry", "message_id", msg.ID)
	return msg, nil
}

// EnqueueDueRetries pushes RETRY messages whose backoff has elapsed back
// onto their delivery streams. retry_after is cleared so the next scan does
// not enqueue the same message again before a worker picks it up.
func (s *Messages) EnqueueDueRetries(ctx context.Context, limit int) (int, error) {
	due, err := s.d.Messages.ListRetryDue(ctx, s.d.DB.DB(), time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for i := range due {
		msg := &due[i]
		entry := queue.Entry{
			MessageID:   msg.ID.String(),
			RetryCount:  msg.RetryCount,
			ScheduledAt: time.Now().UTC(),
		}
		if _, err := s.d.Queue.Enqueue(ctx, queue.StreamFor(msg.ChannelType), entry); err != nil {
			slog.Error("retry enqueue failed", "message_id", msg.ID, "error", err)
			continue
		}
		msg.RetryAfter = nil
		if err := s.d.Messages.Update(ctx, s.d.DB.DB(), msg); err != nil {
			slog.Error("retry_after clear failed", "message_id", msg.ID, "error", err)
			continue
		}
		s.invalidateMessage(ctx, msg.ID)
		enqueued++
	}
	if enqueued > 0 {
		slog.Info("due retries enqueued", "count", enqueued)
	}
	return enqueued, nil
}

// enqueueForDelivery publishes the queue entry and moves the message to
// QUEUED. The row is the source of truth; the entry only carries the id.
func (s *Messages) enqueueForDelivery(ctx context.Context, msg *model.Message) error {
	stream := queue.StreamFor(msg.ChannelType)
	entry := queue.Entry{
		MessageID:   msg.ID.String(),
		RetryCount:  msg.RetryCount,
		ScheduledAt: time.Now().UTC(),
	}
	if _, err := s.d.Queue.Enqueue(ctx, stream, entry); err != nil {
		return fmt.Errorf("enqueue message %s: %w", msg.ID, err)
	}

	msg.Status = model.StatusQueued
	return s.d.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.d.Messages.Update(ctx, tx, msg); err != nil {
			return err
		}
		return s.d.Events.Append(ctx, tx, msg.ID, model.EventQueued, model.Metadata{"stream": stream})
	})
}

func (s *Messages) getOrCreateDirect(ctx context.Context, tx *sqlx.Tx, from, to string, channel model.ChannelType) (*model.Conversation, error) {
	conv, err := s.d.Conversations.FindDirect(ctx, tx, from, to, channel)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	a, b := model.NormalizeParticipants(from, to)
	conv = &model.Conversation{
		ParticipantA: &a,
		ParticipantB: &b,
		Kind:         model.KindDirect,
		ChannelType:  channel,
		Status:       model.ConversationActive,
		Metadata:     model.Metadata{},
	}
	if err := s.d.Conversations.Create(ctx, tx, conv); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return s.d.Conversations.FindDirect(ctx, tx, from, to, channel)
		}
		return nil, err
	}
	return conv, nil
}

func (s *Messages) invalidateMessage(ctx context.Context, id uuid.UUID) {
	if err := s.d.Cache.Delete(ctx, cache.MessageKey(id.String())); err != nil {
		slog.Warn("cache invalidation failed", "message_id", id, "error", err)
	}
}

func (s *Messages) invalidateConversation(ctx context.Context, id uuid.UUID) {
	if err := s.d.Cache.Delete(ctx, cache.ConversationKey(id.String())); err != nil {
		slog.Warn("cache invalidation failed", "conversation_id", id, "error", err)
	}
}
