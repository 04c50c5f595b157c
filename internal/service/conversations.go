package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hatchpoint/messaging/internal/cache"
	"github.com/hatchpoint/messaging/internal/model"
	"github.com/hatchpoint/messaging/internal/repo"
)

// Conversations manages the grouping layer above messages.
type Conversations struct {
	d        Deps
	cacheTTL time.Duration
}

func NewConversations(d Deps, cacheTTL time.Duration) *Conversations {
	return &Conversations{d: d, cacheTTL: cacheTTL}
}

// Get is a cache-aside read.
func (s *Conversations) Get(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	key := cache.ConversationKey(id.String())

	var conv model.Conversation
	hit, err := s.d.Cache.Get(ctx, key, &conv)
	if err != nil {
		slog.Warn("cache read failed, falling back to store", "key", key, "error", err)
		hit = false
	}
	if hit {
		return &conv, nil
	}

	fresh, err := s.d.Conversations.GetByID(ctx, s.d.DB.DB(), id)
	if err != nil {
		return nil, err
	}
	if err := s.d.Cache.Set(ctx, key, fresh, s.cacheTTL); err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
	}
	return fresh, nil
}

func (s *Conversations) List(ctx context.Context, f repo.ConversationFilter) ([]model.Conversation, int, error) {
	return s.d.Conversations.List(ctx, s.d.DB.DB(), f)
}

func (s *Conversations) Search(ctx context.Context, term string, limit int) ([]model.Conversation, error) {
	if term == "" {
		return nil, fmt.Errorf("%w: search term is required", ErrValidation)
	}
	return s.d.Conversations.Search(ctx, s.d.DB.DB(), term, limit)
}

func (s *Conversations) Stats(ctx context.Context, id uuid.UUID) (*model.ConversationStats, error) {
	if _, err := s.d.Conversations.GetByID(ctx, s.d.DB.DB(), id); err != nil {
		return nil, err
	}
	return s.d.Conversations.Stats(ctx, s.d.DB.DB(), id)
}

// UpdateTitle renames a thread or topic conversation.
func (s *Conversations) UpdateTitle(ctx context.Context, id uuid.UUID, title string) (*model.Conversation, error) {
	conv, err := s.d.Conversations.GetByID(ctx, s.d.DB.DB(), id)
	if err != nil {
		return nil, err
	}
	conv.Title = &title
	if err := s.d.Conversations.Update(ctx, s.d.DB.DB(), conv); err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return conv, nil
}

func (s *Conversations) MarkRead(ctx context.Context, id uuid.UUID) error {
	if err := s.d.Conversations.MarkRead(ctx, s.d.DB.DB(), id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *Conversations) Archive(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, model.ConversationArchived)
}

// Close ends a conversation permanently. A later message between the same
// participants starts a new conversation.
func (s *Conversations) Close(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, model.ConversationClosed)
}

func (s *Conversations) setStatus(ctx context.Context, id uuid.UUID, status model.ConversationStatus) error {
	if err := s.d.Conversations.SetStatus(ctx, s.d.DB.DB(), id, status); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	slog.Info("conversation status changed", "conversation_id", id, "status", status)
	return nil
}

// Merge moves every message of source into target, folds the counters in,
// and closes source. Used when the same participant pair ends up with
// parallel threads.
func (s *Conversations) Merge(ctx context.Context, source, target uuid.UUID) (*model.Conversation, error) {
	if source == target {
		return nil, fmt.Errorf("%w: cannot merge a conversation into itself", ErrValidation)
	}

	var merged *model.Conversation
	err := s.d.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		src, err := s.d.Conversations.GetByID(ctx, tx, source)
		if err != nil {
			return err
		}
		dst, err := s.d.Conversations.GetByID(ctx, tx, target)
		if err != nil {
			return err
		}

		if err := s.d.Messages.ReassignConversation(ctx, tx, source, target); err != nil {
			return err
		}

		dst.MessageCount += src.MessageCount
		dst.UnreadCount += src.UnreadCount
		if src.LastMessageAt != nil &&
			(dst.LastMessageAt == nil || src.LastMessageAt.After(*dst.LastMessageAt)) {
			dst.LastMessageAt = src.LastMessageAt
		}
		if err := s.d.Conversations.Update(ctx, tx, dst); err != nil {
			return err
		}

		if err := s.d.Conversations.SetStatus(ctx, tx, source, model.ConversationClosed); err != nil {
			return err
		}
		merged = dst
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, source)
	s.invalidate(ctx, target)

	slog.Info("conversations merged", "source", source, "target", target)
	return merged, nil
}

// Delete removes a conversation and everything under it in one transaction:
// events first, then messages, then the conversation row.
func (s *Conversations) Delete(ctx context.Context, id uuid.UUID) error {
	err := s.d.DB.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.d.Conversations.GetByID(ctx, tx, id); err != nil {
			return err
		}
		if err := s.d.Events.DeleteByConversation(ctx, tx, id); err != nil {
			return err
		}
		if err := s.d.Messages.DeleteByConversation(ctx, tx, id); err != nil {
			return err
		}
		return s.d.Conversations.Delete(ctx, tx, id)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, id)
	slog.Info("conversation deleted", "conversation_id", id)
	return nil
}

func (s *Conversations) invalidate(ctx context.Context, id uuid.UUID) {
	if err := s.d.Cache.Delete(ctx, cache.ConversationKey(id.String())); err != nil {
		slog.Warn("cache invalidation failed", "conversation_id", id, "error", err)
	}
}
