// Package repo implements relational persistence for conversations,
// messages, lifecycle events, and webhook logs on Postgres.
//
// Repository methods take an explicit sqlx.ExtContext so callers choose
// whether an operation runs on the pool or inside a transaction. Deletes are
// explicit multi-statement transactions; nothing relies on implicit cascade.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique constraint is violated,
	// notably (provider, provider_message_id).
	ErrDuplicate = errors.New("duplicate row")
)

const uniqueViolation = "23505"

type Store struct {
	db *sqlx.DB

	Conversations *ConversationRepo
	Messages      *MessageRepo
	Events        *EventRepo
	WebhookLogs   *WebhookLogRepo
}

func Open(url string) (*Store, error) {
	db, err := sqlx.Connect("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(db), nil
}

func New(db *sqlx.DB) *Store {
	return &Store{
		db:            db,
		Conversations: &ConversationRepo{},
		Messages:      &MessageRepo{},
		Events:        &EventRepo{},
		WebhookLogs:   &WebhookLogRepo{},
	}
}

// DB exposes the pool for single-statement operations.
func (s *Store) DB() *sqlx.DB { return s.db }

// WithTx runs fn in a transaction, rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// translateErr maps driver errors onto the repo sentinels.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
