// Package postgres is a PostgreSQL [transcript.Store].
package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/nexuslive/pkg/transcript"
)

// Schema creates the transcript table. Apply it with [Store.Migrate].
const Schema = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id              BIGSERIAL    PRIMARY KEY,
    conversation_id TEXT         NOT NULL,
    role            TEXT         NOT NULL,
    text            TEXT         NOT NULL,
    spoken_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_conversation
    ON transcript_entries (conversation_id, id);
`

// DB is the subset of pgx used by [Store]. *pgxpool.Pool and *pgx.Conn
// satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists transcript entries in PostgreSQL.
type Store struct {
	db    DB
	close func()
	ping  func(context.Context) error
}

var _ transcript.Store = (*Store)(nil)

// New wraps an existing connection or pool. The caller owns db.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open connects a pool to dsn, verifies it, and applies [Schema].
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript/postgres: ping: %w", err)
	}
	s := &Store{db: pool, close: pool.Close, ping: pool.Ping}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("transcript/postgres: migrate: %w", err)
	}
	return nil
}

// Ping checks the pool opened by [Open]. Stores built with [New] always
// report healthy.
func (s *Store) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

// Close releases the pool opened by [Open].
func (s *Store) Close() {
	if s.close != nil {
		s.close()
	}
}

// WriteEntry implements [transcript.Store]. A zero At is stored as now().
func (s *Store) WriteEntry(ctx context.Context, conversationID string, e transcript.Entry) error {
	if conversationID == "" {
		return transcript.ErrEmptyConversation
	}
	var at *time.Time
	if !e.At.IsZero() {
		at = &e.At
	}
	const q = `
		INSERT INTO transcript_entries (conversation_id, role, text, spoken_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))`
	if _, err := s.db.Exec(ctx, q, conversationID, e.Role, e.Text, at); err != nil {
		return fmt.Errorf("transcript/postgres: write entry: %w", err)
	}
	return nil
}

// History implements [transcript.Store].
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]transcript.Entry, error) {
	if conversationID == "" {
		return nil, transcript.ErrEmptyConversation
	}
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(ctx, `
			SELECT role, text, spoken_at FROM transcript_entries
			WHERE conversation_id = $1
			ORDER BY id DESC
			LIMIT $2`, conversationID, limit)
	} else {
		rows, err = s.db.Query(ctx, `
			SELECT role, text, spoken_at FROM transcript_entries
			WHERE conversation_id = $1
			ORDER BY id DESC`, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("transcript/postgres: history: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var e transcript.Entry
		err := row.Scan(&e.Role, &e.Text, &e.At)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("transcript/postgres: scan history: %w", err)
	}
	slices.Reverse(entries)
	return entries, nil
}
