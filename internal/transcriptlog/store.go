// Package transcriptlog persists delivered transcripts in PostgreSQL, one
// row per finalized text, keyed by session ID and delivery order.
package transcriptlog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/scriberelay/internal/relay"
)

// Schema is the SQL DDL for the transcripts table. [Store.Migrate] applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS transcripts (
    session_id TEXT        NOT NULL,
    seq        INTEGER     NOT NULL,
    text       TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_transcripts_created_at ON transcripts(created_at);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Entry is one stored transcript.
type Entry struct {
	SessionID string
	Seq       int
	Text      string
	CreatedAt time.Time
}

// Store reads and writes transcripts. All methods are safe for concurrent use.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// New returns a Store on db. The caller owns db and must run
// [Store.Migrate] before writing.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open connects a pool to dsn, checks it and applies [Schema]. Close
// releases the pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcriptlog: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcriptlog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcriptlog: ping: %w", err)
	}
	s := &Store{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the transcripts table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("transcriptlog: migrate: %w", err)
	}
	return nil
}

// Append stores text as entry seq of sessionID.
func (s *Store) Append(ctx context.Context, sessionID string, seq int, text string) error {
	const q = `INSERT INTO transcripts (session_id, seq, text) VALUES ($1, $2, $3)`
	if _, err := s.db.Exec(ctx, q, sessionID, seq, text); err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("transcriptlog: entry %d of session %q already exists", seq, sessionID)
		}
		return fmt.Errorf("transcriptlog: append: %w", err)
	}
	return nil
}

// Session returns the transcripts of sessionID in delivery order.
func (s *Store) Session(ctx context.Context, sessionID string) ([]Entry, error) {
	const q = `
		SELECT session_id, seq, text, created_at
		FROM   transcripts
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcriptlog: query session: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SessionID, &e.Seq, &e.Text, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("transcriptlog: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcriptlog: rows: %w", err)
	}
	return out, nil
}

// Sink returns a [relay.Sink] appending every text of sessionID with
// increasing sequence numbers starting at 1.
func (s *Store) Sink(sessionID string) relay.Sink {
	var seq atomic.Int64
	return relay.SinkFunc(func(ctx context.Context, text string) error {
		return s.Append(ctx, sessionID, int(seq.Add(1)), text)
	})
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("transcriptlog: ping: %w", err)
	}
	return nil
}

// Close releases the pool opened by [Open]. It is a no-op for stores built
// with [New].
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// isDuplicateKeyError reports a unique violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
