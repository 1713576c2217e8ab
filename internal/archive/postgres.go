// Package archive persists completed conversation turns to PostgreSQL.
//
// Archiving is best-effort: the live session reads its history from the
// in-memory conversation store, and a failed archive write degrades to a log
// line rather than failing the turn.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxloop/voxloop/internal/conversation"
)

// Schema is the SQL DDL for the conversation_turns table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    role        TEXT NOT NULL,
    content     TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_conversation_turns_session ON conversation_turns(session_id, created_at);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store archives conversation turns in PostgreSQL.
type Store struct {
	db     DB
	logger *slog.Logger
}

// New creates a [Store] over the given database connection or pool. The
// caller is responsible for calling [Store.Migrate] to ensure the schema
// exists before issuing queries.
func New(db DB) *Store {
	return &Store{db: db, logger: slog.Default()}
}

// Connect opens a pgx connection pool for the given DSN and returns a Store
// over it, along with the pool itself so the caller can close it on shutdown.
func Connect(ctx context.Context, dsn string) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("archive: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("archive: ping: %w", err)
	}
	return New(pool), pool, nil
}

// Migrate executes the [Schema] DDL against the database, creating the
// conversation_turns table and index if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// SaveTurn inserts one turn for the given session. Re-archiving a turn with
// the same ID is a no-op, so retries after a delivery failure are safe.
func (s *Store) SaveTurn(ctx context.Context, sessionID string, turn conversation.Turn) error {
	const query = `
		INSERT INTO conversation_turns (id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.Exec(ctx, query,
		turn.ID, sessionID, string(turn.Role), turn.Content, turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("archive: save turn %q: %w", turn.ID, err)
	}
	return nil
}

// Recent returns up to limit turns for the session, oldest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]conversation.Turn, error) {
	const query = `
		SELECT id, role, content, created_at FROM (
			SELECT id, role, content, created_at
			FROM conversation_turns
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) latest
		ORDER BY created_at ASC`

	rows, err := s.db.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	defer rows.Close()

	var turns []conversation.Turn
	for rows.Next() {
		var (
			t    conversation.Turn
			role string
		)
		if err := rows.Scan(&t.ID, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("archive: recent scan: %w", err)
		}
		t.Role = conversation.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: recent: %w", err)
	}
	return turns, nil
}

// Ping verifies that the archive is reachable. Suited as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("archive: ping: %w", err)
	}
	return nil
}

// archiveTimeout bounds a single best-effort archive write.
const archiveTimeout = 5 * time.Second

// TurnHook returns a session turn hook that archives every appended turn in
// the background. Write failures are logged and dropped.
func (s *Store) TurnHook(sessionID string) func(conversation.Turn) {
	return func(turn conversation.Turn) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			defer cancel()

			if err := s.SaveTurn(ctx, sessionID, turn); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("turn archive failed",
					"session_id", sessionID,
					"turn_id", turn.ID,
					"error", err,
				)
			}
		}()
	}
}
