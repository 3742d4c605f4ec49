package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationPortalSessions is the DDL for the portal_sessions table. It is
// safe to execute multiple times.
const MigrationPortalSessions = `
CREATE TABLE IF NOT EXISTS portal_sessions (
    id           TEXT PRIMARY KEY,
    session_json JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_portal_sessions_expires_at
    ON portal_sessions (expires_at);
`

// pgRow represents a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the minimal database interface required by PGSessionStore.
// *pgxpool.Pool satisfies it through pgxPoolWrapper; tests pass a mock.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// PGSessionStore keeps sessions in the portal_sessions table as JSONB with
// an explicit expires_at column used for sweeping.
type PGSessionStore struct {
	db pgConn
}

func NewPGSessionStore(db pgConn) *PGSessionStore {
	return &PGSessionStore{db: db}
}

// NewPGSessionStoreFromPool is the production constructor.
func NewPGSessionStoreFromPool(pool *pgxpool.Pool) *PGSessionStore {
	return &PGSessionStore{db: &pgxPoolWrapper{pool: pool}}
}

// EnsureSchema creates the sessions table if it does not exist.
func (s *PGSessionStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, MigrationPortalSessions); err != nil {
		return fmt.Errorf("migrate portal_sessions: %w", err)
	}
	return nil
}

func (s *PGSessionStore) Save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	const query = `INSERT INTO portal_sessions (id, session_json, created_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET session_json = EXCLUDED.session_json,
                                created_at   = EXCLUDED.created_at,
                                expires_at   = EXCLUDED.expires_at`

	if _, err := s.db.Exec(ctx, query, sess.ID, data, sess.CreatedAt, sess.ExpiresAt); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PGSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	const query = `SELECT session_json FROM portal_sessions WHERE id = $1`

	var data []byte
	if err := s.db.QueryRow(ctx, query, id).Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *PGSessionStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM portal_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes every session that expired at or before now.
func (s *PGSessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := s.db.Exec(ctx, `DELETE FROM portal_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return int(n), nil
}

// isNoRows works with both pgx.ErrNoRows and the mock used in tests.
func isNoRows(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// pgxPoolWrapper adapts *pgxpool.Pool to pgConn; pool.Exec returns a
// CommandTag rather than a row count.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := w.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
