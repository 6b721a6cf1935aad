package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRegistry persists session lifecycle records in PostgreSQL.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresRegistry(ctx context.Context, databaseURL string) (*PostgresRegistry, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresRegistry{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_sessions (
			session_id TEXT PRIMARY KEY,
			issued_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			language_hint TEXT NOT NULL DEFAULT '',
			model_hint TEXT NOT NULL DEFAULT '',
			closed_at TIMESTAMPTZ,
			close_reason TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_sessions_expires ON relay_sessions (expires_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (r *PostgresRegistry) RecordCreated(ctx context.Context, rec Record) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO relay_sessions (session_id, issued_at, expires_at, language_hint, model_hint)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID,
		rec.IssuedAt,
		rec.ExpiresAt,
		rec.LanguageHint,
		rec.ModelHint,
	)
	if err != nil {
		return fmt.Errorf("record session created: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) RecordClosed(ctx context.Context, sessionID, reason string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE relay_sessions SET closed_at = $2, close_reason = $3
		 WHERE session_id = $1 AND closed_at IS NULL`,
		sessionID,
		time.Now().UTC(),
		reason,
	)
	if err != nil {
		return fmt.Errorf("record session closed: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Close() error {
	r.pool.Close()
	return nil
}
