package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps entries in the inbox table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a new PostgreSQL store
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var _ Store = (*PGStore)(nil)

func (s *PGStore) Get(ctx context.Context, key string) (*Entry, error) {
	e := &Entry{}
	err := s.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, request_hash, result,
		       created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1 AND expires_at > NOW()
	`, key).Scan(&e.Key, &e.Handler, &e.Status, &e.RequestHash, &e.Result,
		&e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inbox entry: %w", err)
	}
	return e, nil
}

// Claim also replaces an expired row under the same key.
func (s *PGStore) Claim(ctx context.Context, e *Entry) (bool, error) {
	var key string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, request_hash, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET handler_name = EXCLUDED.handler_name, status = EXCLUDED.status,
		    request_hash = EXCLUDED.request_hash, result = NULL,
		    updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at
		WHERE inbox.status = 'RECOVERABLE' OR inbox.expires_at <= NOW()
		RETURNING idempotency_key
	`, e.Key, e.Handler, e.Status, e.RequestHash, e.CreatedAt, e.ExpiresAt).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim inbox entry: %w", err)
	}
	return true, nil
}

func (s *PGStore) Finish(ctx context.Context, key string, result json.RawMessage, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE inbox SET status = $2, result = $3, updated_at = $4
		WHERE idempotency_key = $1`, key, StatusFinished, result, at)
	if err != nil {
		return fmt.Errorf("finish inbox entry: %w", err)
	}
	return nil
}

func (s *PGStore) MarkRecoverable(ctx context.Context, key string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE inbox SET status = $2, updated_at = $3
		WHERE idempotency_key = $1`, key, StatusRecoverable, at)
	if err != nil {
		return fmt.Errorf("mark inbox entry recoverable: %w", err)
	}
	return nil
}

func (s *PGStore) Release(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM inbox WHERE idempotency_key = $1`, key); err != nil {
		return fmt.Errorf("release inbox entry: %w", err)
	}
	return nil
}

func (s *PGStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired inbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
