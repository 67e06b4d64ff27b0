package repository

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

type retryRepository struct {
	db *DB
}

// NewRetryRepository creates a SQL-backed retry budget store. User tokens are
// never stored; rows are keyed by their BLAKE2b digest.
func NewRetryRepository(db *DB) RetryRepository {
	return &retryRepository{db: db}
}

// HashToken returns the storage key for a user token.
func HashToken(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (r *retryRepository) GetRetryState(ctx context.Context, userToken string) (*RetryState, error) {
	var state RetryState
	err := r.db.conn.QueryRowContext(ctx, r.db.rebind(
		`SELECT user_key, remaining, updated_at FROM retry_states WHERE user_key = ?`),
		HashToken(userToken)).Scan(&state.UserKey, &state.Remaining, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRetryStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get retry state: %w", err)
	}
	return &state, nil
}

func (r *retryRepository) SaveRetryState(ctx context.Context, userToken string, remaining int) error {
	_, err := r.db.conn.ExecContext(ctx, r.db.rebind(`
		INSERT INTO retry_states (user_key, remaining, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_key) DO UPDATE SET remaining = excluded.remaining, updated_at = excluded.updated_at`),
		HashToken(userToken), remaining, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save retry state: %w", err)
	}
	return nil
}
