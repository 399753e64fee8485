package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetState returns the value stored under key, or ErrNotFound.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// GetStateOr returns the stored value, or def if the key is unset.
func (s *Store) GetStateOr(ctx context.Context, key, def string) string {
	v, err := s.GetState(ctx, key)
	if err != nil {
		return def
	}
	return v
}

// SetState upserts key/value, used for counters (e.g. the rotating seed
// mode), one-shot flags, and settings overrides (spec.md §3).
func (s *Store) SetState(ctx context.Context, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
		`, key, value)
		return err
	})
}

// IncrementModCounter atomically returns an integer counter's current value
// (0 on first call) and bumps it modulo m for the next call, used by the
// seed engine's rotating mode (spec.md §4.6: "rotates an integer counter
// (mod 5)", starting from seed_mode=0). Read-then-bump, not bump-then-read:
// callers consume cur, the value in effect for this firing, while next is
// persisted only for the call after this one.
func (s *Store) IncrementModCounter(ctx context.Context, key string, m int) (int, error) {
	var cur int
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		cur = 0
		row := tx.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key)
		var raw sql.NullString
		if err := row.Scan(&raw); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if raw.Valid {
			fmt.Sscanf(raw.String, "%d", &cur)
		}
		next := (cur + 1) % m
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv_store (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
		`, key, fmt.Sprintf("%d", next)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", key, err)
	}
	return cur, nil
}
