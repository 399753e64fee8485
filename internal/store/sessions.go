package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// defaultSessionTTL bounds session-directory growth (spec.md §3: "expired by
// age to bound growth").
const defaultSessionTTL = 14 * 24 * time.Hour

// PutSession upserts the session id for a folder.
func (s *Store) PutSession(ctx context.Context, folder, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (folder, session_id) VALUES (?, ?)
			ON CONFLICT(folder) DO UPDATE SET session_id = excluded.session_id, created_at = CURRENT_TIMESTAMP
		`, folder, sessionID)
		return err
	})
}

// GetSession returns the session id for a folder.
func (s *Store) GetSession(ctx context.Context, folder string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE folder = ?`, folder).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	return sessionID, nil
}

// PruneExpiredSessions deletes sessions older than ttl (zero means the
// default) and returns the number removed.
func (s *Store) PruneExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl == 0 {
		ttl = defaultSessionTTL
	}
	cutoff := time.Now().Add(-ttl)
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
