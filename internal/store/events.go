package store

import (
	"context"
	"fmt"
)

const eventRetentionCap = 10000 // spec.md §3: "Capped at ~10 000 rows with oldest pruned"

// Event is a structured log record (spec.md §3).
type Event struct {
	ID        int64
	Level     string // debug, info, warn, error
	Category  string
	Message   string
	Metadata  string // JSON
	CreatedAt string
}

// LogEvent inserts an event row and prunes the table back to the retention
// cap. Errors are returned, not swallowed; callers that must never fail on a
// logging side effect (spec.md §7: "Event logging never surfaces errors")
// are expected to discard the error themselves.
func (s *Store) LogEvent(ctx context.Context, level, category, message, metadataJSON string) error {
	if metadataJSON == "" {
		metadataJSON = "{}"
	}
	return retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (level, category, message, metadata) VALUES (?, ?, ?, ?)
		`, level, category, message, metadataJSON); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM events WHERE id NOT IN (
				SELECT id FROM events ORDER BY id DESC LIMIT ?
			)
		`, eventRetentionCap); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// RecentEvents returns the most recent n events, newest first.
func (s *Store) RecentEvents(ctx context.Context, n int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, category, message, metadata, created_at
		FROM events ORDER BY id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Level, &e.Category, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
