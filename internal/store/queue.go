package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// QueueStatus is a queue entry's position in the integration pipeline
// (spec.md §4.4).
type QueueStatus string

const (
	QueueQueued        QueueStatus = "queued"
	QueueMerging       QueueStatus = "merging"
	QueueMerged        QueueStatus = "merged"
	QueueExcluded      QueueStatus = "excluded"
	QueuePendingReview QueueStatus = "pending_review"
)

const unknownRetriesCap = 5

// QueueEntry is an integration candidate (spec.md §3).
type QueueEntry struct {
	ID             int64
	TaskID         int64
	Branch         string
	RepoPath       string
	Status         QueueStatus
	Error          string
	UnknownRetries int
	PRNumber       sql.NullInt64
	QueuedAt       string
}

// Enqueue deletes any existing non-merged entry for taskID (spec.md §3:
// "enqueue deletes existing queued entries for that task before inserting")
// then inserts a new queued entry, unless a merged entry already exists for
// the task, in which case it is a no-op.
func (s *Store) Enqueue(ctx context.Context, taskID int64, branch, repoPath string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var mergedCount int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queue_entries WHERE task_id = ? AND status = 'merged'`,
			taskID).Scan(&mergedCount); err != nil {
			return err
		}
		if mergedCount > 0 {
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queue_entries WHERE task_id = ? AND status != 'merged'`, taskID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries (task_id, branch, repo_path, status)
			VALUES (?, ?, ?, 'queued')
		`, taskID, branch, repoPath); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func scanQueueEntry(row interface{ Scan(...any) error }) (QueueEntry, error) {
	var q QueueEntry
	var status string
	err := row.Scan(&q.ID, &q.TaskID, &q.Branch, &q.RepoPath, &status, &q.Error,
		&q.UnknownRetries, &q.PRNumber, &q.QueuedAt)
	if err != nil {
		return QueueEntry{}, err
	}
	q.Status = QueueStatus(status)
	return q, nil
}

const queueColumns = `id, task_id, branch, repo_path, status, error, unknown_retries, pr_number, queued_at`

// QueuedByRepo returns non-terminal queue entries for repoPath ordered by
// ascending task id (spec.md §4.4 step 3).
func (s *Store) QueuedByRepo(ctx context.Context, repoPath string) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM queue_entries
		WHERE repo_path = ? AND status IN ('queued', 'pending_review')
		ORDER BY task_id ASC
	`, repoPath)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		q, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// AllQueueEntries lists up to limit queue entries across every repo and
// status, newest first, for internal/dashboard's GET /queue read view.
func (s *Store) AllQueueEntries(ctx context.Context, limit int) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM queue_entries ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		q, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// SetQueueStatus updates an entry's status and optional error text.
func (s *Store) SetQueueStatus(ctx context.Context, id int64, status QueueStatus, errText string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE queue_entries SET status = ?, error = ? WHERE id = ?`,
			string(status), errText, id)
		return err
	})
}

// IncrementUnknownRetries bumps the unknown-mergeability counter and reports
// whether the cap (5) has been reached, resetting it in that case so the
// caller can proceed optimistically (spec.md §4.4 step 6b).
func (s *Store) IncrementUnknownRetries(ctx context.Context, id int64) (capped bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT unknown_retries FROM queue_entries WHERE id = ?`, id).Scan(&n); err != nil {
			return err
		}
		n++
		if n >= unknownRetriesCap {
			capped = true
			n = 0
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_entries SET unknown_retries = ? WHERE id = ?`, n, id); err != nil {
			return err
		}
		return tx.Commit()
	})
	return capped, err
}

// ResetStuckMerging resets any 'merging' rows to 'queued'; called once at
// startup (spec.md §4.4 "Stuck-merging recovery").
func (s *Store) ResetStuckMerging(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE queue_entries SET status = 'queued' WHERE status = 'merging'`)
	if err != nil {
		return 0, fmt.Errorf("reset stuck merging: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetQueueEntry returns a queue entry by id.
func (s *Store) GetQueueEntry(ctx context.Context, id int64) (QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_entries WHERE id = ?`, id)
	q, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return QueueEntry{}, ErrNotFound
	}
	if err != nil {
		return QueueEntry{}, fmt.Errorf("get queue entry: %w", err)
	}
	return q, nil
}
