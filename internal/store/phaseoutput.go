package store

import (
	"context"
	"fmt"
)

const maxPhaseOutputLen = 8192 // spec.md §4.5: "Outputs ≤8 KB per stream are persisted"

// PhaseOutput is a persisted phase run artifact (spec.md §3).
type PhaseOutput struct {
	ID        int64
	TaskID    int64
	Phase     string
	Output    string
	RawStream string
	ExitCode  int
	CreatedAt string
}

// AppendPhaseOutput stores a phase's captured output, truncating each
// stream to the 8 KB bound.
func (s *Store) AppendPhaseOutput(ctx context.Context, taskID int64, phase, output, rawStream string, exitCode int) (int64, error) {
	if len(output) > maxPhaseOutputLen {
		output = output[:maxPhaseOutputLen]
	}
	if len(rawStream) > maxPhaseOutputLen {
		rawStream = rawStream[:maxPhaseOutputLen]
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO phase_outputs (task_id, phase, output, raw_stream, exit_code)
			VALUES (?, ?, ?, ?, ?)
		`, taskID, phase, output, rawStream, exitCode)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append phase output: %w", err)
	}
	return id, nil
}

// PhaseOutputsForTask returns every persisted phase output for taskID in
// insertion order.
func (s *Store) PhaseOutputsForTask(ctx context.Context, taskID int64) ([]PhaseOutput, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, phase, output, raw_stream, exit_code, created_at
		FROM phase_outputs WHERE task_id = ? ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list phase outputs: %w", err)
	}
	defer rows.Close()

	var out []PhaseOutput
	for rows.Next() {
		var p PhaseOutput
		if err := rows.Scan(&p.ID, &p.TaskID, &p.Phase, &p.Output, &p.RawStream, &p.ExitCode, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan phase output: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
