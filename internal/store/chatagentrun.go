package store

import (
	"context"
	"fmt"
)

// ChatAgentRunStatus tracks a chat-triggered agent invocation (spec.md §3).
type ChatAgentRunStatus string

const (
	ChatRunRunning   ChatAgentRunStatus = "running"
	ChatRunCompleted ChatAgentRunStatus = "completed"
	ChatRunFailed    ChatAgentRunStatus = "failed"
	ChatRunDelivered ChatAgentRunStatus = "delivered"
	ChatRunAbandoned ChatAgentRunStatus = "abandoned"
)

// CreateChatAgentRun records a new chat-triggered agent invocation.
func (s *Store) CreateChatAgentRun(ctx context.Context, sessionID string) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO chat_agent_runs (session_id, status) VALUES (?, 'running')
		`, sessionID)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create chat agent run: %w", err)
	}
	return id, nil
}

// SetChatAgentRunStatus updates a run's status.
func (s *Store) SetChatAgentRunStatus(ctx context.Context, id int64, status ChatAgentRunStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE chat_agent_runs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
		`, string(status), id)
		return err
	})
}

// AbandonRunningChatAgentRuns resets every 'running' row to 'abandoned'; the
// only chat-agent-run bookkeeping the pipeline core performs, done once at
// supervisor startup (spec.md §3: "ChatAgentRun").
func (s *Store) AbandonRunningChatAgentRuns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_agent_runs SET status = 'abandoned', updated_at = CURRENT_TIMESTAMP WHERE status = 'running'
	`)
	if err != nil {
		return 0, fmt.Errorf("abandon running chat agent runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
