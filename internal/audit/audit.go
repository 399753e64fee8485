// Package audit records control-surface mutations (task create/cancel/retry,
// settings changes, proposal decisions) to a JSONL trail independent of the
// Store's Event table, so an operator can reconstruct "who changed what"
// even if the database is unavailable.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sepipe/sepiped/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Result    string `json:"result"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

// Init opens the audit log file under homeDir/logs/audit.jsonl. Safe to
// call more than once; subsequent calls are no-ops.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB additionally mirrors audit entries into the Store's audit_log table.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectionCount returns the total number of "rejected" results recorded
// since startup (e.g. a settings mutation outside the allow-list).
func RejectionCount() int64 {
	return denyCount.Load()
}

// Record appends one audit entry. Never returns an error — a failing audit
// write must not block the control-surface action it is recording.
func Record(action, actor, result, detail string) {
	if result == "rejected" {
		denyCount.Add(1)
	}

	detail = shared.Redact(detail)
	actor = shared.Redact(actor)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Action:    action,
			Actor:     actor,
			Result:    result,
			Detail:    detail,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version)
			VALUES (?, ?, ?, ?, ?, ?);
		`, "", actor, action, result, detail, "")
	}
}
