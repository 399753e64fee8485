package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sepipe/sepiped/internal/bus"
)

// sseEvent is one phase-output-stream event sent to a dashboard subscriber.
type sseEvent struct {
	Type  string `json:"type"`
	Phase string `json:"phase,omitempty"`
	Line  string `json:"line,omitempty"`
}

// handleTaskStream implements GET /tasks/{id}/stream, generalizing the
// teacher's handleTaskStream from a fixed "stream." topic prefix to this
// pipeline's phase.output_appended/phase.completed topics, filtered to one
// task id.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathInt64(r, "id")
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.cfg.Bus.Subscribe(bus.TopicPhaseOutputAppended)
	defer s.cfg.Bus.Unsubscribe(sub)
	doneSub := s.cfg.Bus.Subscribe(bus.TopicPhaseCompleted)
	defer s.cfg.Bus.Unsubscribe(doneSub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.cfg.Logger.Debug("dashboard: stream client disconnected", "task_id", taskID)
			return

		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			payload, ok := ev.Payload.(bus.PhaseOutputAppendedEvent)
			if !ok || payload.TaskID != taskID {
				continue
			}
			if !writeSSE(w, flusher, sseEvent{Type: "output", Phase: payload.Phase, Line: payload.Line}) {
				return
			}

		case ev, ok := <-doneSub.Ch():
			if !ok {
				return
			}
			payload, ok := ev.Payload.(bus.PhaseCompletedEvent)
			if !ok || payload.TaskID != taskID {
				continue
			}
			writeSSE(w, flusher, sseEvent{Type: "done", Phase: payload.Phase})
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev sseEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
