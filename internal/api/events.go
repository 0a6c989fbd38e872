package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/sandbox/internal/dispatch"
	"github.com/seantiz/sandbox/internal/model"
)

// handleStreamEvents streams status changes of one task as server-sent
// events. Each "status" event carries a JSON model.Status; a final "done"
// event follows the terminal status.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before reading the task so a transition between the read
	// and the subscription is not lost.
	ch, unsub := s.service.Broker().Subscribe(id)
	defer unsub()

	resp, err := s.service.GetTask(r.Context(), &dispatch.GetTaskRequest{ID: id})
	if err != nil {
		s.writeServiceError(w, "get task", err)
		return
	}
	last := resp.Task.Status

	eventStreamsOpen.Inc()
	defer eventStreamsOpen.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if err := writeStatusEvent(w, last); err != nil {
		return
	}
	if model.IsTerminal(last.State) {
		_ = writeSSEEvent(w, "done", "stream complete")
		flush()
		return
	}
	flush()

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	for {
		select {
		case st, ok := <-ch:
			if !ok {
				s.finishStream(w, r, id, last)
				flush()
				return
			}
			if err := writeStatusEvent(w, st); err != nil {
				return // Write failed (e.g. client gone).
			}
			last = st
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// finishStream sends the stored terminal status if the subscriber missed it,
// then the done event.
func (s *Server) finishStream(w http.ResponseWriter, r *http.Request, id string, last model.Status) {
	if !model.IsTerminal(last.State) {
		resp, err := s.service.GetTask(r.Context(), &dispatch.GetTaskRequest{ID: id})
		if err != nil {
			s.logger.Error("reload task for SSE", "task_id", id, "error", err)
		} else if !resp.Task.Status.Equal(last) {
			_ = writeStatusEvent(w, resp.Task.Status)
		}
	}
	_ = writeSSEEvent(w, "done", "stream complete")
}

func writeStatusEvent(w http.ResponseWriter, st model.Status) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, "status", string(b))
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
