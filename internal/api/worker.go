package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/sandbox/internal/dispatch"
)

// handleNextTask is the HTTP form of WorkerService.GetTaskToRun. An empty
// body is accepted for anonymous workers.
func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	var req dispatch.GetTaskToRunRequest
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req, maxBodySize) {
		return
	}

	resp, err := s.service.GetTaskToRun(r.Context(), &req)
	if err != nil {
		s.writeServiceError(w, "claim task", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleUpdateStatus is the HTTP form of WorkerService.UpdateTaskStatus. The
// task id comes from the path.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req dispatch.UpdateTaskStatusRequest
	if !s.decodeBody(w, r, &req, maxStatusBodySize) {
		return
	}
	req.ID = chi.URLParam(r, "id")

	resp, err := s.service.UpdateTaskStatus(r.Context(), &req)
	if err != nil {
		s.writeServiceError(w, "update task status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
