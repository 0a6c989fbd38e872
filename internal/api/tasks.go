package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc/codes"

	"github.com/seantiz/sandbox/internal/dispatch"
)

const (
	maxBodySize = 1 << 20 // 1 MB

	// maxStatusBodySize admits a finished report carrying the largest result
	// the gRPC server accepts, base64 encoded.
	maxStatusBodySize = dispatch.MaxMessageSize/3*4 + maxBodySize
)

// idResponse is returned by the submission endpoints.
type idResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req dispatch.CreateTaskRequest
	if !s.decodeBody(w, r, &req, maxBodySize) {
		return
	}

	resp, err := s.service.CreateTask(r.Context(), &req)
	if err != nil {
		s.writeServiceError(w, "create task", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, idResponse{ID: resp.ID})
}

func (s *Server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	var req dispatch.GenerateImageRequest
	if !s.decodeBody(w, r, &req, maxBodySize) {
		return
	}

	resp, err := s.service.GenerateImage(r.Context(), &req)
	if err != nil {
		s.writeServiceError(w, "generate image", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, idResponse{ID: resp.ID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	resp, err := s.service.GetTask(r.Context(), &dispatch.GetTaskRequest{ID: chi.URLParam(r, "id")})
	if err != nil {
		s.writeServiceError(w, "get task", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp.Task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	resp, err := s.service.ListTasks(r.Context(), &dispatch.ListTasksRequest{Owner: r.URL.Query().Get("owner")})
	if err != nil {
		s.writeServiceError(w, "list tasks", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// decodeBody decodes a JSON body of at most limit bytes into v. On failure
// it writes a 413 or 400 response and returns false.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any, limit int64) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// httpStatus maps a gRPC code to the HTTP status used by the bridge.
func httpStatus(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusRequestEntityTooLarge
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError translates a service error into a JSON error response.
// Internal and storage failures are logged and hidden from the client.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	code := dispatch.Code(err)
	status := httpStatus(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
		s.writeError(w, status, "failed to "+op)
		return
	}
	s.writeError(w, status, err.Error())
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
