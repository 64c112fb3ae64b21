package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/kinds"
	"github.com/seantiz/kiln/internal/mainthread"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 8 << 20 // img2img payloads carry base64 images
)

// createRunRequest is the JSON body for POST /v1/runs and /v1/runs/async.
type createRunRequest struct {
	Kind string          `json:"kind"`
	Args json.RawMessage `json:"args"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// decodeRun reads and validates a run request, writing the error response
// itself when it returns false.
func (s *Server) decodeRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	var req createRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}

	if req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "kind is required")
		return nil, false
	}

	return &model.Run{
		ID:        model.NewID(),
		Kind:      req.Kind,
		Args:      req.Args,
		CreatedAt: time.Now().UTC(),
	}, true
}

// handleCreateRun executes a run on the main thread and answers once it is
// over.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.decodeRun(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for run", "error", err)
	}

	err := s.engine.Run(r.Context(), run)
	switch {
	case err == nil:
		countRun("sync", runCompleted)
		s.writeJSON(w, http.StatusOK, run)
	case errors.Is(err, kinds.ErrUnknownKind):
		countRun("sync", runRejected)
		s.writeError(w, http.StatusBadRequest, err.Error())
	case r.Context().Err() != nil:
		// The run stays queued or running; the record shows where it went.
		countRun("sync", runTimedOut)
		s.writeJSON(w, http.StatusGatewayTimeout, run)
	case errors.Is(err, mainthread.ErrClosed):
		countRun("sync", runUnavailable)
		s.writeError(w, http.StatusServiceUnavailable, "shutting down")
	case run.Status == model.StatusFailed:
		countRun("sync", runFailed)
		s.writeJSON(w, http.StatusUnprocessableEntity, run)
	default:
		countRun("sync", runError)
		s.logger.Error("run", "run_id", run.ID, "kind", run.Kind, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to run")
	}
}

// handleAsyncRun stores the run and returns straight away.
func (s *Server) handleAsyncRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.decodeRun(w, r)
	if !ok {
		return
	}

	if err := s.engine.Submit(r.Context(), run); err != nil {
		if errors.Is(err, kinds.ErrUnknownKind) {
			countRun("async", runRejected)
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		countRun("async", runError)
		s.logger.Error("submit async run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	countRun("async", runAccepted)
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
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

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
