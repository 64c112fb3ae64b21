package api

import (
	"net/http"
	"time"
)

type failureResponse struct {
	JobID uint64    `json:"job_id"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// statusResponse is the JSON response for GET /v1/status.
type statusResponse struct {
	Busy        bool             `json:"busy"`
	MarkerPath  string           `json:"marker_path,omitempty"`
	Queued      int              `json:"queued"`
	Executing   uint64           `json:"executing,omitempty"`
	LastJobID   uint64           `json:"last_job_id"`
	LastFailure *failureResponse `json:"last_failure"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	th := s.engine.Thread()
	st := th.Status()

	resp := statusResponse{
		Queued:    st.Queued,
		Executing: st.Executing,
		LastJobID: st.LastID,
	}
	if s.marker != nil {
		resp.Busy = s.marker.Held()
		resp.MarkerPath = s.marker.Path()
	}
	if f, ok := th.LastFailure(); ok {
		resp.LastFailure = &failureResponse{
			JobID: f.JobID,
			Error: f.Err.Error(),
			At:    f.At,
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}
