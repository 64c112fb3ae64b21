package api

import (
	"net/http"
)

// Worker states reported by /healthz.
const (
	workerIdle   = "idle"
	workerBusy   = "busy"
	workerClosed = "closed"
)

type healthResponse struct {
	Status string `json:"status"`
	Worker string `json:"worker"`
	Queued int    `json:"queued"`
}

// handleHealthz reports whether the main thread can still take work. A busy
// worker is healthy; a closed one is not, since every run would be refused.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.Thread().Status()

	resp := healthResponse{Status: "ok", Worker: workerIdle, Queued: st.Queued}
	switch {
	case st.Closed:
		resp.Status, resp.Worker = "unavailable", workerClosed
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	case st.Executing != 0:
		resp.Worker = workerBusy
	}
	s.writeJSON(w, http.StatusOK, resp)
}
