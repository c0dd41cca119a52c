package admin

import (
	"net/http"

	"github.com/seantiz/taskworker/internal/model"
)

type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

// handleHealthz reports 200 only once the worker has finished initializing
// successfully.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	state := s.worker.State()
	if state != model.StateReady {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", State: state})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", State: state})
}
