package admin

import (
	"net/http"

	"github.com/seantiz/taskworker/internal/store"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Backend string               `json:"backend"`
	State   string               `json:"state"`
	Lanes   int                  `json:"lanes"`
	Tasks   int                  `json:"tasks"`
	Journal *store.DispatchStats `json:"journal,omitempty"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Backend: s.worker.BackendName(),
		State:   s.worker.State(),
		Lanes:   s.worker.Lanes(),
		Tasks:   s.worker.Capabilities().Len(),
	}

	if s.journal != nil {
		stats, err := s.journal.GetDispatchStats(r.Context())
		if err != nil {
			s.logger.Error("get dispatch stats", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get stats")
			return
		}
		resp.Journal = stats
	}

	s.writeJSON(w, http.StatusOK, resp)
}
