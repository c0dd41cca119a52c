package admin

import "net/http"

type tasksResponse struct {
	Backend string   `json:"backend"`
	Tasks   []string `json:"tasks"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	names := s.worker.Capabilities().Names()
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, tasksResponse{
		Backend: s.worker.BackendName(),
		Tasks:   names,
	})
}
