package server

import (
	"net/http"
)

type healthStatus struct {
	Status        string `json:"status"`
	Database      string `json:"database"`
	Providers     int    `json:"providers"`
	WSConnections int    `json:"ws_connections"`
}

// handleHealth reports readiness. Degraded storage turns the whole answer
// into 503 so load balancers stop routing here.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := healthStatus{
		Status:        "ok",
		Database:      "ok",
		Providers:     len(s.deps.Providers.List()),
		WSConnections: s.deps.Registry.Count(),
	}

	code := http.StatusOK
	if s.deps.DBCheck != nil {
		if err := s.deps.DBCheck(r.Context()); err != nil {
			st.Status = "degraded"
			st.Database = "unreachable"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, st)
}
