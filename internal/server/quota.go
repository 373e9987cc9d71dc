package server

import (
	"net/http"

	gateway "github.com/eugener/elrond/internal"
)

// handleQuota reports the caller's remaining budget per request class.
func (s *server) handleQuota(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"quotas": s.deps.Limiter.Quota(identity.RateKey()),
	})
}
