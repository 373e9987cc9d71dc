package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/elrond/internal"
)

// handleListKeys returns stored-key metadata for every provider the caller
// has a credential for. Plaintext keys are write-only: they go in on store
// and come out only inside a provider call.
func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())

	infos, err := s.deps.Creds.List(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": infos})
}

type storeKeyRequest struct {
	APIKey string `json:"api_key"`
}

func (s *server) handleStoreKey(w http.ResponseWriter, r *http.Request) {
	var req storeKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity := gateway.IdentityFromContext(r.Context())
	providerName := chi.URLParam(r, "provider")

	if req.APIKey == "" {
		writeError(w, r, fmt.Errorf("%w: api_key is required", gateway.ErrBadRequest))
		return
	}
	if _, err := s.deps.Providers.Get(providerName); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Creds.Store(r.Context(), identity.UserID, providerName, req.APIKey); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	providerName := chi.URLParam(r, "provider")

	infos, err := s.deps.Creds.List(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	for _, info := range infos {
		if info.Provider == providerName {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	writeError(w, r, fmt.Errorf("no key stored for provider %s: %w", providerName, gateway.ErrNotFound))
}

func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())

	if err := s.deps.Creds.Delete(r.Context(), identity.UserID, chi.URLParam(r, "provider")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
