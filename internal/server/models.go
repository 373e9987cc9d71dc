package server

import (
	"encoding/json"
	"net/http"
	"time"
)

const (
	modelCatalogKey = "models:catalog"
	modelCatalogTTL = 5 * time.Minute
)

// handleListModels returns the model catalog per configured provider. The
// catalog changes only on deploys, so it is served from cache when one is
// configured.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache != nil {
		if cached, ok := s.deps.Cache.Get(r.Context(), modelCatalogKey); ok {
			w.Header()["Content-Type"] = jsonCT
			w.WriteHeader(http.StatusOK)
			w.Write(cached)
			return
		}
	}

	catalog := make(map[string][]string)
	for _, name := range s.deps.Providers.List() {
		p, err := s.deps.Providers.Get(name)
		if err != nil {
			continue
		}
		models, err := p.ListModels(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		catalog[name] = models
	}

	body, err := json.Marshal(map[string]any{"models": catalog})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if s.deps.Cache != nil {
		s.deps.Cache.Set(r.Context(), modelCatalogKey, body, modelCatalogTTL)
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
