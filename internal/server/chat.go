package server

import (
	"context"
	"net/http"
	"slices"
	"time"

	gateway "github.com/eugener/elrond/internal"
	"github.com/eugener/elrond/internal/app"
)

type chatRequest struct {
	SessionID string                `json:"session_id,omitempty"`
	Provider  string                `json:"provider"`
	Model     string                `json:"model"`
	Messages  []gateway.ChatMessage `json:"messages"`
	Options   gateway.ChatOptions   `json:"options"`
	APIKeys   map[string]string     `json:"api_keys,omitempty"`
}

// handleChat runs one chat turn and streams the response as server-sent
// events. Frames are also broadcast to WebSocket subscribers of the same
// session, so a phone and a laptop watching one conversation stay in sync.
func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	identity := gateway.IdentityFromContext(r.Context())
	sse := newSSEWriter(w)
	// Broadcast first: a slow SSE client must not delay WebSocket watchers
	// of the same session.
	sink := &frameSink{
		metrics: s.deps.Metrics,
		emits: []func([]byte){
			func(b []byte) {
				if req.SessionID != "" {
					s.deps.Registry.Broadcast(req.SessionID, b)
				}
			},
			sse.emit,
		},
	}

	start := time.Now()
	msg, err := s.deps.Turns.Run(r.Context(), identity, &app.TurnRequest{
		SessionID:  req.SessionID,
		Provider:   req.Provider,
		Model:      req.Model,
		Messages:   req.Messages,
		Options:    req.Options,
		InlineKeys: req.APIKeys,
	}, sink)

	s.observeTurn(r.Context(), req.Provider, req.Model, msg, err, time.Since(start))

	if err != nil {
		// Rejected before any frame was streamed; render a plain JSON error.
		writeError(w, r, err)
		return
	}
	sse.finish()
}

// observeTurn records turn metrics. Labels come from the registered
// provider and its model catalog, never straight from the request body:
// arbitrary client strings must not mint new metric series.
func (s *server) observeTurn(ctx context.Context, providerName, model string, msg *gateway.Message, err error, elapsed time.Duration) {
	if s.deps.Metrics == nil {
		return
	}
	p, perr := s.deps.Providers.Get(providerName)
	if perr != nil {
		return
	}
	modelLabel := "other"
	if models, merr := p.ListModels(ctx); merr == nil && slices.Contains(models, model) {
		modelLabel = model
	}

	outcome := "complete"
	switch {
	case err != nil:
		outcome = "rejected"
	case msg != nil && msg.Error != "":
		outcome = "error"
	}
	s.deps.Metrics.TurnsTotal.WithLabelValues(p.Name(), modelLabel, outcome).Inc()
	s.deps.Metrics.TurnDuration.WithLabelValues(p.Name(), modelLabel).Observe(elapsed.Seconds())
}
