// Package server implements the HTTP and WebSocket transport for the
// Elrond gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/eugener/elrond/internal"
	"github.com/eugener/elrond/internal/app"
	"github.com/eugener/elrond/internal/auth"
	"github.com/eugener/elrond/internal/cache"
	"github.com/eugener/elrond/internal/credstore"
	"github.com/eugener/elrond/internal/provider"
	"github.com/eugener/elrond/internal/ratelimit"
	"github.com/eugener/elrond/internal/session"
	"github.com/eugener/elrond/internal/storage"
	"github.com/eugener/elrond/internal/telemetry"
)

// Authenticator validates the request's bearer token and yields the caller.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error)
}

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

const (
	defaultMaxRequestBytes = 1 << 20 // 1 MiB
	defaultIdleTimeout     = 5 * time.Minute
)

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth      Authenticator
	Tokens    *auth.TokenIssuer
	Users     storage.UserStore
	Turns     *app.TurnService
	Sessions  *session.Service
	Creds     *credstore.Service
	Limiter   *ratelimit.Limiter
	Providers *provider.Registry
	Registry  *Registry           // WebSocket connection registry
	Cache     cache.Cache         // nil = no model-catalog caching
	Metrics   *telemetry.Metrics  // nil = no metrics
	DBCheck   ReadyChecker        // nil = always healthy

	MaxRequestBytes int64         // 0 = 1 MiB
	IdleTimeout     time.Duration // 0 = 5 min
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.MaxRequestBytes <= 0 {
		deps.MaxRequestBytes = defaultMaxRequestBytes
	}
	if deps.IdleTimeout <= 0 {
		deps.IdleTimeout = defaultIdleTimeout
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.maxBytes)

		// Credential exchange (no token yet); limited by caller address.
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit(gateway.ClassAuth))
			r.Post("/auth/login", s.handleLogin)
			r.Post("/auth/register", s.handleRegister)
		})

		// Everything else needs a validated identity.
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			// Chat admission is charged inside the orchestrator so the
			// rejection can carry the retry-after contract.
			r.Post("/chat", s.handleChat)
			r.Get("/ws/chat/{session_id}", s.handleWS)

			r.Group(func(r chi.Router) {
				r.Use(s.rateLimit(gateway.ClassFile))
				r.Post("/files", s.handleFileUpload)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.rateLimit(gateway.ClassGeneral))

				r.Post("/auth/change-password", s.handleChangePassword)

				r.Get("/sessions", s.handleListSessions)
				r.Post("/sessions", s.handleCreateSession)
				r.Get("/sessions/{id}", s.handleGetSession)
				r.Patch("/sessions/{id}", s.handleRenameSession)
				r.Delete("/sessions/{id}", s.handleDeleteSession)
				r.Post("/sessions/{id}/branch", s.handleBranchSession)
				r.Get("/sessions/{id}/messages", s.handleListMessages)
				r.Patch("/sessions/{id}/messages/{message_id}", s.handleEditMessage)
				r.Delete("/sessions/{id}/messages/{message_id}", s.handleDeleteMessagesFrom)

				r.Get("/api-keys", s.handleListKeys)
				r.Post("/api-keys/{provider}", s.handleStoreKey)
				r.Get("/api-keys/{provider}", s.handleGetKey)
				r.Delete("/api-keys/{provider}", s.handleDeleteKey)

				r.Get("/rate-limits/quota", s.handleQuota)
				r.Get("/models", s.handleListModels)
			})
		})
	})

	return r
}

type server struct {
	deps Deps
}
