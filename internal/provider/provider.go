// Package provider implements the provider registry and shared utilities
// for LLM provider adapters.
package provider

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/eugener/elrond/internal"
)

// Registry maps provider names to gateway.Provider instances.
// Lookups are case-insensitive. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]gateway.Provider
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]gateway.Provider)}
}

// Register adds a provider under its own Name().
// It overwrites any previously registered provider with the same name.
func (r *Registry) Register(p gateway.Provider) {
	r.mu.Lock()
	r.providers[strings.ToLower(p.Name())] = p
	r.mu.Unlock()
}

// Get returns the provider registered under name. An unknown name fails
// before any network call is made; the error maps to a client error.
func (r *Registry) Get(name string) (gateway.Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not configured: %w", name, gateway.ErrBadRequest)
	}
	return p, nil
}

// List returns a sorted slice of all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := slices.Collect(func(yield func(string) bool) {
		for name := range r.providers {
			if !yield(name) {
				return
			}
		}
	})
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// NewHTTPClient returns an http.Client tuned for long-lived streaming calls
// to provider APIs. If resolver is non-nil, the transport's DialContext is
// wrapped with cached DNS lookups. No client-level timeout is set; callers
// bound each request with a context deadline.
func NewHTTPClient(resolver *dnscache.Resolver) *http.Client {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return &http.Client{Transport: t}
}
