package gateway

import "errors"

// Sentinel errors for the gateway domain. The server package maps each to
// a stable HTTP status.
var (
	ErrBadRequest          = errors.New("bad request")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrTokenExpired        = errors.New("token expired")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrNoCredentials       = errors.New("no credentials")
	ErrProviderError       = errors.New("provider error")
	ErrProviderUnavailable = errors.New("provider unavailable")
)
