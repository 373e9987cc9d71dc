package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/eugener/elrond/internal"
	"github.com/eugener/elrond/internal/app"
)

// apiError is the error envelope for every non-2xx JSON response.
type apiError struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`

	// RetryAfterSeconds accompanies rate_limited responses only.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

// errorKind maps an error chain onto the wire taxonomy. Expired tokens get
// their own kind so clients can refresh instead of re-prompting for login.
func errorKind(err error) (string, int) {
	switch {
	case errors.Is(err, gateway.ErrTokenExpired):
		return "token_expired", http.StatusUnauthorized
	case errors.Is(err, gateway.ErrUnauthorized):
		return "unauthenticated", http.StatusUnauthorized
	case errors.Is(err, gateway.ErrForbidden):
		return "forbidden", http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict):
		return "conflict", http.StatusConflict
	case errors.Is(err, gateway.ErrRateLimited):
		return "rate_limited", http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrBadRequest):
		return "invalid_input", http.StatusBadRequest
	case errors.Is(err, gateway.ErrProviderUnavailable):
		return "provider_unavailable", http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrProviderError):
		return "provider_error", http.StatusBadGateway
	default:
		return "internal", http.StatusInternalServerError
	}
}

// writeError renders an error with its taxonomy kind. Internal errors are
// logged in full and returned as an opaque message so stack details, paths,
// and key material never reach a client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, status := errorKind(err)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "internal error",
			slog.String("error", msg),
			slog.String("path", r.URL.Path),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
		msg = "internal server error"
	}

	resp := apiError{ErrorKind: kind, Message: msg}
	var rle *app.RateLimitError
	if errors.As(err, &rle) {
		resp.RetryAfterSeconds = retryAfterSeconds(rle.Result.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
	}
	writeJSON(w, status, resp)
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
