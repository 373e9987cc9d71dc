package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	gateway "github.com/eugener/elrond/internal"
)

// claims are the signed contents of an identity token.
type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates identity tokens with an HMAC secret.
// It implements gateway.Authenticator for HTTP requests.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time // overridable in tests
}

// NewTokenIssuer creates a TokenIssuer. ttl bounds token lifetime.
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for the user and returns it with its expiry.
func (t *TokenIssuer) Issue(userID, role string) (token string, expiresAt time.Time, err error) {
	now := t.now()
	expiresAt = now.Add(t.ttl)
	c := claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Validate parses a token and returns the identity it carries.
// Expired tokens map to gateway.ErrTokenExpired so clients can distinguish
// refresh from re-login; every other failure is gateway.ErrUnauthorized.
func (t *TokenIssuer) Validate(token string) (*gateway.Identity, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, gateway.ErrTokenExpired
		}
		return nil, gateway.ErrUnauthorized
	}
	if !parsed.Valid || c.Subject == "" {
		return nil, gateway.ErrUnauthorized
	}
	return &gateway.Identity{UserID: c.Subject, Role: c.Role}, nil
}

// Authenticate extracts and validates the bearer token from an HTTP request.
func (t *TokenIssuer) Authenticate(_ context.Context, r *http.Request) (*gateway.Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		// Browsers cannot set headers on WebSocket upgrades; accept the
		// token as a query parameter there.
		if q := r.URL.Query().Get("token"); q != "" {
			return t.validateWithAddr(q, r.RemoteAddr)
		}
		return nil, fmt.Errorf("%w: missing bearer token", gateway.ErrUnauthorized)
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, fmt.Errorf("%w: malformed authorization header", gateway.ErrUnauthorized)
	}
	return t.validateWithAddr(token, r.RemoteAddr)
}

func (t *TokenIssuer) validateWithAddr(token, remoteAddr string) (*gateway.Identity, error) {
	id, err := t.Validate(token)
	if err != nil {
		return nil, err
	}
	id.RemoteAddr = remoteAddr
	return id, nil
}
