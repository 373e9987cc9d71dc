package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/eugener/elrond/internal"
)

func TestIssueAndValidate(t *testing.T) {
	t.Parallel()
	ti := NewTokenIssuer("test-secret", time.Hour)

	token, expiresAt, err := ti.Issue("u1", "user")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if until := time.Until(expiresAt); until < 59*time.Minute || until > time.Hour {
		t.Errorf("expiry %v not ~1h away", expiresAt)
	}

	id, err := ti.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if id.UserID != "u1" || id.Role != "user" {
		t.Errorf("identity = %+v, want u1/user", id)
	}
}

func TestValidateExpired(t *testing.T) {
	t.Parallel()
	ti := NewTokenIssuer("test-secret", time.Hour)
	ti.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, _, err := ti.Issue("u1", "user")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = ti.Validate(token)
	if !errors.Is(err, gateway.ErrTokenExpired) {
		t.Errorf("Validate = %v, want ErrTokenExpired", err)
	}
}

func TestValidateWrongSecret(t *testing.T) {
	t.Parallel()
	token, _, err := NewTokenIssuer("secret-a", time.Hour).Issue("u1", "user")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = NewTokenIssuer("secret-b", time.Hour).Validate(token)
	if !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("Validate = %v, want ErrUnauthorized", err)
	}
}

func TestValidateGarbage(t *testing.T) {
	t.Parallel()
	ti := NewTokenIssuer("test-secret", time.Hour)
	for _, tok := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := ti.Validate(tok); !errors.Is(err, gateway.ErrUnauthorized) {
			t.Errorf("Validate(%q) = %v, want ErrUnauthorized", tok, err)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	ti := NewTokenIssuer("test-secret", time.Hour)
	token, _, err := ti.Issue("u1", "user")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	t.Run("bearer header", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest("GET", "/api/v1/sessions", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		id, err := ti.Authenticate(context.Background(), r)
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if id.UserID != "u1" {
			t.Errorf("user = %q, want u1", id.UserID)
		}
		if id.RemoteAddr == "" {
			t.Error("remote addr should be populated")
		}
	})

	t.Run("query token for websocket upgrades", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest("GET", "/ws/chat/s1?token="+token, nil)
		id, err := ti.Authenticate(context.Background(), r)
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if id.UserID != "u1" {
			t.Errorf("user = %q, want u1", id.UserID)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest("GET", "/api/v1/sessions", nil)
		if _, err := ti.Authenticate(context.Background(), r); !errors.Is(err, gateway.ErrUnauthorized) {
			t.Errorf("Authenticate = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		t.Parallel()
		r := httptest.NewRequest("GET", "/api/v1/sessions", nil)
		r.Header.Set("Authorization", "Basic dXNlcg==")
		if _, err := ti.Authenticate(context.Background(), r); !errors.Is(err, gateway.ErrUnauthorized) {
			t.Errorf("Authenticate = %v, want ErrUnauthorized", err)
		}
	})
}

func TestPasswordRoundTrip(t *testing.T) {
	t.Parallel()
	hash, err := HashPassword("correct horse battery")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "correct horse battery" {
		t.Fatal("hash equals plaintext")
	}
	if err := CheckPassword(hash, "correct horse battery"); err != nil {
		t.Errorf("CheckPassword: %v", err)
	}
	if err := CheckPassword(hash, "wrong"); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("CheckPassword wrong = %v, want ErrUnauthorized", err)
	}
}

func TestPasswordTooShort(t *testing.T) {
	t.Parallel()
	if _, err := HashPassword("short"); !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("HashPassword = %v, want ErrBadRequest", err)
	}
}
