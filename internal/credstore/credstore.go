// Package credstore manages encrypted per-user provider API keys.
//
// Raw keys are sealed with AES-256-GCM under a process-wide key loaded from
// configuration. The ciphertext layout is nonce || ciphertext+tag. Decrypted
// keys are cached in-memory; the cache is invalidated on store and delete so
// a rotated key takes effect immediately.
package credstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/maypok86/otter/v2"

	gateway "github.com/eugener/elrond/internal"
	"github.com/eugener/elrond/internal/storage"
)

const (
	cacheMaxSize = 10_000
	cacheTTL     = 5 * time.Minute
)

// Service encrypts, persists, and retrieves provider API keys.
type Service struct {
	store storage.CredentialStore
	aead  cipher.AEAD
	cache *otter.Cache[string, string]
}

// New creates a Service. key must be 32 bytes (AES-256).
func New(store storage.CredentialStore, key []byte) (*Service, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credstore: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credstore: create GCM: %w", err)
	}
	cache, err := otter.New[string, string](&otter.Options[string, string]{
		MaximumSize:      cacheMaxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, string](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("credstore: create cache: %w", err)
	}
	return &Service{store: store, aead: aead, cache: cache}, nil
}

// Store encrypts and persists a provider key for a user. Empty keys are rejected.
func (s *Service) Store(ctx context.Context, userID, provider, rawKey string) error {
	if rawKey == "" {
		return fmt.Errorf("%w: api key must not be empty", gateway.ErrBadRequest)
	}
	ciphertext, err := s.encrypt([]byte(rawKey))
	if err != nil {
		return err
	}
	if err := s.store.PutCredential(ctx, userID, provider, ciphertext); err != nil {
		return fmt.Errorf("credstore: persist key: %w", err)
	}
	s.cache.Invalidate(cacheKey(userID, provider))
	return nil
}

// Retrieve decrypts and returns the stored key for a (user, provider) pair.
// A record that fails to decrypt is unreadable forever (wrong process key);
// it surfaces as not-found and logs a warning for the operator.
func (s *Service) Retrieve(ctx context.Context, userID, provider string) (string, error) {
	ck := cacheKey(userID, provider)
	if raw, ok := s.cache.GetIfPresent(ck); ok {
		// Cached reads still count as use; last_used_at must not lag by a
		// cache TTL.
		if err := s.store.TouchCredentialUsed(ctx, userID, provider); err != nil {
			slog.Warn("touch credential last_used_at", "error", err)
		}
		return raw, nil
	}

	ciphertext, err := s.store.GetCredential(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	plaintext, err := s.decrypt(ciphertext)
	if err != nil {
		slog.Warn("stored credential failed to decrypt; was the encryption key rotated?",
			"provider", provider, "user_id", userID)
		return "", fmt.Errorf("credential for %s: %w", provider, gateway.ErrNotFound)
	}

	if err := s.store.TouchCredentialUsed(ctx, userID, provider); err != nil {
		slog.Warn("touch credential last_used_at", "error", err)
	}
	raw := string(plaintext)
	s.cache.Set(ck, raw)
	return raw, nil
}

// List returns stored-key metadata for a user. Plaintext never leaves Retrieve.
func (s *Service) List(ctx context.Context, userID string) ([]gateway.CredentialInfo, error) {
	return s.store.ListCredentials(ctx, userID)
}

// Delete removes a stored key and drops it from the cache.
func (s *Service) Delete(ctx context.Context, userID, provider string) error {
	if err := s.store.DeleteCredential(ctx, userID, provider); err != nil {
		return err
	}
	s.cache.Invalidate(cacheKey(userID, provider))
	return nil
}

// HasKey reports whether a decryptable key exists without returning it.
func (s *Service) HasKey(ctx context.Context, userID, provider string) bool {
	_, err := s.Retrieve(ctx, userID, provider)
	return err == nil
}

func (s *Service) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credstore: generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Service) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < s.aead.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:s.aead.NonceSize()], ciphertext[s.aead.NonceSize():]
	return s.aead.Open(nil, nonce, sealed, nil)
}

func cacheKey(userID, provider string) string {
	return userID + "\x00" + provider
}
