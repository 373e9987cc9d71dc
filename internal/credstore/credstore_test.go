package credstore

import (
	"bytes"
	"context"
	"errors"
	"testing"

	gateway "github.com/eugener/elrond/internal"
	"github.com/eugener/elrond/internal/storage"
	"github.com/eugener/elrond/internal/storage/sqlite"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func newTestService(t *testing.T) (*Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc, err := New(store, testKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	seedUser(t, store, "u1")
	return svc, store
}

func seedUser(t *testing.T, store *sqlite.Store, id string) {
	t.Helper()
	err := store.CreateUser(context.Background(), &gateway.User{
		ID: id, Username: id, PasswordHash: "x", Active: true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Store(ctx, "u1", "openai", "sk-live-abc123"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := svc.Retrieve(ctx, "u1", "openai")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got != "sk-live-abc123" {
		t.Errorf("key = %q, want sk-live-abc123", got)
	}

	// Second read hits the cache.
	got, err = svc.Retrieve(ctx, "u1", "openai")
	if err != nil || got != "sk-live-abc123" {
		t.Errorf("cached read = %q, %v", got, err)
	}
}

func TestCiphertextDiffersFromPlaintext(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	if err := svc.Store(ctx, "u1", "openai", "sk-live-abc123"); err != nil {
		t.Fatal(err)
	}
	ct, err := store.GetCredential(ctx, "u1", "openai")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(ct, []byte("sk-live-abc123")) {
		t.Error("ciphertext contains plaintext key")
	}
}

func TestStoreEmptyKeyRejected(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	if err := svc.Store(context.Background(), "u1", "openai", ""); !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("Store empty = %v, want ErrBadRequest", err)
	}
}

func TestRetrieveMissing(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	if _, err := svc.Retrieve(context.Background(), "u1", "anthropic"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("Retrieve missing = %v, want ErrNotFound", err)
	}
}

func TestRetrieveUndecryptableSurfacesNotFound(t *testing.T) {
	t.Parallel()
	svc, store := newTestService(t)
	ctx := context.Background()

	// Ciphertext written under a different process key.
	other, err := New(store, bytes.Repeat([]byte{0x99}, 32))
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Store(ctx, "u1", "openai", "sk-old"); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Retrieve(ctx, "u1", "openai"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("Retrieve undecryptable = %v, want ErrNotFound", err)
	}
}

func TestDeleteInvalidatesCache(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Store(ctx, "u1", "openai", "sk-live"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Retrieve(ctx, "u1", "openai"); err != nil {
		t.Fatal(err) // warm the cache
	}
	if err := svc.Delete(ctx, "u1", "openai"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Retrieve(ctx, "u1", "openai"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("Retrieve after delete = %v, want ErrNotFound", err)
	}
}

func TestStoreReplacesExistingKey(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Store(ctx, "u1", "openai", "sk-one"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Retrieve(ctx, "u1", "openai"); err != nil {
		t.Fatal(err) // warm the cache with the old value
	}
	if err := svc.Store(ctx, "u1", "openai", "sk-two"); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Retrieve(ctx, "u1", "openai")
	if err != nil {
		t.Fatal(err)
	}
	if got != "sk-two" {
		t.Errorf("key = %q, want sk-two (cache must be invalidated on store)", got)
	}
}

func TestListNeverReturnsPlaintext(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Store(ctx, "u1", "openai", "sk-live"); err != nil {
		t.Fatal(err)
	}
	infos, err := svc.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 1 || !infos[0].HasKey || infos[0].Provider != "openai" {
		t.Errorf("infos = %+v", infos)
	}
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, []byte("short")); err == nil {
		t.Error("New with 5-byte key should fail")
	}
}

// touchCountingStore counts TouchCredentialUsed calls on top of a real store.
type touchCountingStore struct {
	storage.CredentialStore
	touches int
}

func (s *touchCountingStore) TouchCredentialUsed(ctx context.Context, userID, provider string) error {
	s.touches++
	return s.CredentialStore.TouchCredentialUsed(ctx, userID, provider)
}

func TestCachedRetrieveTouchesLastUsed(t *testing.T) {
	t.Parallel()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	seedUser(t, store, "u1")

	counting := &touchCountingStore{CredentialStore: store}
	svc, err := New(counting, testKey)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := svc.Store(ctx, "u1", "openai", "sk-live"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Retrieve(ctx, "u1", "openai"); err != nil {
		t.Fatal(err)
	}
	if counting.touches != 1 {
		t.Fatalf("touches after uncached read = %d, want 1", counting.touches)
	}

	// A cache hit is still a use.
	if _, err := svc.Retrieve(ctx, "u1", "openai"); err != nil {
		t.Fatal(err)
	}
	if counting.touches != 2 {
		t.Errorf("touches after cached read = %d, want 2", counting.touches)
	}
}
