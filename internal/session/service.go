// Package session implements conversation session management on top of the
// storage layer: ownership checks, message editing rules, and branching.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/elrond/internal"
	"github.com/eugener/elrond/internal/storage"
)

// Service mediates all session and message operations. Multi-step operations
// on one session (append, edit, truncate, branch) are serialized by a
// per-session mutex so concurrent writers cannot interleave between the
// read and write halves.
type Service struct {
	store storage.SessionStore
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a session Service over the given store.
func NewService(store storage.SessionStore) *Service {
	return &Service{
		store: store,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the mutex serializing writes to one session.
func (s *Service) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// dropLock discards the per-session mutex after the session is deleted.
func (s *Service) dropLock(id string) {
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
}

// authorize loads the session and enforces ownership. A missing session is
// not-found; someone else's session is forbidden.
func (s *Service) authorize(ctx context.Context, userID, sessionID string) (*gateway.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, fmt.Errorf("session %s: %w", sessionID, gateway.ErrForbidden)
	}
	return sess, nil
}

// Create starts a new empty session owned by userID.
func (s *Service) Create(ctx context.Context, userID, name string) (*gateway.Session, error) {
	now := s.now().UTC()
	sess := &gateway.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns a session after an ownership check.
func (s *Service) Get(ctx context.Context, userID, sessionID string) (*gateway.Session, error) {
	return s.authorize(ctx, userID, sessionID)
}

// List returns the caller's sessions, most recently updated first.
func (s *Service) List(ctx context.Context, userID string, offset, limit int) ([]*gateway.SessionSummary, error) {
	return s.store.ListSessions(ctx, userID, offset, limit)
}

// Rename changes a session's display name.
func (s *Service) Rename(ctx context.Context, userID, sessionID, name string) error {
	if name == "" {
		return fmt.Errorf("session name must not be empty: %w", gateway.ErrBadRequest)
	}
	if _, err := s.authorize(ctx, userID, sessionID); err != nil {
		return err
	}
	return s.store.RenameSession(ctx, sessionID, name, s.now().UTC())
}

// Delete removes a session and, by cascade, its messages.
func (s *Service) Delete(ctx context.Context, userID, sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.authorize(ctx, userID, sessionID); err != nil {
		return err
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	s.dropLock(sessionID)
	return nil
}

// Messages returns the session's log in ID order, optionally after a given
// message ID and capped at limit (0 means no cap).
func (s *Service) Messages(ctx context.Context, userID, sessionID string, afterID int64, limit int) ([]*gateway.Message, error) {
	if _, err := s.authorize(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, sessionID, afterID, limit)
}

// Append adds a message to the session's log and returns its assigned ID.
func (s *Service) Append(ctx context.Context, userID string, m *gateway.Message) (int64, error) {
	lock := s.sessionLock(m.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.authorize(ctx, userID, m.SessionID); err != nil {
		return 0, err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	return s.store.AppendMessage(ctx, m)
}

// Edit replaces the content of a user-role message and stamps it edited.
// Assistant and system messages are immutable.
func (s *Service) Edit(ctx context.Context, userID, sessionID string, messageID int64, content string) error {
	if content == "" {
		return fmt.Errorf("message content must not be empty: %w", gateway.ErrBadRequest)
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.authorize(ctx, userID, sessionID); err != nil {
		return err
	}
	m, err := s.store.GetMessage(ctx, sessionID, messageID)
	if err != nil {
		return err
	}
	if m.Role != gateway.RoleUser {
		return fmt.Errorf("only user messages can be edited: %w", gateway.ErrBadRequest)
	}
	return s.store.EditMessage(ctx, sessionID, messageID, content, s.now().UTC())
}

// DeleteFrom removes a message and every message after it, so the
// conversation can be replayed from an earlier point.
func (s *Service) DeleteFrom(ctx context.Context, userID, sessionID string, messageID int64) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.authorize(ctx, userID, sessionID); err != nil {
		return err
	}
	if _, err := s.store.GetMessage(ctx, sessionID, messageID); err != nil {
		return err
	}
	return s.store.DeleteMessagesFrom(ctx, sessionID, messageID)
}

// Branch forks a session at a given message: the child starts with a copy
// of the parent's log up to and including atMessageID.
func (s *Service) Branch(ctx context.Context, userID, parentID string, atMessageID int64, name string) (*gateway.Session, error) {
	lock := s.sessionLock(parentID)
	lock.Lock()
	defer lock.Unlock()

	parent, err := s.authorize(ctx, userID, parentID)
	if err != nil {
		return nil, err
	}
	// The branch point must exist in the parent's log.
	if _, err := s.store.GetMessage(ctx, parentID, atMessageID); err != nil {
		return nil, err
	}

	if name == "" {
		name = parent.Name
	}
	now := s.now().UTC()
	child := &gateway.Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		Name:          name,
		ParentID:      parent.ID,
		BranchPointID: atMessageID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.BranchSession(ctx, child, atMessageID); err != nil {
		return nil, err
	}
	return child, nil
}
