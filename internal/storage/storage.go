// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/elrond/internal"
)

// UserStore manages user account persistence.
type UserStore interface {
	CreateUser(ctx context.Context, u *gateway.User) error
	GetUser(ctx context.Context, id string) (*gateway.User, error)
	GetUserByUsername(ctx context.Context, username string) (*gateway.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	DeactivateUser(ctx context.Context, id string) error
}

// CredentialStore manages encrypted provider-key persistence. Values are
// opaque ciphertext; encryption happens above this layer.
type CredentialStore interface {
	PutCredential(ctx context.Context, userID, provider string, ciphertext []byte) error
	GetCredential(ctx context.Context, userID, provider string) ([]byte, error)
	ListCredentials(ctx context.Context, userID string) ([]gateway.CredentialInfo, error)
	DeleteCredential(ctx context.Context, userID, provider string) error
	TouchCredentialUsed(ctx context.Context, userID, provider string) error
}

// SessionStore manages the durable conversation log. Implementations must
// make each method atomic: a failed append leaves neither a message row nor
// a stale session timestamp behind.
type SessionStore interface {
	CreateSession(ctx context.Context, s *gateway.Session) error
	GetSession(ctx context.Context, id string) (*gateway.Session, error)
	ListSessions(ctx context.Context, userID string, offset, limit int) ([]*gateway.SessionSummary, error)
	RenameSession(ctx context.Context, id, name string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error

	// AppendMessage assigns the next per-session message ID, inserts the
	// message, and bumps the session's updated_at in one transaction.
	AppendMessage(ctx context.Context, m *gateway.Message) (int64, error)
	GetMessage(ctx context.Context, sessionID string, messageID int64) (*gateway.Message, error)
	ListMessages(ctx context.Context, sessionID string, afterID int64, limit int) ([]*gateway.Message, error)
	EditMessage(ctx context.Context, sessionID string, messageID int64, content string, at time.Time) error
	// DeleteMessagesFrom removes the message and everything after it.
	DeleteMessagesFrom(ctx context.Context, sessionID string, messageID int64) error

	// BranchSession inserts the child session and copies the parent's
	// messages up to and including atMessageID in one transaction.
	BranchSession(ctx context.Context, child *gateway.Session, atMessageID int64) error
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	CredentialStore
	SessionStore
	Ping(ctx context.Context) error
	Close() error
}
