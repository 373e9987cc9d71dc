// Package gateway defines domain types and interfaces for the Elrond chat gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"time"
)

// --- Conversation model ---

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry in a session's conversation log.
// IDs are monotone per session; ID order equals chronological order.
type Message struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"session_id"`
	Role      string      `json:"role"`
	Content   string      `json:"content"`
	Provider  string      `json:"provider,omitempty"` // assistant messages only
	Model     string      `json:"model,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
	Error     string      `json:"error,omitempty"` // set when a turn ended mid-stream
	CreatedAt time.Time   `json:"created_at"`
	EditedAt  *time.Time  `json:"edited_at,omitempty"`
}

// TokenUsage reports token counts for one turn.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Session is an ordered conversation owned by exactly one user.
type Session struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Name          string    `json:"name"`
	ParentID      string    `json:"parent_session_id,omitempty"`
	BranchPointID int64     `json:"branch_point_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SessionSummary is a Session plus listing metadata.
type SessionSummary struct {
	Session
	MessageCount int `json:"message_count"`
}

// User is a registered account. PasswordHash is a bcrypt hash and is
// never serialized.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "user" or "admin"
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// CredentialInfo describes a stored provider key without exposing it.
type CredentialInfo struct {
	Provider   string     `json:"provider"`
	HasKey     bool       `json:"has_key"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// --- Provider ---

// ChatMessage is a normalized prompt entry sent to a provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions carries per-call generation parameters.
type ChatOptions struct {
	MaxTokens        int      `json:"max_tokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	ExtendedThinking bool     `json:"extended_thinking,omitempty"`
}

// ChatRequest is the normalized request every provider adapter accepts.
// APIKey is the resolved credential for this single call; adapters must
// never include it in errors or logs.
type ChatRequest struct {
	Model    string
	Messages []ChatMessage
	Options  ChatOptions
	APIKey   string
}

// StreamChunk is one unit of streamed provider output. Text chunks arrive
// in generation order; Usage is non-nil at most once near the end; the
// sequence terminates with Done=true or a chunk whose Err is non-nil.
type StreamChunk struct {
	Text  string
	Usage *TokenUsage
	Done  bool
	Err   error
}

// Provider is the interface all LLM provider adapters implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string
	// Stream sends a streaming chat request and returns a finite chunk
	// sequence. The channel is closed after the terminal chunk. Cancelling
	// ctx aborts the upstream call.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	// ListModels returns the model IDs this adapter serves.
	ListModels(ctx context.Context) ([]string, error)
}

// --- Rate limiting ---

// Endpoint classes for rate limiting.
const (
	ClassAuth    = "auth"
	ClassChat    = "chat"
	ClassFile    = "file"
	ClassGeneral = "general"
)

// --- Identity and context ---

// Identity is the authenticated caller attached to request context.
type Identity struct {
	UserID     string `json:"user_id"`
	Role       string `json:"role"`
	RemoteAddr string `json:"-"` // rate-limit scope for unauthenticated calls
}

// RateKey returns the rate-limit identity: user ID when authenticated,
// remote address otherwise.
func (id *Identity) RateKey() string {
	if id != nil && id.UserID != "" {
		return "user:" + id.UserID
	}
	if id != nil {
		return "addr:" + id.RemoteAddr
	}
	return "anonymous"
}

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
