// Package app implements the stream orchestrator: it carries one chat turn
// from rate-limit admission through provider streaming to the persisted
// assistant message.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/elrond/internal"
	"github.com/eugener/elrond/internal/circuitbreaker"
	"github.com/eugener/elrond/internal/credstore"
	"github.com/eugener/elrond/internal/provider"
	"github.com/eugener/elrond/internal/ratelimit"
	"github.com/eugener/elrond/internal/session"
	"github.com/eugener/elrond/internal/tokencount"
)

// defaultCallTimeout is the hard upper bound on one provider call.
const defaultCallTimeout = 120 * time.Second

// maxSessionNameLen caps names derived from the first user message.
const maxSessionNameLen = 48

// Sink receives orchestrator output for one turn. Implementations must not
// block: a slow client is the sink's problem, never the orchestrator's.
type Sink interface {
	// Start announces a new turn before any chunk. sessionID is the
	// resolved session, which may have been created for this turn.
	Start(turnID, sessionID string)
	// Chunk delivers one text delta. seq starts at 0 and increments by 1.
	Chunk(turnID string, seq int, text string)
	// Complete delivers the final persisted assistant message.
	Complete(turnID string, msg *gateway.Message)
	// Error terminates the turn after a mid-stream failure.
	Error(turnID string, err error)
}

// TurnRequest is one incoming chat turn.
type TurnRequest struct {
	SessionID  string // empty starts a new session
	Provider   string
	Model      string
	Messages   []gateway.ChatMessage
	Options    gateway.ChatOptions
	InlineKeys map[string]string // provider -> key, used once, never stored
}

// RateLimitError carries the limiter verdict so transport can emit the
// Retry-After contract.
type RateLimitError struct {
	Result ratelimit.Result
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited; retry after %s", e.Result.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return gateway.ErrRateLimited }

// TurnService orchestrates chat turns.
type TurnService struct {
	providers   *provider.Registry
	sessions    *session.Service
	creds       *credstore.Service
	limiter     *ratelimit.Limiter
	counter     *tokencount.Counter
	breakers    *circuitbreaker.Registry
	defaultKeys map[string]string
	callTimeout time.Duration

	mu    sync.Mutex
	turns map[string]*turnLock // per-session turn queue
}

// turnLock orders turns on one session. refs counts turns holding or
// waiting on the lock; the registry entry is dropped when it reaches zero,
// so idle sessions leave no residue in the map.
type turnLock struct {
	mu   sync.Mutex
	refs int
}

// NewTurnService wires the orchestrator. defaultKeys maps provider name to
// the operator-configured fallback credential; callTimeout <= 0 selects the
// 120 s default.
func NewTurnService(providers *provider.Registry, sessions *session.Service, creds *credstore.Service, limiter *ratelimit.Limiter, defaultKeys map[string]string, callTimeout time.Duration) *TurnService {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &TurnService{
		providers:   providers,
		sessions:    sessions,
		creds:       creds,
		limiter:     limiter,
		counter:     tokencount.NewCounter(),
		breakers:    circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		defaultKeys: defaultKeys,
		callTimeout: callTimeout,
		turns:       make(map[string]*turnLock),
	}
}

// lockSession acquires the per-session turn lock. It is distinct from the
// session service's store lock: this one is held for the whole turn,
// including provider streaming, so concurrent turns on one session run
// strictly one after another.
func (s *TurnService) lockSession(sessionID string) *turnLock {
	s.mu.Lock()
	l, ok := s.turns[sessionID]
	if !ok {
		l = &turnLock{}
		s.turns[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return l
}

// unlockSession releases the turn lock and evicts the registry entry once
// no turn holds or waits on it.
func (s *TurnService) unlockSession(sessionID string, l *turnLock) {
	l.mu.Unlock()

	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.turns, sessionID)
	}
	s.mu.Unlock()
}

// Run executes one full chat turn. Errors returned directly occurred before
// any chunk was streamed and map to an HTTP status; once streaming has
// begun, failures are reported through the sink and the partial assistant
// message is persisted and returned.
func (s *TurnService) Run(ctx context.Context, identity *gateway.Identity, req *TurnRequest, sink Sink) (*gateway.Message, error) {
	if err := validateTurn(req); err != nil {
		return nil, err
	}

	res := s.limiter.Admit(identity.RateKey(), gateway.ClassChat)
	if !res.Allowed {
		return nil, &RateLimitError{Result: res}
	}

	// Unknown provider fails here, before any session write or network call.
	p, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	// A tripped breaker answers in nanoseconds instead of waiting out a
	// timeout against a provider that is already known to be down.
	breaker := s.breakers.GetOrCreate(p.Name())
	if !breaker.Allow() {
		return nil, fmt.Errorf("provider %s temporarily disabled after repeated failures: %w",
			p.Name(), gateway.ErrProviderUnavailable)
	}

	sess, err := s.loadOrCreateSession(ctx, identity.UserID, req)
	if err != nil {
		return nil, err
	}

	lock := s.lockSession(sess.ID)
	defer s.unlockSession(sess.ID, lock)

	for i := range req.Messages {
		m := &gateway.Message{
			SessionID: sess.ID,
			Role:      req.Messages[i].Role,
			Content:   req.Messages[i].Content,
		}
		if _, err := s.sessions.Append(ctx, identity.UserID, m); err != nil {
			return nil, err
		}
	}

	history, err := s.sessions.Messages(ctx, identity.UserID, sess.ID, 0, 0)
	if err != nil {
		return nil, err
	}
	prompt := assemblePrompt(s.counter, history, contextBudget(req.Model))

	key, err := s.resolveAPIKey(ctx, identity.UserID, p.Name(), req.InlineKeys)
	if err != nil {
		if errors.Is(err, gateway.ErrNoCredentials) {
			// The caller could have supplied a key inline, so this is an
			// input problem, not a server one.
			return nil, fmt.Errorf("no API key for provider %s; store one or pass it inline: %w",
				p.Name(), gateway.ErrBadRequest)
		}
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	ch, err := p.Stream(callCtx, &gateway.ChatRequest{
		Model:    req.Model,
		Messages: prompt,
		Options:  req.Options,
		APIKey:   key,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			breaker.RecordError(circuitbreaker.ClassifyError(err))
		}
		return nil, err
	}

	return s.forward(ctx, identity.UserID, sess.ID, p.Name(), req.Model, ch, breaker, sink), nil
}

// EvictStaleBreakers drops circuit state for providers idle since cutoff.
func (s *TurnService) EvictStaleBreakers(cutoff time.Time) int {
	return s.breakers.EvictStale(cutoff)
}

// forward consumes the adapter stream, fans chunks out through the sink,
// and persists the assistant message (complete or partial) at the end.
func (s *TurnService) forward(ctx context.Context, userID, sessionID, providerName, model string, ch <-chan gateway.StreamChunk, breaker *circuitbreaker.Breaker, sink Sink) *gateway.Message {
	turnID := uuid.NewString()
	sink.Start(turnID, sessionID)

	var text strings.Builder
	var usage *gateway.TokenUsage
	var streamErr error
	seq := 0

	for chunk := range ch {
		if chunk.Err != nil {
			streamErr = chunk.Err
			break
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Text != "" {
			sink.Chunk(turnID, seq, chunk.Text)
			text.WriteString(chunk.Text)
			seq++
		}
		if chunk.Done {
			break
		}
	}

	msg := &gateway.Message{
		SessionID: sessionID,
		Role:      gateway.RoleAssistant,
		Content:   text.String(),
		Provider:  providerName,
		Model:     model,
		Usage:     usage,
	}
	if streamErr != nil {
		msg.Error = streamErr.Error()
	}

	// Disconnects are ordinary client behavior and leave the breaker alone;
	// recording them (even at zero weight) would dilute real failure rates.
	switch {
	case streamErr == nil:
		breaker.RecordSuccess()
	case !errors.Is(streamErr, context.Canceled):
		breaker.RecordError(circuitbreaker.ClassifyError(streamErr))
	}

	// Persist even when the client is gone; the partial is part of the log.
	persistCtx := context.WithoutCancel(ctx)
	if _, err := s.sessions.Append(persistCtx, userID, msg); err != nil {
		slog.Error("persist assistant message",
			"session_id", sessionID, "turn_id", turnID, "error", err)
	}

	if streamErr != nil {
		sink.Error(turnID, streamErr)
	} else {
		sink.Complete(turnID, msg)
	}
	return msg
}

// loadOrCreateSession resolves the target session, creating one on first
// use when no session ID was supplied.
func (s *TurnService) loadOrCreateSession(ctx context.Context, userID string, req *TurnRequest) (*gateway.Session, error) {
	if req.SessionID != "" {
		return s.sessions.Get(ctx, userID, req.SessionID)
	}
	return s.sessions.Create(ctx, userID, deriveName(req.Messages))
}

// validateTurn rejects malformed turn requests before any side effect.
func validateTurn(req *TurnRequest) error {
	if req.Provider == "" {
		return fmt.Errorf("provider is required: %w", gateway.ErrBadRequest)
	}
	if req.Model == "" {
		return fmt.Errorf("model is required: %w", gateway.ErrBadRequest)
	}
	hasUser := false
	for _, m := range req.Messages {
		switch m.Role {
		case gateway.RoleUser:
			hasUser = true
		case gateway.RoleSystem:
		default:
			return fmt.Errorf("message role %q not accepted on a turn: %w", m.Role, gateway.ErrBadRequest)
		}
		if m.Content == "" {
			return fmt.Errorf("message content must not be empty: %w", gateway.ErrBadRequest)
		}
	}
	if !hasUser {
		return fmt.Errorf("turn needs a user message: %w", gateway.ErrBadRequest)
	}
	return nil
}

// deriveName titles a new session from its first user message.
func deriveName(messages []gateway.ChatMessage) string {
	for _, m := range messages {
		if m.Role != gateway.RoleUser {
			continue
		}
		name := strings.TrimSpace(m.Content)
		if runes := []rune(name); len(runes) > maxSessionNameLen {
			name = string(runes[:maxSessionNameLen])
		}
		return name
	}
	return "New chat"
}
