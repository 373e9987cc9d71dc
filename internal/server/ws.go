package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	gateway "github.com/eugener/elrond/internal"
	"github.com/eugener/elrond/internal/app"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsClientFrame is any inbound WebSocket message. Unused fields stay zero
// for the frame types that do not carry them. A chat frame carries either
// content (one user message) or messages (the multi-message form).
type wsClientFrame struct {
	Type string `json:"type"` // "chat" or "ping"

	Provider string                `json:"provider,omitempty"`
	Model    string                `json:"model,omitempty"`
	Content  string                `json:"content,omitempty"`
	Messages []gateway.ChatMessage `json:"messages,omitempty"`
	Options  gateway.ChatOptions   `json:"options,omitempty"`
	APIKeys  map[string]string     `json:"api_keys,omitempty"`
}

// turnMessages normalizes the two chat frame shapes.
func (f *wsClientFrame) turnMessages() []gateway.ChatMessage {
	if len(f.Messages) == 0 && f.Content != "" {
		return []gateway.ChatMessage{{Role: gateway.RoleUser, Content: f.Content}}
	}
	return f.Messages
}

// handleWS upgrades to WebSocket after verifying the caller owns the
// session. The connection both subscribes to the session's frames and
// accepts chat frames that start new turns on it.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	identity := gateway.IdentityFromContext(r.Context())

	// Ownership is checked before the upgrade so an attacker probing other
	// users' sessions gets a normal HTTP error, not a half-open socket.
	if _, err := s.deps.Sessions.Get(r.Context(), identity.UserID, sessionID); err != nil {
		writeError(w, r, err)
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		slog.LogAttrs(r.Context(), slog.LevelWarn, "websocket upgrade failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
		return
	}

	conn := newWSConn(sock)
	s.deps.Registry.attach(sessionID, conn)
	if s.deps.Metrics != nil {
		s.deps.Metrics.WSConnections.Inc()
	}

	// Turns started from this socket outlive the HTTP request but not the
	// socket itself.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-conn.done
		cancel()
	}()

	go s.wsWriteLoop(conn)
	s.wsReadLoop(ctx, conn, identity, sessionID)

	s.deps.Registry.detach(sessionID, conn)
	if s.deps.Metrics != nil {
		s.deps.Metrics.WSConnections.Dec()
	}
}

// wsReadLoop consumes inbound frames until the connection drops or idles out.
func (s *server) wsReadLoop(ctx context.Context, conn *wsConn, identity *gateway.Identity, sessionID string) {
	for {
		conn.sock.SetReadDeadline(time.Now().Add(s.deps.IdleTimeout))
		_, data, err := conn.sock.ReadMessage()
		if err != nil {
			return
		}
		conn.touch()

		var frame wsClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			conn.enqueue(marshalFrame(errorFrame{
				Type: "error", ErrorKind: "invalid_input", Message: "malformed frame",
			}))
			continue
		}

		switch frame.Type {
		case "ping":
			conn.enqueue(marshalFrame(pongFrame{Type: "pong"}))
		case "chat":
			go s.runWSTurn(ctx, conn, identity, sessionID, &frame)
		default:
			conn.enqueue(marshalFrame(errorFrame{
				Type: "error", ErrorKind: "invalid_input",
				Message: "unknown frame type " + frame.Type,
			}))
		}
	}
}

// runWSTurn executes one turn requested over the socket. Frames go to every
// subscriber of the session; a pre-stream rejection goes only to the
// requester since no turn ever started.
func (s *server) runWSTurn(ctx context.Context, conn *wsConn, identity *gateway.Identity, sessionID string, frame *wsClientFrame) {
	sink := &frameSink{
		metrics: s.deps.Metrics,
		emits: []func([]byte){
			func(b []byte) { s.deps.Registry.Broadcast(sessionID, b) },
		},
	}

	start := time.Now()
	msg, err := s.deps.Turns.Run(ctx, identity, &app.TurnRequest{
		SessionID:  sessionID,
		Provider:   frame.Provider,
		Model:      frame.Model,
		Messages:   frame.turnMessages(),
		Options:    frame.Options,
		InlineKeys: frame.APIKeys,
	}, sink)

	s.observeTurn(ctx, frame.Provider, frame.Model, msg, err, time.Since(start))

	if err != nil {
		kind, _ := errorKind(err)
		msg := err.Error()
		if kind == "internal" {
			slog.LogAttrs(ctx, slog.LevelError, "websocket turn failed",
				slog.String("session_id", sessionID),
				slog.String("error", msg),
			)
			msg = "internal server error"
		}
		conn.enqueue(marshalFrame(errorFrame{Type: "error", ErrorKind: kind, Message: msg}))
	}
}

// wsWriteLoop is the only writer on the socket.
func (s *server) wsWriteLoop(conn *wsConn) {
	for {
		select {
		case <-conn.done:
			return
		case payload := <-conn.send:
			conn.sock.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.sock.WriteMessage(websocket.TextMessage, payload); err != nil {
				conn.close()
				return
			}
		}
	}
}
