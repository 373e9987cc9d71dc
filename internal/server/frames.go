package server

import (
	"encoding/json"
	"log/slog"

	gateway "github.com/eugener/elrond/internal"
	"github.com/eugener/elrond/internal/telemetry"
)

// Stream frames shared by the SSE and WebSocket transports. Every frame is
// a JSON object whose "type" discriminates the shape.
type startFrame struct {
	Type      string `json:"type"` // "start"
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id"`
}

type chunkFrame struct {
	Type   string `json:"type"` // "chunk"
	TurnID string `json:"turn_id"`
	Seq    int    `json:"seq"`
	Text   string `json:"text"`
}

type completeFrame struct {
	Type      string              `json:"type"` // "complete"
	TurnID    string              `json:"turn_id"`
	SessionID string              `json:"session_id"`
	MessageID int64               `json:"message_id"`
	FullText  string              `json:"full_text"`
	Provider  string              `json:"provider"`
	Model     string              `json:"model"`
	Usage     *gateway.TokenUsage `json:"usage,omitempty"`
}

type errorFrame struct {
	Type      string `json:"type"` // "error"
	TurnID    string `json:"turn_id"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

type pongFrame struct {
	Type string `json:"type"` // "pong"
}

func marshalFrame(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal stream frame", "error", err)
		return []byte(`{"type":"error","error_kind":"internal","message":"internal server error"}`)
	}
	return b
}

// frameSink adapts orchestrator output into JSON frames fanned out to one
// or more transports. Emit targets must not block; blocking belongs to the
// target, never to the orchestrator goroutine.
type frameSink struct {
	metrics *telemetry.Metrics
	emits   []func(payload []byte)
}

func (f *frameSink) send(payload []byte) {
	for _, emit := range f.emits {
		emit(payload)
	}
}

func (f *frameSink) Start(turnID, sessionID string) {
	f.send(marshalFrame(startFrame{Type: "start", TurnID: turnID, SessionID: sessionID}))
}

func (f *frameSink) Chunk(turnID string, seq int, text string) {
	if f.metrics != nil {
		f.metrics.ChunksForwarded.Inc()
	}
	f.send(marshalFrame(chunkFrame{Type: "chunk", TurnID: turnID, Seq: seq, Text: text}))
}

func (f *frameSink) Complete(turnID string, msg *gateway.Message) {
	f.send(marshalFrame(completeFrame{
		Type:      "complete",
		TurnID:    turnID,
		SessionID: msg.SessionID,
		MessageID: msg.ID,
		FullText:  msg.Content,
		Provider:  msg.Provider,
		Model:     msg.Model,
		Usage:     msg.Usage,
	}))
}

func (f *frameSink) Error(turnID string, err error) {
	kind, _ := errorKind(err)
	f.send(marshalFrame(errorFrame{
		Type:      "error",
		TurnID:    turnID,
		ErrorKind: kind,
		Message:   err.Error(),
	}))
}
