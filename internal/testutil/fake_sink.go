package testutil

import (
	"sync"

	gateway "github.com/eugener/elrond/internal"
)

// SinkChunk is one recorded Chunk call.
type SinkChunk struct {
	TurnID string
	Seq    int
	Text   string
}

// FakeSink records orchestrator output for assertions. Safe for concurrent use.
type FakeSink struct {
	mu        sync.Mutex
	Started   []string
	Chunks    []SinkChunk
	Completed []*gateway.Message
	Errors    []error
}

func (f *FakeSink) Start(turnID, _ string) {
	f.mu.Lock()
	f.Started = append(f.Started, turnID)
	f.mu.Unlock()
}

func (f *FakeSink) Chunk(turnID string, seq int, text string) {
	f.mu.Lock()
	f.Chunks = append(f.Chunks, SinkChunk{TurnID: turnID, Seq: seq, Text: text})
	f.mu.Unlock()
}

func (f *FakeSink) Complete(turnID string, msg *gateway.Message) {
	f.mu.Lock()
	f.Completed = append(f.Completed, msg)
	f.mu.Unlock()
}

func (f *FakeSink) Error(_ string, err error) {
	f.mu.Lock()
	f.Errors = append(f.Errors, err)
	f.mu.Unlock()
}

// Text concatenates all recorded chunk texts.
func (f *FakeSink) Text() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out string
	for _, c := range f.Chunks {
		out += c.Text
	}
	return out
}
