package server

import (
	"net/http"
	"time"
)

// sseWriteTimeout bounds one frame write. A client that stops reading gets
// dropped instead of stalling the turn for every other watcher.
const sseWriteTimeout = 10 * time.Second

// Pre-allocated SSE framing fragments. Writing them directly avoids the
// fmt.Fprintf formatting pass on every chunk of every stream.
var (
	sseDataPrefix = []byte("data: ")
	sseSuffix     = []byte("\n\n")
	sseDone       = []byte("data: [DONE]\n\n")

	sseHeaders = map[string][]string{
		"Content-Type":      {"text/event-stream"},
		"Cache-Control":     {"no-cache"},
		"Connection":        {"keep-alive"},
		"X-Accel-Buffering": {"no"},
	}
)

// sseWriter streams JSON frames as server-sent events. Headers are written
// lazily on the first frame so a turn rejected before streaming can still
// render a plain JSON error with the right status code. After the first
// failed or timed-out write the stream is abandoned and later frames are
// dropped; the turn itself keeps running for WebSocket watchers.
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	flusher http.Flusher
	started bool
	failed  bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, rc: http.NewResponseController(w), flusher: flusher}
}

func (s *sseWriter) emit(payload []byte) {
	if s.failed {
		return
	}
	if !s.started {
		s.started = true
		h := s.w.Header()
		for k, v := range sseHeaders {
			h[k] = v
		}
		s.w.WriteHeader(http.StatusOK)
	}
	s.rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	for _, b := range [][]byte{sseDataPrefix, payload, sseSuffix} {
		if _, err := s.w.Write(b); err != nil {
			s.failed = true
			return
		}
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// finish writes the terminal sentinel. A stream that never started emits
// nothing; the caller renders the error instead.
func (s *sseWriter) finish() {
	if !s.started || s.failed {
		return
	}
	s.w.Write(sseDone)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
