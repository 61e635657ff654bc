package transport

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/streamrpc/streamrpc-go/pkg/eventlog"
)

// sseWriter adapts an HTTP response into an event log consumer, rendering
// each event as a Server-Sent Events frame carrying the stored event id.
// The SSE preamble is written lazily on the first frame so that a failed
// resumption can still answer with a plain JSON error.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	started bool
	failed  bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

// start writes the SSE preamble once
func (s *sseWriter) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *sseWriter) startLocked() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

// Deliver implements eventlog.Consumer
func (s *sseWriter) Deliver(ev eventlog.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return fmt.Errorf("sse stream already failed")
	}
	s.startLocked()
	if _, err := fmt.Fprintf(s.w, "id: %s\nevent: message\ndata: %s\n\n", ev.ID, ev.Payload); err != nil {
		s.failed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

// comment writes an SSE comment line, used as a keep-alive
func (s *sseWriter) comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return fmt.Errorf("sse stream already failed")
	}
	s.startLocked()
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		s.failed = true
		return err
	}
	s.flusher.Flush()
	return nil
}
