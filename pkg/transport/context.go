package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
)

type contextKey string

const streamIDKey contextKey = "stream_id"

// ContextWithStreamID tags a context with the per-call stream a handler is
// running under, so emitted notifications can target it
func ContextWithStreamID(ctx context.Context, streamID string) context.Context {
	return context.WithValue(ctx, streamIDKey, streamID)
}

// StreamIDFromContext extracts the per-call stream id, empty if none
func StreamIDFromContext(ctx context.Context) string {
	if streamID, ok := ctx.Value(streamIDKey).(string); ok {
		return streamID
	}
	return ""
}

// sessionWatchers lets open event streams learn about session closure
// without polling
type sessionWatchers struct {
	mu       sync.Mutex
	watchers map[string][]chan struct{}
}

func newSessionWatchers() *sessionWatchers {
	return &sessionWatchers{watchers: make(map[string][]chan struct{})}
}

func (sw *sessionWatchers) watch(sessionID string) chan struct{} {
	ch := make(chan struct{})
	sw.mu.Lock()
	sw.watchers[sessionID] = append(sw.watchers[sessionID], ch)
	sw.mu.Unlock()
	return ch
}

func (sw *sessionWatchers) unwatch(sessionID string, ch chan struct{}) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	chans := sw.watchers[sessionID]
	for i, c := range chans {
		if c == ch {
			sw.watchers[sessionID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(sw.watchers[sessionID]) == 0 {
		delete(sw.watchers, sessionID)
	}
}

// closeAll wakes every watcher of a closing session
func (sw *sessionWatchers) closeAll(sessionID string) {
	sw.mu.Lock()
	chans := sw.watchers[sessionID]
	delete(sw.watchers, sessionID)
	sw.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// unmarshalParams decodes request params, tolerating an absent member
func unmarshalParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return json.Unmarshal(raw, v)
}
