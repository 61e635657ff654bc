package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamrpc/streamrpc-go/pkg/errors"
	"github.com/streamrpc/streamrpc-go/pkg/protocol"
)

func newTestDispatcher(handler Handler) *Dispatcher {
	return NewDispatcher(Config{MaxConcurrency: 4, CallTimeout: time.Second}, handler, NewRegistry(nil), nil)
}

func request(t *testing.T, id interface{}, method string, params interface{}) *protocol.Request {
	t.Helper()
	req, err := protocol.NewRequest(id, method, params)
	require.NoError(t, err)
	return req
}

func TestPingIsBuiltIn(t *testing.T) {
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, method string, params json.RawMessage, cancel *Handle) (interface{}, error) {
		t.Fatal("ping must not reach the domain handler")
		return nil, nil
	}))

	resp := d.HandleRequest(context.Background(), "s1", request(t, json.Number("1"), protocol.MethodPing, nil))
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{}`, string(resp.Result))
}

func TestHandlerResultBecomesResponse(t *testing.T) {
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, method string, params json.RawMessage, cancel *Handle) (interface{}, error) {
		return map[string]string{"echo": method}, nil
	}))

	resp := d.HandleRequest(context.Background(), "s1", request(t, json.Number("1"), "hello", nil))
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"echo":"hello"}`, string(resp.Result))
	assert.Equal(t, 0, d.Registry().Len())
}

func TestStructuredErrorKeepsItsCode(t *testing.T) {
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, method string, params json.RawMessage, cancel *Handle) (interface{}, error) {
		return nil, errors.MethodNotFound(method)
	}))

	resp := d.HandleRequest(context.Background(), "s1", request(t, json.Number("1"), "nope", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.MethodNotFound, resp.Error.Code)
}

func TestUnstructuredErrorCollapsesToInternal(t *testing.T) {
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, method string, params json.RawMessage, cancel *Handle) (interface{}, error) {
		return nil, fmt.Errorf("connection refused to db 10.0.0.1")
	}))

	resp := d.HandleRequest(context.Background(), "s1", request(t, json.Number("1"), "query", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InternalError, resp.Error.Code)
	// Internals never leak verbatim onto the wire.
	assert.Equal(t, "internal error", resp.Error.Message)
}

func TestCooperativeCancellation(t *testing.T) {
	started := make(chan struct{})
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, method string, params json.RawMessage, cancel *Handle) (interface{}, error) {
		close(started)
		<-cancel.Done()
		return nil, cancel.Err()
	}))

	done := make(chan *protocol.Response, 1)
	go func() {
		done <- d.HandleRequest(context.Background(), "s1", request(t, json.Number("42"), "slow", nil))
	}()

	<-started
	d.Registry().Cancel("s1", protocol.IDKey(json.Number("42")), "user aborted")

	select {
	case resp := <-done:
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.OperationCancelled, resp.Error.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request never completed")
	}
	assert.Equal(t, 0, d.Registry().Len())
}

func TestCompletionWinsOverCancellation(t *testing.T) {
	started := make(chan struct{})
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, method string, params json.RawMessage, cancel *Handle) (interface{}, error) {
		close(started)
		// Ignore the cancel signal entirely and finish the work.
		<-cancel.Done()
		return map[string]bool{"finished": true}, nil
	}))

	done := make(chan *protocol.Response, 1)
	go func() {
		done <- d.HandleRequest(context.Background(), "s1", request(t, json.Number("1"), "stubborn", nil))
	}()

	<-started
	d.Registry().Cancel("s1", protocol.IDKey(json.Number("1")), "")

	select {
	case resp := <-done:
		require.Nil(t, resp.Error)
		assert.JSONEq(t, `{"finished":true}`, string(resp.Result))
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
	}
}

func TestCancelUnknownRequestIsNoOp(t *testing.T) {
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, method string, params json.RawMessage, cancel *Handle) (interface{}, error) {
		return nil, nil
	}))

	// No panic, no error surface, nothing to observe.
	d.Registry().Cancel("s1", "n:999", "whatever")
	d.Registry().Cancel("no-such-session", "n:1", "")
}

func TestCancelNotificationSignalsPendingOperation(t *testing.T) {
	started := make(chan struct{})
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, method string, params json.RawMessage, cancel *Handle) (interface{}, error) {
		close(started)
		<-cancel.Done()
		return nil, cancel.Err()
	}))

	done := make(chan *protocol.Response, 1)
	go func() {
		done <- d.HandleRequest(context.Background(), "s1", request(t, json.Number("7"), "slow", nil))
	}()
	<-started

	cancelNote, err := protocol.NewNotification(protocol.MethodCancel, protocol.CancelParams{ID: 7, Reason: "timeout"})
	require.NoError(t, err)
	d.HandleNotification(context.Background(), "s1", cancelNote)

	select {
	case resp := <-done:
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.OperationCancelled, resp.Error.Code)
		assert.JSONEq(t, `{"reason":"timeout"}`, mustJSON(t, resp.Error.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request never completed")
	}
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, method string, params json.RawMessage, cancel *Handle) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	}))

	go d.HandleRequest(context.Background(), "s1", request(t, json.Number("1"), "slow", nil))
	<-started

	resp := d.HandleRequest(context.Background(), "s1", request(t, json.Number("1"), "slow", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidRequest, resp.Error.Code)

	// The same id on a different session is a different operation.
	respOther := d.HandleRequest(context.Background(), "s2", request(t, json.Number("1"), protocol.MethodPing, nil))
	assert.Nil(t, respOther.Error)

	close(release)
}

func TestSessionlessRequestsShareNoIDSpace(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, method string, params json.RawMessage, cancel *Handle) (interface{}, error) {
		started <- struct{}{}
		<-release
		return map[string]bool{"ok": true}, nil
	}))

	// Two unrelated clients happen to pick the same request id; each request
	// is self-contained, so neither sees the other as a duplicate.
	done := make(chan *protocol.Response, 2)
	go func() { done <- d.HandleRequest(context.Background(), "", request(t, json.Number("1"), "slow", nil)) }()
	go func() { done <- d.HandleRequest(context.Background(), "", request(t, json.Number("1"), "slow", nil)) }()
	<-started
	<-started
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case resp := <-done:
			require.Nil(t, resp.Error)
			assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
		case <-time.After(2 * time.Second):
			t.Fatal("request never completed")
		}
	}
	assert.Equal(t, 0, d.Registry().Len())
}

func TestCancelSessionSweepsAllPending(t *testing.T) {
	started := make(chan struct{}, 2)
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, method string, params json.RawMessage, cancel *Handle) (interface{}, error) {
		started <- struct{}{}
		<-cancel.Done()
		return nil, cancel.Err()
	}))

	done := make(chan *protocol.Response, 2)
	go func() { done <- d.HandleRequest(context.Background(), "s1", request(t, json.Number("1"), "a", nil)) }()
	go func() { done <- d.HandleRequest(context.Background(), "s1", request(t, json.Number("2"), "b", nil)) }()
	<-started
	<-started
	assert.Equal(t, 2, d.Registry().PendingCount("s1"))

	d.Registry().CancelSession("s1", "session closed")

	for i := 0; i < 2; i++ {
		select {
		case resp := <-done:
			require.NotNil(t, resp.Error)
			assert.Equal(t, protocol.OperationCancelled, resp.Error.Code)
		case <-time.After(2 * time.Second):
			t.Fatal("operation never completed after session cancel")
		}
	}
}

func TestServerInitiatedCallCorrelation(t *testing.T) {
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, method string, params json.RawMessage, cancel *Handle) (interface{}, error) {
		return nil, nil
	}))

	var sent *protocol.Request
	done := make(chan struct{})
	var resp *protocol.Response
	var callErr error
	go func() {
		defer close(done)
		resp, callErr = d.Call(context.Background(), "elicit", map[string]string{"q": "ok?"}, func(req *protocol.Request) error {
			sent = req
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		d.callMu.Lock()
		defer d.callMu.Unlock()
		return sent != nil && len(d.calls) == 1
	}, time.Second, 5*time.Millisecond)

	reply, err := protocol.NewResponse(sent.ID, map[string]bool{"ok": true})
	require.NoError(t, err)
	d.HandleResponse("s1", reply)

	<-done
	require.NoError(t, callErr)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))

	// A second response with the same id has no pending call left.
	d.HandleResponse("s1", reply)
}

func TestUnknownNotificationDropped(t *testing.T) {
	d := newTestDispatcher(HandlerFunc(func(ctx context.Context, method string, params json.RawMessage, cancel *Handle) (interface{}, error) {
		return nil, nil
	}))

	n, err := protocol.NewNotification("telemetry/blip", nil)
	require.NoError(t, err)
	d.HandleNotification(context.Background(), "s1", n)
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
