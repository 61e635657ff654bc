package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/streamrpc/streamrpc-go/pkg/dispatch"
	"github.com/streamrpc/streamrpc-go/pkg/errors"
	"github.com/streamrpc/streamrpc-go/pkg/logging"
	"github.com/streamrpc/streamrpc-go/pkg/transport"
)

// notifier sends server-initiated notifications into a session's streams
type notifier interface {
	Notify(ctx context.Context, sessionID, method string, params interface{}) error
}

// demoHandler is the built-in domain: echo, a cancellable sleep that
// reports progress, and topic subscriptions. It exists so the daemon is
// exercisable end to end without an application on top.
type demoHandler struct {
	stateless bool
	logger    logging.Logger

	mu     sync.Mutex
	notify notifier
	subs   map[string]map[string]bool
}

func newDemoHandler(stateless bool, logger logging.Logger) *demoHandler {
	return &demoHandler{
		stateless: stateless,
		logger:    logger.WithFields(logging.String("component", "demo")),
		subs:      make(map[string]map[string]bool),
	}
}

// SetNotifier wires the transport after construction; the transport needs
// the handler first
func (d *demoHandler) SetNotifier(n notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notify = n
}

func (d *demoHandler) notifier() notifier {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notify
}

type sleepParams struct {
	Ms int `json:"ms"`
}

type subscribeParams struct {
	Topic string `json:"topic"`
}

// Handle implements dispatch.Handler
func (d *demoHandler) Handle(ctx context.Context, method string, params json.RawMessage, cancel *dispatch.Handle) (interface{}, error) {
	switch method {
	case "echo":
		if params == nil {
			return map[string]interface{}{}, nil
		}
		return params, nil

	case "sleep":
		return d.sleep(ctx, params, cancel)

	case "subscribe":
		return d.subscribe(ctx, params)

	case "unsubscribe":
		return d.unsubscribe(ctx, params)

	default:
		return nil, errors.MethodNotFound(method)
	}
}

// sleep waits the requested duration in quarters, emitting a progress
// notification after each. It gives up promptly when cancelled.
func (d *demoHandler) sleep(ctx context.Context, params json.RawMessage, cancel *dispatch.Handle) (interface{}, error) {
	p := sleepParams{Ms: 1000}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, errors.InvalidParams("sleep", err)
		}
	}

	total := time.Duration(p.Ms) * time.Millisecond
	quarter := total / 4
	sessionID := logging.SessionIDFromContext(ctx)

	for i := 1; i <= 4; i++ {
		timer := time.NewTimer(quarter)
		select {
		case <-ctx.Done():
			timer.Stop()
			if cancel.Cancelled() {
				return nil, cancel.Err()
			}
			return nil, ctx.Err()
		case <-timer.C:
		}
		if n := d.notifier(); n != nil && sessionID != "" && i < 4 {
			_ = n.Notify(ctx, sessionID, "sleep/progress", map[string]interface{}{
				"done": i * 25,
			})
		}
	}
	return map[string]interface{}{"slept_ms": p.Ms}, nil
}

func (d *demoHandler) subscribe(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if d.stateless {
		return nil, errors.StatelessUnsupported("subscribe")
	}
	var p subscribeParams
	if err := json.Unmarshal(params, &p); err != nil || p.Topic == "" {
		return nil, errors.InvalidParams("subscribe", err)
	}
	sessionID := logging.SessionIDFromContext(ctx)

	d.mu.Lock()
	if d.subs[sessionID] == nil {
		d.subs[sessionID] = make(map[string]bool)
	}
	d.subs[sessionID][p.Topic] = true
	d.mu.Unlock()

	if n := d.notifier(); n != nil {
		_ = n.Notify(ctx, sessionID, "subscription/active", map[string]interface{}{
			"topic": p.Topic,
		})
	}
	return map[string]interface{}{"topic": p.Topic, "subscribed": true}, nil
}

func (d *demoHandler) unsubscribe(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if d.stateless {
		return nil, errors.StatelessUnsupported("unsubscribe")
	}
	var p subscribeParams
	if err := json.Unmarshal(params, &p); err != nil || p.Topic == "" {
		return nil, errors.InvalidParams("unsubscribe", err)
	}
	sessionID := logging.SessionIDFromContext(ctx)

	d.mu.Lock()
	delete(d.subs[sessionID], p.Topic)
	d.mu.Unlock()

	return map[string]interface{}{"topic": p.Topic, "subscribed": false}, nil
}

// Notify implements dispatch.NotificationSink for domain notifications
func (d *demoHandler) Notify(ctx context.Context, method string, params json.RawMessage) error {
	d.logger.Debug("notification received",
		logging.String("method", method),
		logging.String("session_id", logging.SessionIDFromContext(ctx)))
	return nil
}

// DropSession forgets a closed session's subscriptions
func (d *demoHandler) DropSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, sessionID)
}

var _ dispatch.Handler = (*demoHandler)(nil)
var _ dispatch.NotificationSink = (*demoHandler)(nil)
var _ notifier = (*transport.Handler)(nil)
