package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/doggyhole/doggyhole-go/pkg/creds"
	"github.com/doggyhole/doggyhole-go/pkg/protocol"
)

// AddHandler registers fn under functionName in the server handler table.
// Registration is last-writer-wins and may happen at any time.
func (h *Hub) AddHandler(functionName string, fn HandlerFunc) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.handlers[functionName] = fn
}

// RemoveHandler deletes functionName from the server handler table.
func (h *Hub) RemoveHandler(functionName string) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	delete(h.handlers, functionName)
}

// SendEvent delivers a hub-originated event to a single client. Receivers see
// it with no sender name.
func (h *Hub) SendEvent(target, eventName string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	s := h.lookup(target)
	if s == nil {
		return ErrClientNotFound
	}

	frame, err := protocol.NewEventFrame(eventName, payload, "")
	if err != nil {
		return fmt.Errorf("build event frame: %w", err)
	}
	if !s.enqueue(frame) {
		return ErrClientNotAvailable
	}
	return nil
}

// BroadcastEvent delivers a hub-originated event to every authenticated
// client.
func (h *Hub) BroadcastEvent(eventName string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	frame, err := protocol.NewEventFrame(eventName, payload, "")
	if err != nil {
		return fmt.Errorf("build event frame: %w", err)
	}

	for _, s := range h.snapshot() {
		if s.enqueue(frame) {
			h.metrics.eventFanout.Inc()
		}
	}
	return nil
}

// RequestClient invokes a named handler on a connected client and waits for
// its reply. The request settles on the first of reply, context cancellation,
// the configured request timeout, target disconnect, or hub shutdown; a
// failed handler surfaces as *RemoteError.
func (h *Hub) RequestClient(ctx context.Context, target, functionName string, data any) (json.RawMessage, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal request data: %w", err)
	}

	s := h.lookup(target)
	if s == nil {
		return nil, ErrClientNotFound
	}

	id, done := h.pending.add(target)

	frame, err := protocol.NewClientRequestFrame(id, functionName, payload, target, "")
	if err != nil {
		h.pending.remove(id)
		return nil, fmt.Errorf("build client_request frame: %w", err)
	}
	if !s.enqueue(frame) {
		h.pending.remove(id)
		return nil, ErrClientNotAvailable
	}

	timer := time.NewTimer(h.opts.RequestTimeout)
	defer timer.Stop()

	// Whichever path loses the race below finds the entry already settled and
	// does nothing; done always carries exactly one outcome.
	select {
	case out := <-done:
		return out.data, out.err
	case <-timer.C:
		h.pending.fail(id, ErrRequestTimeout)
	case <-ctx.Done():
		h.pending.fail(id, ctx.Err())
	case <-h.ctx.Done():
		h.pending.fail(id, ErrHubClosed)
	}

	out := <-done
	return out.data, out.err
}

// SetUser upserts a credential. Live sessions are unaffected; the new token
// applies to subsequent connections.
func (h *Hub) SetUser(ctx context.Context, name, token string) error {
	return h.store.Set(ctx, name, token)
}

// RemoveUser revokes a credential and closes any live session for the name.
// The store's not-found error passes through so callers can tell a missing
// user from a revoked one.
func (h *Hub) RemoveUser(ctx context.Context, name string) error {
	err := h.store.Remove(ctx, name)
	if err != nil && !errors.Is(err, creds.ErrUnknownUser) {
		return err
	}

	if s := h.lookup(name); s != nil {
		s.closeWithCode(websocket.CloseNormalClosure, "User removed")
		h.unregister(s)
	}
	return err
}
