package hub

import (
	"encoding/json"
	"fmt"

	"github.com/doggyhole/doggyhole-go/pkg/protocol"
)

// dispatch routes a frame from an authenticated session. raw is the original
// wire payload; response forwarding reuses it verbatim.
func (h *Hub) dispatch(s *Session, f *protocol.Frame, raw []byte) {
	h.metrics.framesRouted.WithLabelValues(string(f.Type)).Inc()

	switch f.Type {
	case protocol.TypeRequest:
		h.handleRequest(s, f)
	case protocol.TypeClientRequest:
		h.handleClientRequest(s, f)
	case protocol.TypeResponse:
		h.handleResponse(s, f, raw)
	case protocol.TypeEvent:
		h.handleEvent(s, f)
	case protocol.TypeHeartbeatResponse:
		s.refreshHeartbeat()
	default:
		s.log.Warn().Str("type", string(f.Type)).Str("client", s.Name()).Msg("Dropping unroutable frame")
	}
}

// handleRequest dispatches a request to the server handler table. The handler
// runs in its own goroutine so a slow handler cannot stall the session's read
// loop; exactly one response goes back for the request id.
func (h *Hub) handleRequest(s *Session, f *protocol.Frame) {
	h.handlersMu.RLock()
	handler, ok := h.handlers[f.FunctionName]
	h.handlersMu.RUnlock()

	if !ok {
		h.respondError(s, f.ID, "Handler not found", "")
		return
	}

	go func() {
		result, err := h.invokeHandler(handler, f.Data)
		if err != nil {
			h.respondError(s, f.ID, err.Error(), "")
			return
		}

		data, err := json.Marshal(result)
		if err != nil {
			h.log.Error().Err(err).Str("function", f.FunctionName).Msg("Failed to marshal handler result")
			h.fireError(err)
			h.respondError(s, f.ID, "Internal server error", "")
			return
		}
		h.respondResult(s, f.ID, data, "")
	}()
}

// invokeHandler runs a handler with panic containment so a faulty handler
// surfaces as a failed response instead of crashing the session.
func (h *Hub) invokeHandler(handler HandlerFunc, data json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("Request handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(h.ctx, data)
}

// handleClientRequest forwards a peer request to its target session, stamping
// the caller's name into fromClient so the reply can be routed back. The id
// passes through unchanged; the caller correlates with it.
func (h *Hub) handleClientRequest(s *Session, f *protocol.Frame) {
	target := h.lookup(f.TargetClient)
	if target == nil {
		h.respondError(s, f.ID, "Target client not found", "")
		return
	}

	frame, err := protocol.NewClientRequestFrame(f.ID, f.FunctionName, f.Data, f.TargetClient, s.Name())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build client_request frame")
		h.fireError(err)
		h.respondError(s, f.ID, "Internal server error", "")
		return
	}

	if !target.enqueue(frame) {
		h.respondError(s, f.ID, "Target client not available", "")
	}
}

// handleResponse routes a response frame. Replies carrying originalFromClient
// belong to a forwarded peer request and are passed back verbatim; replies
// without it settle the hub's own pending request table.
func (h *Hub) handleResponse(s *Session, f *protocol.Frame, raw []byte) {
	if f.OriginalFromClient == "" {
		if !h.pending.settle(f) {
			s.log.Debug().Str("id", f.ID).Str("client", s.Name()).Msg("Dropping unmatched response")
		}
		return
	}

	target := h.lookup(f.OriginalFromClient)
	if target == nil {
		s.log.Debug().Str("id", f.ID).Str("target", f.OriginalFromClient).
			Msg("Dropping response for disconnected caller")
		return
	}
	target.enqueue(raw)
}

// handleEvent fires server-side subscribers with the original payload, then
// fans the event out to every other authenticated session with the sender
// stamped both at the top level and inside object payloads.
func (h *Hub) handleEvent(s *Session, f *protocol.Frame) {
	from := s.Name()

	h.events.Emit(f.EventName, f.Data, from)

	frame, err := protocol.NewEventFrame(f.EventName, augmentEventData(f.Data, from), from)
	if err != nil {
		h.log.Error().Err(err).Str("event", f.EventName).Msg("Failed to build event frame")
		h.fireError(err)
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, peer := range h.sessions {
		if peer != s {
			targets = append(targets, peer)
		}
	}
	h.mu.RUnlock()

	for _, peer := range targets {
		if peer.enqueue(frame) {
			h.metrics.eventFanout.Inc()
		}
	}
}

// respondResult sends a success response to the session. Drops are logged by
// enqueue; there is nobody else to tell.
func (h *Hub) respondResult(s *Session, id string, data json.RawMessage, originalFromClient string) {
	frame, err := protocol.NewResultFrame(id, data, originalFromClient)
	if err != nil {
		h.log.Error().Err(err).Str("id", id).Msg("Failed to build response frame")
		h.fireError(err)
		return
	}
	s.enqueue(frame)
}

// respondError sends a failure response to the session.
func (h *Hub) respondError(s *Session, id, message, originalFromClient string) {
	frame, err := protocol.NewErrorFrame(id, message, originalFromClient)
	if err != nil {
		h.log.Error().Err(err).Str("id", id).Msg("Failed to build error frame")
		h.fireError(err)
		return
	}
	s.enqueue(frame)
}

// augmentEventData injects the sender's name into JSON object payloads so
// receivers that only inspect data still learn the origin. Non-object
// payloads pass through untouched.
func augmentEventData(data json.RawMessage, from string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return data
	}

	name, err := json.Marshal(from)
	if err != nil {
		return data
	}
	obj["fromClient"] = name

	augmented, err := json.Marshal(obj)
	if err != nil {
		return data
	}
	return augmented
}
