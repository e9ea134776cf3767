package hub

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/doggyhole/doggyhole-go/pkg/protocol"
)

const (
	// sendBufferSize is the per-session outbound queue depth. A session that
	// falls this far behind is dropped rather than allowed to stall the hub.
	sendBufferSize = 256

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second
)

// Session represents a single WebSocket connection. Each session runs two
// goroutines (readPump and writePump) and communicates with the Hub via its
// send channel and callback methods.
type Session struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	send chan []byte
	log  zerolog.Logger

	// Session state, protected by mu. Written once during authentication and
	// read by the Hub during dispatch; lastHeartbeat is refreshed on every
	// heartbeat_response and read by the heartbeat supervisor.
	mu            sync.RWMutex
	name          string
	authenticated bool
	lastHeartbeat time.Time
	sendClosed    bool

	// Rate limiting state (only accessed from readPump, no mutex needed).
	frameCount  int
	windowStart time.Time
}

func newSession(hub *Hub, conn *websocket.Conn, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		hub:  hub,
		conn: conn,
		id:   id,
		send: make(chan []byte, sendBufferSize),
		log:  logger.With().Str("session_id", id).Logger(),
	}
}

// Name returns the authenticated client name, or "" before authentication.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// IsAuthenticated returns whether the session has completed authentication.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// markAuthenticated records the client name and starts the heartbeat clock.
func (s *Session) markAuthenticated(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	s.authenticated = true
	s.lastHeartbeat = time.Now()
}

// refreshHeartbeat resets the liveness deadline. Called on heartbeat_response.
func (s *Session) refreshHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = time.Now()
}

// heartbeatExpired reports whether the session has gone longer than timeout
// without answering a heartbeat probe.
func (s *Session) heartbeatExpired(timeout time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastHeartbeat) > timeout
}

// readPump reads messages from the WebSocket connection and routes them
// through the hub. It runs in its own goroutine and is responsible for
// closing the connection when the read loop exits.
func (s *Session) readPump() {
	defer func() {
		s.hub.unregister(s)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	}()

	s.conn.SetReadLimit(protocol.MaxFrameSize)

	// Authentication timeout: close the connection if the client does not
	// present credentials within the deadline.
	authTimer := time.AfterFunc(s.hub.opts.AuthTimeout, func() {
		if !s.IsAuthenticated() {
			s.log.Debug().Msg("Session did not authenticate in time")
			s.closeWithCode(websocket.ClosePolicyViolation, "Authentication timeout")
		}
	})
	defer authTimer.Stop()

	for {
		msgType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if msgType != websocket.TextMessage {
			s.closeWithCode(websocket.CloseProtocolError, "text frames only")
			return
		}

		if s.hub.opts.MessageRateLimit > 0 && s.rateLimited() {
			s.closeWithCode(websocket.CloseTryAgainLater, "rate limit exceeded")
			return
		}

		frame, err := protocol.Decode(message)
		if err != nil {
			if !s.IsAuthenticated() {
				s.closeWithCode(websocket.ClosePolicyViolation, "Authentication required")
				return
			}
			// Malformed frames from an authenticated client are dropped
			// without severing an otherwise healthy connection.
			s.log.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}

		if !s.IsAuthenticated() {
			if frame.Type != protocol.TypeAuth {
				s.closeWithCode(websocket.ClosePolicyViolation, "Authentication required")
				return
			}
			if !s.hub.authenticate(s, frame) {
				return
			}
			authTimer.Stop()
			continue
		}

		s.hub.dispatch(s, frame, message)
	}
}

// writePump writes messages from the send channel to the WebSocket
// connection. It runs in its own goroutine and exits when the send channel is
// closed.
func (s *Session) writePump() {
	defer func() { _ = s.conn.Close() }()

	for msg := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

// enqueue sends a message to the session's write channel and reports whether
// it was accepted. If the channel is full, the message is dropped and the
// connection is closed to prevent backpressure from stalling the Hub.
func (s *Session) enqueue(msg []byte) bool {
	s.mu.RLock()
	if s.sendClosed {
		s.mu.RUnlock()
		return false
	}
	// The buffered send below cannot block, so the read lock is held across
	// it; closeSend takes the write lock and therefore cannot close the
	// channel mid-send.
	select {
	case s.send <- msg:
		s.mu.RUnlock()
		return true
	default:
		s.mu.RUnlock()
		s.log.Warn().Str("client", s.Name()).Msg("Session send buffer full, closing connection")
		s.hub.unregister(s)
		if s.conn != nil {
			_ = s.conn.Close()
		}
		return false
	}
}

// closeSend closes the send channel, stopping the write pump. Safe to call
// more than once.
func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return
	}
	s.sendClosed = true
	close(s.send)
}

// closeWithCode sends a WebSocket close frame with the given code and reason,
// then closes the underlying connection.
func (s *Session) closeWithCode(code int, reason string) {
	if s.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = s.conn.Close()
}

// rateLimited returns true if the session has exceeded the configured inbound
// frame rate limit.
func (s *Session) rateLimited() bool {
	now := time.Now()
	if now.Sub(s.windowStart) > s.hub.opts.MessageRateWindow {
		s.frameCount = 0
		s.windowStart = now
	}
	s.frameCount++
	return s.frameCount > s.hub.opts.MessageRateLimit
}
