package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/doggyhole/doggyhole-go/pkg/protocol"
)

// dial establishes one connection: websocket upgrade, auth handshake, then
// the read and heartbeat loops. On success the client is StateConnected.
func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	name, err := c.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})

	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return ErrConnectionClosed
	}
	c.conn = conn
	c.name = name
	c.attempts = 0
	c.nextID.Store(0)
	c.heartbeatStop = stop
	c.connCtx = connCtx
	c.connCancel = cancel
	prev := c.state
	c.state = StateConnected
	c.mu.Unlock()

	c.fireStateChange(StateConnected, prev)
	c.log.Info().Str("name", name).Str("url", c.opts.URL).Msg("Connected")
	c.fireConnected(name)

	go c.readLoop(conn)
	go c.heartbeatLoop(stop)
	return nil
}

// handshake sends the auth frame and waits for auth_success. The declared
// name is omitted when empty or identical to the token; the server derives
// the canonical name either way.
func (c *Client) handshake(conn *websocket.Conn) (string, error) {
	authName := ""
	if c.opts.Name != "" && c.opts.Name != c.opts.Token {
		authName = c.opts.Name
	}
	frame, err := protocol.NewAuthFrame(c.opts.Token, authName)
	if err != nil {
		return "", fmt.Errorf("encode auth: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return "", fmt.Errorf("send auth: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation {
				return "", fmt.Errorf("%w: %s", ErrAuthFailed, ce.Text)
			}
			return "", fmt.Errorf("await auth reply: %w", err)
		}
		reply, err := protocol.Decode(msg)
		if err != nil {
			return "", fmt.Errorf("decode auth reply: %w", err)
		}
		if reply.Type == protocol.TypeAuthSuccess {
			return reply.Name, nil
		}
		// a heartbeat probe can race ahead of auth_success; skip it
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		if msgType != websocket.TextMessage {
			c.log.Warn().Msg("Ignoring non-text frame")
			continue
		}
		f, err := protocol.Decode(msg)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Client) handleFrame(f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeResponse:
		if !c.pending.settle(f) {
			c.log.Debug().Str("id", f.ID).Msg("Dropping unmatched response")
		}
	case protocol.TypeClientRequest:
		c.mu.Lock()
		ctx := c.connCtx
		c.mu.Unlock()
		if ctx == nil {
			ctx = context.Background()
		}
		go c.serveRequest(ctx, f)
	case protocol.TypeEvent:
		from := f.FromClient
		if from == "" {
			from = "server"
		}
		c.events.Emit(f.EventName, f.Data, from)
	case protocol.TypeHeartbeat:
		if err := c.writeFrame(c.heartbeatResponse); err != nil {
			c.log.Debug().Err(err).Msg("Failed to answer heartbeat")
		}
	case protocol.TypeShutdown:
		c.handleShutdown(f)
	case protocol.TypeAuthSuccess:
		// consumed during the handshake; a duplicate is harmless
	default:
		c.log.Warn().Str("type", string(f.Type)).Msg("Ignoring unexpected frame")
	}
}

// serveRequest runs one inbound function call. The reply's originalFromClient
// echoes the caller so the server can route it back; requests the server
// originated carry no caller and settle the server's own pending table.
func (c *Client) serveRequest(ctx context.Context, f *protocol.Frame) {
	c.handlersMu.RLock()
	handler, ok := c.handlers[f.FunctionName]
	c.handlersMu.RUnlock()

	if !ok {
		c.replyError(f, "Handler not found")
		return
	}

	result, err := c.invoke(ctx, handler, f.Data)
	if err != nil {
		c.replyError(f, err.Error())
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		c.log.Error().Err(err).Str("function", f.FunctionName).Msg("Cannot marshal handler result")
		c.replyError(f, "failed to encode handler result")
		return
	}
	c.replyResult(f, data)
}

func (c *Client) invoke(ctx context.Context, handler HandlerFunc, data json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			c.fireError(err)
		}
	}()
	return handler(ctx, data)
}

func (c *Client) replyResult(f *protocol.Frame, data json.RawMessage) {
	frame, err := protocol.NewResultFrame(f.ID, data, f.FromClient)
	if err != nil {
		c.log.Error().Err(err).Str("id", f.ID).Msg("Cannot encode response")
		return
	}
	if err := c.writeFrame(frame); err != nil {
		c.log.Warn().Err(err).Str("id", f.ID).Msg("Failed to send response")
	}
}

func (c *Client) replyError(f *protocol.Frame, message string) {
	frame, err := protocol.NewErrorFrame(f.ID, message, f.FromClient)
	if err != nil {
		c.log.Error().Err(err).Str("id", f.ID).Msg("Cannot encode response")
		return
	}
	if err := c.writeFrame(frame); err != nil {
		c.log.Warn().Err(err).Str("id", f.ID).Msg("Failed to send response")
	}
}

// handleShutdown reacts to the server's going-away notice: surface it, then
// disconnect shortly before the server hard-closes, capped so a huge grace
// period never strands the client.
func (c *Client) handleShutdown(f *protocol.Frame) {
	grace := time.Duration(f.GracePeriod) * time.Millisecond
	delay := grace
	if delay <= 0 {
		delay = defaultShutdownDelay
	}
	if delay > maxShutdownDelay {
		delay = maxShutdownDelay
	}

	c.log.Info().Str("reason", f.Reason).Dur("grace", grace).Msg("Server shutting down")
	c.fireServerShutdown(f.Reason, grace)

	c.mu.Lock()
	if c.shutdownTimer != nil {
		c.shutdownTimer.Stop()
	}
	c.shutdownTimer = time.AfterFunc(delay, c.Disconnect)
	c.mu.Unlock()
}

// heartbeatLoop volunteers a heartbeat_response every interval so the server
// keeps the session alive even when traffic is idle.
func (c *Client) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.writeFrame(c.heartbeatResponse); err != nil {
				return
			}
		}
	}
}

// handleDisconnect tears down one connection's state. The identity check
// keeps a stale read loop from clobbering a newer connection.
func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.shutdownTimer != nil {
		c.shutdownTimer.Stop()
		c.shutdownTimer = nil
	}
	intentional := c.intentional
	c.mu.Unlock()
	_ = conn.Close()

	code, reason := closeDetails(err, intentional)
	c.pending.failAll(ErrConnectionClosed)
	c.log.Info().Int("code", code).Str("reason", reason).Msg("Disconnected")
	c.fireDisconnected(code, reason)

	// normal and going-away closes are final; anything else retries
	if intentional || code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway {
		c.setState(StateDisconnected)
		return
	}
	if !c.scheduleReconnect() {
		c.setState(StateDisconnected)
	}
}

func closeDetails(err error, intentional bool) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	if intentional {
		return websocket.CloseNormalClosure, "Client disconnecting"
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
