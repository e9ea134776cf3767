// Package client implements the hub's client side: a websocket connection
// that authenticates with a token, exposes request/response calls to the
// server and to peer clients, receives events through an event bus, and
// transparently reconnects with exponential backoff when the link drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/doggyhole/doggyhole-go/pkg/eventbus"
	"github.com/doggyhole/doggyhole-go/pkg/protocol"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultMaxReconnectAttempts       = 5
	DefaultHeartbeatInterval          = time.Second
	DefaultRequestTimeout             = 10 * time.Second
	DefaultReconnectBackoffMultiplier = 1.5
	DefaultHandshakeTimeout           = 10 * time.Second

	// writeWait bounds how long a single frame write may block.
	writeWait = 10 * time.Second

	// backoffBaseDelay and backoffMaxDelay bound the reconnect schedule.
	backoffBaseDelay = time.Second
	backoffMaxDelay  = 30 * time.Second

	// maxShutdownDelay caps how long the client lingers after the server
	// announces it is going away, regardless of the advertised grace period.
	maxShutdownDelay     = 5 * time.Second
	defaultShutdownDelay = time.Second
)

// HandlerFunc serves one named function invoked by the server or a peer
// client. The returned value is marshalled as the response data; a non-nil
// error produces a failure response carrying err.Error(). The context is
// cancelled when the connection that delivered the request goes away.
type HandlerFunc func(ctx context.Context, data json.RawMessage) (any, error)

// Options configures a Client. URL and Token are required; everything else
// has a default.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string

	// Token authenticates the client. The server maps it to a canonical name.
	Token string

	// Name optionally declares the client's name. When set it must match the
	// name the server derives from the token, or authentication fails.
	Name string

	// MaxReconnectAttempts bounds consecutive reconnect attempts before the
	// client gives up and settles in StateDisconnected.
	MaxReconnectAttempts int

	// HeartbeatInterval is how often the client volunteers a
	// heartbeat_response so the server's liveness supervisor keeps it alive.
	HeartbeatInterval time.Duration

	// RequestTimeout bounds Request and RequestClient calls.
	RequestTimeout time.Duration

	// ReconnectBackoffMultiplier grows the delay between reconnect attempts.
	ReconnectBackoffMultiplier float64

	// HandshakeTimeout bounds the websocket dial and the wait for the
	// server's auth_success reply.
	HandshakeTimeout time.Duration

	// Logger receives connection lifecycle and dispatch logs. The zero value
	// discards everything.
	Logger zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.ReconnectBackoffMultiplier <= 1 {
		o.ReconnectBackoffMultiplier = DefaultReconnectBackoffMultiplier
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
}

// Client is a doggyhole client. Create one with New, connect with Connect,
// and register handlers and event listeners before or after connecting.
// All methods are safe for concurrent use.
type Client struct {
	opts Options
	log  zerolog.Logger

	events  *eventbus.Bus
	pending *pendingTable

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	// mu guards the connection fields below. Writes to the conn itself go
	// through writeMu so a slow write never blocks state reads.
	mu             sync.Mutex
	conn           *websocket.Conn
	state          State
	name           string
	attempts       int
	intentional    bool
	heartbeatStop  chan struct{}
	connCtx        context.Context
	connCancel     context.CancelFunc
	reconnectTimer *time.Timer
	shutdownTimer  *time.Timer

	writeMu sync.Mutex

	nextID atomic.Uint64

	heartbeatResponse []byte

	cbMu           sync.RWMutex
	onConnected    []func(name string)
	onDisconnected []func(code int, reason string)
	onStateChange  []func(next, prev State)
	onError        []func(err error)
	onShutdown     []func(reason string, grace time.Duration)
}

// New validates opts and returns a disconnected client.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("client: url is required")
	}
	if opts.Token == "" {
		return nil, errors.New("client: token is required")
	}
	opts.applyDefaults()

	c := &Client{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "client").Logger(),
		events:   eventbus.New(opts.Logger.With().Str("component", "client-eventbus").Logger()),
		pending:  newPendingTable(),
		handlers: make(map[string]HandlerFunc),
		state:    StateDisconnected,
	}
	c.heartbeatResponse, _ = protocol.NewHeartbeatResponseFrame()
	return c, nil
}

// Connect dials the server, authenticates, and starts the read loop. It
// returns once the server has confirmed authentication or the handshake
// failed. Only a disconnected client may connect; reconnection after a
// dropped link happens on its own.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	prev := c.state
	c.state = StateConnecting
	c.intentional = false
	c.attempts = 0
	c.mu.Unlock()
	c.fireStateChange(StateConnecting, prev)

	if err := c.dial(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	return nil
}

// Disconnect closes the connection deliberately. No reconnection follows. It
// is a no-op on an already disconnected client.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.shutdownTimer != nil {
		c.shutdownTimer.Stop()
		c.shutdownTimer = nil
	}
	conn := c.conn
	state := c.state
	if state == StateConnected && conn != nil {
		c.state = StateDisconnecting
	}
	c.mu.Unlock()

	switch {
	case state == StateConnected && conn != nil:
		c.fireStateChange(StateDisconnecting, StateConnected)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Client disconnecting")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		// the read loop observes the closed conn and finishes the teardown
	case state == StateConnecting || state == StateReconnecting:
		c.setState(StateDisconnected)
	}
}

// State reports the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Name returns the canonical name the server assigned at authentication, or
// empty before the first successful connect.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Events exposes the bus that receives server and peer events. Listeners for
// events sent by the hub itself see "server" as the sender.
func (c *Client) Events() *eventbus.Bus { return c.events }

// AddHandler registers fn to serve functionName for requests arriving from
// the server or from peer clients. Re-registering a name replaces the
// previous handler.
func (c *Client) AddHandler(functionName string, fn HandlerFunc) {
	c.handlersMu.Lock()
	c.handlers[functionName] = fn
	c.handlersMu.Unlock()
}

// RemoveHandler unregisters functionName. Unknown names are a no-op.
func (c *Client) RemoveHandler(functionName string) {
	c.handlersMu.Lock()
	delete(c.handlers, functionName)
	c.handlersMu.Unlock()
}

// OnConnected registers fn to run after each successful authentication with
// the canonical name the server assigned.
func (c *Client) OnConnected(fn func(name string)) {
	c.cbMu.Lock()
	c.onConnected = append(c.onConnected, fn)
	c.cbMu.Unlock()
}

// OnDisconnected registers fn to run when the connection closes, with the
// close code and reason.
func (c *Client) OnDisconnected(fn func(code int, reason string)) {
	c.cbMu.Lock()
	c.onDisconnected = append(c.onDisconnected, fn)
	c.cbMu.Unlock()
}

// OnStateChange registers fn to run on every lifecycle transition.
func (c *Client) OnStateChange(fn func(next, prev State)) {
	c.cbMu.Lock()
	c.onStateChange = append(c.onStateChange, fn)
	c.cbMu.Unlock()
}

// OnError registers fn for asynchronous errors: failed reconnect attempts,
// handler panics, undeliverable replies.
func (c *Client) OnError(fn func(err error)) {
	c.cbMu.Lock()
	c.onError = append(c.onError, fn)
	c.cbMu.Unlock()
}

// OnServerShutdown registers fn to run when the server announces it is going
// away, with the advertised reason and grace period.
func (c *Client) OnServerShutdown(fn func(reason string, grace time.Duration)) {
	c.cbMu.Lock()
	c.onShutdown = append(c.onShutdown, fn)
	c.cbMu.Unlock()
}

// Request calls a named function on the server and waits for the response,
// the request timeout, or ctx, whichever comes first.
func (c *Client) Request(ctx context.Context, functionName string, data any) (json.RawMessage, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal request data: %w", err)
	}
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	id := c.newID()
	frame, err := protocol.NewRequestFrame(id, functionName, payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return c.await(ctx, id, frame)
}

// RequestClient calls a named function on a peer client, routed through the
// server. The peer's response, a routing failure, the request timeout, or
// ctx settles the call.
func (c *Client) RequestClient(ctx context.Context, target, functionName string, data any) (json.RawMessage, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal request data: %w", err)
	}
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	id := c.newID()
	frame, err := protocol.NewClientRequestFrame(id, functionName, payload, target, c.Name())
	if err != nil {
		return nil, fmt.Errorf("encode client request: %w", err)
	}
	return c.await(ctx, id, frame)
}

// await registers the pending call, sends the frame, and waits for an
// outcome. Whichever of response, deadline, connection loss, or ctx settles
// first wins; the rest are dropped.
func (c *Client) await(ctx context.Context, id string, frame []byte) (json.RawMessage, error) {
	done := c.pending.add(id, c.opts.RequestTimeout)
	if err := c.writeFrame(frame); err != nil {
		c.pending.fail(id, err)
		out := <-done
		return out.data, out.err
	}

	select {
	case out := <-done:
		return out.data, out.err
	case <-ctx.Done():
		c.pending.fail(id, ctx.Err())
		out := <-done
		return out.data, out.err
	}
}

// SendEvent emits a fire-and-forget event to the server, which forwards it
// to every other connected client. Failures are logged, not returned.
func (c *Client) SendEvent(eventName string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		c.log.Warn().Err(err).Str("event", eventName).Msg("Cannot marshal event data")
		return
	}
	if c.State() != StateConnected {
		c.log.Warn().Str("event", eventName).Msg("Cannot send event, not connected")
		return
	}
	frame, err := protocol.NewEventFrame(eventName, payload, "")
	if err != nil {
		c.log.Warn().Err(err).Str("event", eventName).Msg("Cannot encode event")
		return
	}
	if err := c.writeFrame(frame); err != nil {
		c.log.Warn().Err(err).Str("event", eventName).Msg("Failed to send event")
	}
}

// newID mints the next request id. The counter restarts with each new
// connection, matching the per-connection id space on the server side.
func (c *Client) newID() string {
	return strconv.FormatUint(c.nextID.Add(1), 10)
}

// writeFrame sends one text frame. writeMu serializes writers so concurrent
// requests, heartbeats, and handler replies never interleave on the wire.
func (c *Client) writeFrame(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// setState transitions to next unless already there, firing OnStateChange
// outside the lock.
func (c *Client) setState(next State) {
	c.mu.Lock()
	prev := c.state
	if prev == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()
	c.fireStateChange(next, prev)
}

func (c *Client) fireConnected(name string) {
	c.cbMu.RLock()
	fns := make([]func(string), len(c.onConnected))
	copy(fns, c.onConnected)
	c.cbMu.RUnlock()
	for _, fn := range fns {
		fn(name)
	}
}

func (c *Client) fireDisconnected(code int, reason string) {
	c.cbMu.RLock()
	fns := make([]func(int, string), len(c.onDisconnected))
	copy(fns, c.onDisconnected)
	c.cbMu.RUnlock()
	for _, fn := range fns {
		fn(code, reason)
	}
}

func (c *Client) fireStateChange(next, prev State) {
	c.cbMu.RLock()
	fns := make([]func(State, State), len(c.onStateChange))
	copy(fns, c.onStateChange)
	c.cbMu.RUnlock()
	for _, fn := range fns {
		fn(next, prev)
	}
}

func (c *Client) fireError(err error) {
	c.cbMu.RLock()
	fns := make([]func(error), len(c.onError))
	copy(fns, c.onError)
	c.cbMu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *Client) fireServerShutdown(reason string, grace time.Duration) {
	c.cbMu.RLock()
	fns := make([]func(string, time.Duration), len(c.onShutdown))
	copy(fns, c.onShutdown)
	c.cbMu.RUnlock()
	for _, fn := range fns {
		fn(reason, grace)
	}
}
