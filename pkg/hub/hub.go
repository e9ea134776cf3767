// Package hub implements the server side of the messaging protocol: the
// session registry, the frame router, the heartbeat supervisor, and graceful
// shutdown. A Hub is transport-agnostic above the WebSocket layer; the HTTP
// upgrade endpoint hands it accepted connections via ServeWebSocket.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/doggyhole/doggyhole-go/pkg/creds"
	"github.com/doggyhole/doggyhole-go/pkg/eventbus"
	"github.com/doggyhole/doggyhole-go/pkg/protocol"
)

// Defaults applied by New for zero-valued Options fields.
const (
	DefaultHeartbeatInterval = time.Second
	DefaultHeartbeatTimeout  = 3 * time.Second
	DefaultMaxConnections    = 1000
	DefaultShutdownGrace     = 5 * time.Second
	DefaultAuthTimeout       = 30 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultRateWindow        = time.Minute
)

// storeTimeout bounds credential store calls made on connection paths.
const storeTimeout = 5 * time.Second

// Options configures a Hub. Zero values fall back to the defaults above.
type Options struct {
	// HeartbeatInterval is the supervisor's probe period.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a session may go without answering a probe
	// before eviction. Must exceed HeartbeatInterval.
	HeartbeatTimeout time.Duration

	// MaxConnections caps concurrent sessions, including connections still
	// authenticating. Excess connects are closed with 1013.
	MaxConnections int

	// ShutdownGrace is the drain window between the shutdown broadcast and
	// the hard close.
	ShutdownGrace time.Duration

	// AuthTimeout is how long a connection may stay unauthenticated before it
	// is closed with 1008.
	AuthTimeout time.Duration

	// RequestTimeout bounds RequestClient calls whose context carries no
	// earlier deadline.
	RequestTimeout time.Duration

	// MessageRateLimit is the maximum number of inbound frames per session
	// within MessageRateWindow. Zero disables rate limiting.
	MessageRateLimit  int
	MessageRateWindow time.Duration

	// Logger receives hub logs. The zero value discards everything.
	Logger zerolog.Logger

	// Metrics, when non-nil, receives the hub's Prometheus collectors.
	Metrics prometheus.Registerer
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.MessageRateWindow <= 0 {
		o.MessageRateWindow = DefaultRateWindow
	}
}

// HandlerFunc is a server-side request handler. The returned value is
// marshalled into the response data; a non-nil error produces a
// success=false response carrying err.Error().
type HandlerFunc func(ctx context.Context, data json.RawMessage) (any, error)

// Hub is the central session registry and frame router. It authenticates
// connections against a credential store, dispatches the four frame kinds,
// supervises liveness, and drains sessions on shutdown.
type Hub struct {
	store creds.Store
	opts  Options
	log   zerolog.Logger

	// sessions maps authenticated client names to their session; preauth
	// tracks connections still inside the auth handshake so the connection
	// cap covers them too.
	mu       sync.RWMutex
	sessions map[string]*Session
	preauth  map[*Session]struct{}

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	events  *eventbus.Bus
	pending *pendingTable
	metrics *metrics

	heartbeatFrame []byte

	callbackMu     sync.RWMutex
	onConnected    []func(name string)
	onDisconnected []func(name string)
	onTimeout      []func(name string)
	onError        []func(err error)
	onClosed       []func()

	ctx    context.Context
	cancel context.CancelFunc

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownDone chan struct{}
}

// New creates a hub backed by the given credential store and starts its
// heartbeat supervisor. Callers must eventually call Shutdown to release it.
func New(store creds.Store, opts Options) *Hub {
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		store:        store,
		opts:         opts,
		log:          opts.Logger.With().Str("component", "hub").Logger(),
		sessions:     make(map[string]*Session),
		preauth:      make(map[*Session]struct{}),
		handlers:     make(map[string]HandlerFunc),
		events:       eventbus.New(opts.Logger.With().Str("component", "eventbus").Logger()),
		pending:      newPendingTable(),
		metrics:      newMetrics(opts.Metrics),
		ctx:          ctx,
		cancel:       cancel,
		shutdownDone: make(chan struct{}),
	}

	// The heartbeat probe carries no payload; build it once.
	h.heartbeatFrame, _ = protocol.NewHeartbeatFrame()

	go h.heartbeatLoop()
	return h
}

// Events returns the bus on which inbound client events fire before fan-out.
func (h *Hub) Events() *eventbus.Bus { return h.events }

// IsShuttingDown reports whether Shutdown has begun.
func (h *Hub) IsShuttingDown() bool { return h.shuttingDown.Load() }

// ServeWebSocket runs the session for an upgraded WebSocket connection. It
// blocks until the connection closes, matching the contract of the upgrade
// handler that invokes it.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	if h.shuttingDown.Load() {
		closeConn(conn, websocket.CloseTryAgainLater, "Server is shutting down")
		return
	}

	s := newSession(h, conn, h.log)
	if !h.trackPreauth(s) {
		h.log.Warn().Int("max", h.opts.MaxConnections).Msg("Refusing connection, hub at capacity")
		closeConn(conn, websocket.CloseTryAgainLater, "Server at capacity")
		return
	}

	go s.writePump()
	s.readPump()
}

// trackPreauth admits the session under the connection cap, counting both
// authenticated and still-authenticating connections.
func (h *Hub) trackPreauth(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.sessions)+len(h.preauth) >= h.opts.MaxConnections {
		return false
	}
	h.preauth[s] = struct{}{}
	return true
}

// authenticate resolves an auth frame against the credential store and, on
// success, registers the session and confirms with auth_success. It reports
// whether the session may continue reading.
func (h *Hub) authenticate(s *Session, f *protocol.Frame) bool {
	if h.shuttingDown.Load() {
		s.closeWithCode(websocket.CloseTryAgainLater, "Server is shutting down")
		return false
	}

	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()

	name, err := h.store.Authenticate(ctx, f.Token)
	if err != nil {
		if !errors.Is(err, creds.ErrUnknownToken) {
			h.log.Warn().Err(err).Msg("Credential store lookup failed")
			h.fireError(err)
		}
		s.closeWithCode(websocket.ClosePolicyViolation, "Authentication failed")
		return false
	}
	if f.Name != "" && f.Name != name {
		h.log.Debug().Str("claimed", f.Name).Str("canonical", name).Msg("Auth name does not match token owner")
		s.closeWithCode(websocket.ClosePolicyViolation, "Authentication failed")
		return false
	}

	h.register(s, name)

	success, err := protocol.NewAuthSuccessFrame(name)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to build auth_success frame")
		h.fireError(err)
		s.closeWithCode(websocket.CloseInternalServerErr, "internal error")
		return false
	}
	s.enqueue(success)

	h.fireClientConnected(name)
	h.log.Info().Str("client", name).Msg("Client authenticated")
	return true
}

// register promotes a session into the named registry. A session already
// registered under the same name is displaced with a clean close.
func (h *Hub) register(s *Session, name string) {
	h.mu.Lock()
	delete(h.preauth, s)
	displaced := h.sessions[name]
	h.sessions[name] = s
	h.metrics.connectedClients.Set(float64(len(h.sessions)))
	h.mu.Unlock()

	s.markAuthenticated(name)

	if displaced != nil {
		h.log.Debug().Str("client", name).Msg("Displacing existing session")
		displaced.closeWithCode(websocket.CloseNormalClosure, "Displaced by new connection")
		displaced.closeSend()
	}
}

// unregister removes a session from the hub. Safe to call more than once and
// for sessions that never authenticated; only the registry's current owner of
// a name deregisters it.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	delete(h.preauth, s)
	name := s.Name()
	wasRegistered := false
	if name != "" {
		if current, ok := h.sessions[name]; ok && current == s {
			delete(h.sessions, name)
			wasRegistered = true
		}
	}
	h.metrics.connectedClients.Set(float64(len(h.sessions)))
	h.mu.Unlock()

	s.closeSend()

	if wasRegistered {
		h.pending.failTarget(name, ErrClientNotAvailable)
		h.fireClientDisconnected(name)
		h.log.Debug().Str("client", name).Msg("Client unregistered")
	}
}

// lookup returns the session registered under name, or nil.
func (h *Hub) lookup(name string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[name]
}

// snapshot returns the authenticated sessions at a point in time.
func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// ClientNames returns the sorted names of all authenticated clients.
func (h *Hub) ClientNames() []string {
	h.mu.RLock()
	names := make([]string, 0, len(h.sessions))
	for name := range h.sessions {
		names = append(names, name)
	}
	h.mu.RUnlock()

	sort.Strings(names)
	return names
}

// ClientCount returns the number of authenticated clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// OnClientConnected registers a callback fired after a client authenticates.
func (h *Hub) OnClientConnected(fn func(name string)) {
	h.callbackMu.Lock()
	defer h.callbackMu.Unlock()
	h.onConnected = append(h.onConnected, fn)
}

// OnClientDisconnected registers a callback fired when an authenticated
// client deregisters for any reason.
func (h *Hub) OnClientDisconnected(fn func(name string)) {
	h.callbackMu.Lock()
	defer h.callbackMu.Unlock()
	h.onDisconnected = append(h.onDisconnected, fn)
}

// OnClientTimeout registers a callback fired when the heartbeat supervisor
// evicts a client.
func (h *Hub) OnClientTimeout(fn func(name string)) {
	h.callbackMu.Lock()
	defer h.callbackMu.Unlock()
	h.onTimeout = append(h.onTimeout, fn)
}

// OnError registers a callback for internal hub errors that cannot be
// surfaced to any caller.
func (h *Hub) OnError(fn func(err error)) {
	h.callbackMu.Lock()
	defer h.callbackMu.Unlock()
	h.onError = append(h.onError, fn)
}

// OnClosed registers a callback fired once shutdown completes.
func (h *Hub) OnClosed(fn func()) {
	h.callbackMu.Lock()
	defer h.callbackMu.Unlock()
	h.onClosed = append(h.onClosed, fn)
}

func (h *Hub) fireClientConnected(name string) {
	h.callbackMu.RLock()
	callbacks := append([]func(string){}, h.onConnected...)
	h.callbackMu.RUnlock()
	for _, fn := range callbacks {
		fn(name)
	}
}

func (h *Hub) fireClientDisconnected(name string) {
	h.callbackMu.RLock()
	callbacks := append([]func(string){}, h.onDisconnected...)
	h.callbackMu.RUnlock()
	for _, fn := range callbacks {
		fn(name)
	}
}

func (h *Hub) fireClientTimeout(name string) {
	h.callbackMu.RLock()
	callbacks := append([]func(string){}, h.onTimeout...)
	h.callbackMu.RUnlock()
	for _, fn := range callbacks {
		fn(name)
	}
}

func (h *Hub) fireError(err error) {
	h.callbackMu.RLock()
	callbacks := append([]func(error){}, h.onError...)
	h.callbackMu.RUnlock()
	for _, fn := range callbacks {
		fn(err)
	}
}

func (h *Hub) fireClosed() {
	h.callbackMu.RLock()
	callbacks := append([]func(){}, h.onClosed...)
	h.callbackMu.RUnlock()
	for _, fn := range callbacks {
		fn()
	}
}

// Shutdown gracefully drains the hub: it stops admitting connections,
// broadcasts a shutdown frame with the drain window, waits it out, then
// hard-closes every remaining transport with 1001. Idempotent; concurrent
// callers share one completion.
func (h *Hub) Shutdown(reason string) {
	h.shutdownOnce.Do(func() {
		h.shuttingDown.Store(true)
		h.log.Info().Str("reason", reason).Msg("Hub shutting down")

		grace := h.opts.ShutdownGrace
		if frame, err := protocol.NewShutdownFrame(reason, grace.Milliseconds()); err == nil {
			for _, s := range h.snapshot() {
				s.enqueue(frame)
			}
		} else {
			h.log.Error().Err(err).Msg("Failed to build shutdown frame")
		}

		time.Sleep(grace)

		h.mu.Lock()
		sessions := h.sessions
		preauth := h.preauth
		h.sessions = make(map[string]*Session)
		h.preauth = make(map[*Session]struct{})
		h.metrics.connectedClients.Set(0)
		h.mu.Unlock()

		for _, s := range sessions {
			s.closeSend()
			s.closeWithCode(websocket.CloseGoingAway, "Server shutting down")
		}
		for s := range preauth {
			s.closeSend()
			s.closeWithCode(websocket.CloseGoingAway, "Server shutting down")
		}

		h.cancel()
		h.pending.failAll(ErrHubClosed)
		h.fireClosed()
		h.log.Info().Int("closed", len(sessions)).Msg("Hub shut down")
		close(h.shutdownDone)
	})
	<-h.shutdownDone
}

// closeConn rejects a connection the hub never admitted.
func closeConn(conn *websocket.Conn, code int, reason string) {
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}
