package hub

import (
	"time"

	"github.com/fasthttp/websocket"
)

// heartbeatLoop probes every authenticated session once per interval and
// evicts the ones that stopped answering. It runs from New until shutdown
// begins.
func (h *Hub) heartbeatLoop() {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			if h.shuttingDown.Load() {
				return
			}
			h.sweep()
		}
	}
}

// sweep evicts sessions past the heartbeat deadline and sends a probe to the
// rest. Only heartbeat_response frames refresh the deadline; a session
// producing traffic but not answering probes still expires.
func (h *Hub) sweep() {
	for _, s := range h.snapshot() {
		if s.heartbeatExpired(h.opts.HeartbeatTimeout) {
			name := s.Name()
			h.log.Info().Str("client", name).Msg("Heartbeat timeout, evicting session")
			h.metrics.heartbeatEvictions.Inc()
			s.closeWithCode(websocket.CloseNormalClosure, "Heartbeat timeout")
			h.unregister(s)
			h.fireClientTimeout(name)
			continue
		}
		if h.heartbeatFrame != nil {
			s.enqueue(h.heartbeatFrame)
		}
	}
}
