package api

import (
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/doggyhole/doggyhole-go/internal/httputil"
	"github.com/doggyhole/doggyhole-go/pkg/hub"
)

// StatsHandler serves runtime statistics about the hub.
type StatsHandler struct {
	hub     *hub.Hub
	started time.Time
}

// NewStatsHandler creates a stats handler; uptime counts from this call.
func NewStatsHandler(h *hub.Hub) *StatsHandler {
	return &StatsHandler{hub: h, started: time.Now()}
}

// Stats handles GET /api/v1/stats.
func (s *StatsHandler) Stats(c fiber.Ctx) error {
	return httputil.Success(c, fiber.Map{
		"connected_clients": s.hub.ClientCount(),
		"client_names":      s.hub.ClientNames(),
		"uptime_seconds":    int64(time.Since(s.started).Seconds()),
	})
}
