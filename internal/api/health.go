package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/doggyhole/doggyhole-go/internal/httputil"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a plain function to the Pinger interface.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler serves the health check endpoint. Which dependencies it pings
// depends on the configured credential backend; with the in-memory store
// there is nothing to ping and the check always passes.
type HealthHandler struct {
	components []healthComponent
}

type healthComponent struct {
	name   string
	pinger Pinger
}

// NewHealthHandler creates a health handler with no dependencies registered.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// Register adds a named dependency to the health check.
func (h *HealthHandler) Register(name string, p Pinger) {
	h.components = append(h.components, healthComponent{name: name, pinger: p})
}

// Health handles GET /healthz. It pings every registered dependency with a
// shared timeout and reports per-component status.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	overall := "ok"
	status := fiber.StatusOK
	body := fiber.Map{}
	for _, comp := range h.components {
		s := "ok"
		if err := comp.pinger.Ping(ctx); err != nil {
			s = "unavailable"
			overall = "degraded"
			status = fiber.StatusServiceUnavailable
		}
		body[comp.name] = s
	}
	body["status"] = overall

	return httputil.SuccessStatus(c, status, body)
}
