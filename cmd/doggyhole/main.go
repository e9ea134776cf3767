package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/doggyhole/doggyhole-go/internal/api"
	"github.com/doggyhole/doggyhole-go/internal/bootstrap"
	"github.com/doggyhole/doggyhole-go/internal/config"
	"github.com/doggyhole/doggyhole-go/internal/httputil"
	"github.com/doggyhole/doggyhole-go/internal/postgres"
	"github.com/doggyhole/doggyhole-go/internal/valkey"
	"github.com/doggyhole/doggyhole-go/pkg/creds"
	"github.com/doggyhole/doggyhole-go/pkg/hub"
)

const storeDialTimeout = 5 * time.Second

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("Unknown LOG_LEVEL, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().Str("env", cfg.ServerEnv).Str("backend", cfg.CredentialsBackend).
		Msg("Starting DoggyHole Server")

	ctx := context.Background()

	health := api.NewHealthHandler()

	store, closeStore, err := openStore(ctx, cfg, health)
	if err != nil {
		return err
	}
	defer closeStore()

	// Seed credentials from the environment on first run.
	if err := bootstrap.Seed(ctx, store, cfg.Users, log.Logger); err != nil {
		return fmt.Errorf("seed credentials: %w", err)
	}
	if cfg.CredentialsBackend == "memory" && cfg.Users == "" {
		log.Warn().Msg("Memory backend with no USERS configured, nobody can authenticate")
	}

	registry := prometheus.NewRegistry()

	h := hub.New(store, hub.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		MaxConnections:    cfg.MaxConnections,
		ShutdownGrace:     cfg.ShutdownGrace,
		AuthTimeout:       cfg.AuthTimeout,
		MessageRateLimit:  cfg.RateLimitWSCount,
		MessageRateWindow: cfg.RateLimitWindow(),
		Logger:            log.Logger,
		Metrics:           registry,
	})

	app := fiber.New(fiber.Config{
		AppName: "DoggyHole",
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API responses
		// (e.g. Fiber's built-in 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := httputil.CodeInternal
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				code = statusToCode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    code,
					Message: message,
				},
			})
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))

	registerRoutes(app, h, health, registry)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		h.Shutdown("Server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.ShutdownWithContext(shutdownCtx)
	}()

	// Listen
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func registerRoutes(app *fiber.App, h *hub.Hub, health *api.HealthHandler, registry *prometheus.Registry) {
	app.Get("/", api.NewGatewayHandler(h).Upgrade)
	app.Get("/healthz", health.Health)
	app.Get("/api/v1/stats", api.NewStatsHandler(h).Stats)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
}

// openStore builds the credential store named by CREDENTIALS_BACKEND and
// registers its backing service with the health handler. The returned cleanup
// closes whatever connection the store rides on.
func openStore(ctx context.Context, cfg *config.Config, health *api.HealthHandler) (creds.Store, func(), error) {
	switch cfg.CredentialsBackend {
	case "memory":
		return creds.NewMemoryStore(), func() {}, nil

	case "valkey":
		rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, storeDialTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("connect valkey: %w", err)
		}
		log.Info().Msg("Valkey connected")
		health.Register("valkey", redisPinger{client: rdb})
		return creds.NewValkeyStore(rdb), func() { _ = rdb.Close() }, nil

	case "postgres":
		db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		log.Info().Msg("PostgreSQL connected")

		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		log.Info().Msg("Database migrations complete")

		health.Register("postgres", api.PingerFunc(db.Ping))
		return creds.NewPGStore(db), db.Close, nil

	default:
		// config.Load validates the backend name; this is unreachable short of
		// a new backend constant missing its case here.
		return nil, nil, fmt.Errorf("unknown credentials backend %q", cfg.CredentialsBackend)
	}
}

// redisPinger adapts *redis.Client to the api.Pinger interface.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// statusToCode maps an HTTP status from Fiber's built-in errors (404, 405,
// etc.) to the closest response error code.
func statusToCode(status int) httputil.Code {
	switch {
	case status == fiber.StatusNotFound:
		return httputil.CodeNotFound
	case status == fiber.StatusUpgradeRequired:
		return httputil.CodeUpgradeRequired
	case status == fiber.StatusServiceUnavailable:
		return httputil.CodeUnavailable
	case status >= 400 && status < 500:
		return httputil.CodeBadRequest
	default:
		return httputil.CodeInternal
	}
}
