// Package relay provides the Robolink signaling relay server.
// It owns the websocket channel endpoint, the signal router and the
// operational HTTP surface.
package relay

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/robolink/robolink/internal/config"
	"github.com/robolink/robolink/internal/store"
	"github.com/robolink/robolink/internal/transport"
)

// JobFunc runs one scheduled job to completion and returns its summary.
// A non-nil error still carries the partial summary accumulated so far.
type JobFunc func(ctx context.Context) (interface{}, error)

// Server represents the Robolink relay server.
type Server struct {
	cfg    *config.Config
	echo   *echo.Echo
	logger zerolog.Logger
	store  store.Store
	hub    *transport.Hub
	router *Router

	mu        sync.RWMutex
	running   bool
	startTime time.Time

	jobs map[string]JobFunc
}

// New creates a new relay server.
func New(cfg *config.Config, st store.Store, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "relay").Logger()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewCustomValidator()

	hub := transport.NewHub(logger)

	return &Server{
		cfg:    cfg,
		echo:   e,
		logger: logger,
		store:  st,
		hub:    hub,
		router: NewRouter(st, hub, cfg.Relay.AllowLegacy, logger),
		jobs:   make(map[string]JobFunc),
	}
}

// Hub exposes the live channel hub so jobs can probe channels.
func (s *Server) Hub() *transport.Hub {
	return s.hub
}

// RegisterJob wires a named job into POST /api/jobs/:name/run.
func (s *Server) RegisterJob(name string, fn JobFunc) {
	s.jobs[name] = fn
}

// Start starts the relay server and blocks until an interrupt signal.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("relay already running")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	s.setupMiddleware()
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", s.cfg.Relay.Host, s.cfg.Relay.Port)

	go func() {
		s.logger.Info().Str("addr", addr).Msg("Relay server starting")
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal().Err(err).Msg("Relay server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	s.logger.Info().Msg("Shutting down relay server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.echo.Shutdown(ctx)
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	// Request logging
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("request")
			return nil
		},
	}))

	// Recover from panics
	s.echo.Use(middleware.Recover())

	// Rate Limiting (Global)
	s.echo.Use(s.RateLimitMiddleware())
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Channel endpoint; auth happens inside the handler because the
	// identity comes from the channel-open token, not the API token.
	s.echo.GET("/ws", s.handleChannel)

	api := s.echo.Group("/api")
	api.Use(s.AuthMiddleware)
	{
		api.GET("/status", s.handleStatus)
		api.POST("/jobs/:name/run", s.handleJobRun)
	}
}

// AuthMiddleware validates the admin API token.
func (s *Server) AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := s.cfg.Relay.Auth.Token
		if token == "" {
			// No token configured: allow.
			return next(c)
		}

		presented := extractToken(c.Request())
		if presented == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Missing authentication token")
		}

		// Constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authentication token")
		}

		return next(c)
	}
}

// RateLimitMiddleware returns a middleware that limits requests per IP.
func (s *Server) RateLimitMiddleware() echo.MiddlewareFunc {
	if !s.cfg.Relay.RateLimit.Enabled {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}

	rps := s.cfg.Relay.RateLimit.RPS
	if rps <= 0 {
		rps = 10
	}
	burst := s.cfg.Relay.RateLimit.Burst
	if burst <= 0 {
		burst = 20
	}

	rlConfig := middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(rps),
				Burst:     burst,
				ExpiresIn: 0,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Too many requests",
			})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded",
			})
		},
	}

	return middleware.RateLimiterWithConfig(rlConfig)
}
