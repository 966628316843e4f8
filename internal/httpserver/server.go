package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/0Andriy/livemap/internal/config"
	apperrors "github.com/0Andriy/livemap/internal/errors"
	"github.com/0Andriy/livemap/internal/metrics"
	"github.com/0Andriy/livemap/internal/realtime"
	"github.com/0Andriy/livemap/internal/version"
)

// Shared across Server instances so the collectors register once.
var promMiddleware = echoprometheus.NewMiddleware("livemap")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Browser clients connect from arbitrary origins
	},
}

// ReadinessCheck reports whether a backing dependency is reachable.
type ReadinessCheck func(ctx context.Context) error

// Server is the HTTP gateway: it upgrades WebSocket requests, enforces
// connection limits and serves the observability endpoints.
type Server struct {
	echo      *echo.Echo
	config    *config.Config
	rt        *realtime.Server
	limits    *ConnectionLimits
	readiness map[string]ReadinessCheck
	startTime time.Time
	log       *slog.Logger
}

func NewServer(cfg *config.Config, rt *realtime.Server, readiness map[string]ReadinessCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(promMiddleware)
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:      e,
		config:    cfg,
		rt:        rt,
		limits:    NewConnectionLimits(cfg.MaxConnections, cfg.MaxConnectionsPerIP, cfg.ConnectionRatePerIP, cfg.ConnectionBurstPerIP),
		readiness: readiness,
		startTime: time.Now(),
		log:       slog.Default().With("component", "httpserver"),
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) registerRoutes() {
	// Observability endpoints (no limits applied)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echoprometheus.NewHandler())

	// Every path under the base prefix resolves to a namespace.
	s.echo.GET(s.config.BasePath, s.handleWebSocket)
	s.echo.GET(s.config.BasePath+"/*", s.handleWebSocket)
}

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"server_id": s.rt.ID(),
		"uptime":    time.Since(s.startTime).Seconds(),
		"build":     version.Get(),
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	for name, check := range s.readiness {
		if err := check(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":       "unhealthy",
				"failed_check": name,
				"error":        err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()
	if reason := s.limits.Acquire(ip); reason != LimitNone {
		metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		s.log.Warn("Connection rejected by limits", "ip", ip, "reason", string(reason))
		return c.String(http.StatusTooManyRequests, "connection limit reached")
	}
	defer s.updateLimitGauges()
	defer s.limits.Release(ip)
	s.updateLimitGauges()

	transport, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade WebSocket: %w", err)
	}

	conn, err := s.rt.Connect(c.Request().Context(), transport, c.Request())
	if err != nil {
		// Connect already closed the transport with an explanatory frame.
		s.log.Info("Connection not admitted", "ip", ip, "error", err)
		return nil
	}

	// Blocks until the connection ends; the slot frees on return.
	conn.ReadLoop()
	return nil
}

func (s *Server) updateLimitGauges() {
	metrics.ConnectionCapacity.Set(s.limits.CapacityPct())
	metrics.UniqueIPs.Set(float64(s.limits.UniqueIPs()))
}

func (s *Server) Start() error {
	s.log.Info("Starting HTTP server", "port", s.config.Port, "base_path", s.config.BasePath)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
