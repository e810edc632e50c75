package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/sitepulse/internal/adapter/metrics"
	"github.com/pscheid92/sitepulse/internal/domain"
	"github.com/pscheid92/sitepulse/internal/platform/config"
	"github.com/pscheid92/sitepulse/internal/protocol"
)

type appService interface {
	Broadcast(ctx context.Context, fallbackDomain string, msg protocol.Message) (domain.BroadcastResult, error)
	SessionCount(siteDomain string) int
	Domains() map[string]int
	RecentDeliveries(ctx context.Context, siteDomain string, limit int) ([]domain.Delivery, error)
}

// sessionServer runs an upgraded connection until it closes.
type sessionServer interface {
	Serve(siteDomain string, conn *websocket.Conn) error
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	app      appService
	sessions sessionServer
	upgrader websocket.Upgrader

	httpMetrics    *metrics.HTTPMetrics
	metricsHandler http.Handler

	limiter      *broadcastLimiter
	healthChecks []HealthCheck
	startTime    time.Time
}

// NewServer builds the echo server. httpMetrics and metricsHandler may be nil.
func NewServer(cfg *config.Config, app appService, sessions sessionServer, httpMetrics *metrics.HTTPMetrics, metricsHandler http.Handler, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:     e,
		config:   cfg,
		app:      app,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(cfg.Origins(), !cfg.IsProduction()),
		},
		httpMetrics:    httpMetrics,
		metricsHandler: metricsHandler,
		limiter:        newBroadcastLimiter(cfg.BroadcastRateLimit, cfg.BroadcastRateBurst),
		healthChecks:   healthChecks,
		startTime:      time.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Handler exposes the router, mainly for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
