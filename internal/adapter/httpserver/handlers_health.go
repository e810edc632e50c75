package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/sitepulse/internal/platform/version"
)

const (
	startupProbeTimeout   = 2 * time.Second
	readinessProbeTimeout = 5 * time.Second
)

const hubCheckName = "hub"

var errHubUnresponsive = errors.New("hub did not answer")

// HealthCheck is a named dependency check, such as the redis relay or the postgres ledger.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type healthResponse struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks,omitempty"`
	FailedCheck string            `json:"failed_check,omitempty"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

// handleStartup only waits for the configured dependencies; the hub is running once the server is.
func (s *Server) handleStartup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), startupProbeTimeout)
	defer cancel()

	return s.writeHealth(c, s.runHealthChecks(ctx, s.healthChecks))
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// handleReadiness reports ready only when the hub answers and every dependency is reachable.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	checks := append([]HealthCheck{s.hubCheck()}, s.healthChecks...)
	return s.writeHealth(c, s.runHealthChecks(ctx, checks))
}

// hubCheck round-trips a command through the hub actor. SessionCount answers -1 when the
// hub is stopped or its mailbox is stuck.
func (s *Server) hubCheck() HealthCheck {
	return HealthCheck{Name: hubCheckName, Check: func(context.Context) error {
		if s.app.SessionCount("") < 0 {
			return errHubUnresponsive
		}
		return nil
	}}
}

// runHealthChecks runs every check so the response names all failures, not just the first.
func (s *Server) runHealthChecks(ctx context.Context, checks []HealthCheck) healthResponse {
	resp := healthResponse{Status: "ready", Checks: make(map[string]string, len(checks))}
	for _, hc := range checks {
		if err := hc.Check(ctx); err != nil {
			resp.Checks[hc.Name] = err.Error()
			if resp.FailedCheck == "" {
				resp.Status = "unhealthy"
				resp.FailedCheck = hc.Name
			}
			continue
		}
		resp.Checks[hc.Name] = "ok"
	}
	return resp
}

func (s *Server) writeHealth(c echo.Context, resp healthResponse) error {
	status := http.StatusOK
	if resp.FailedCheck != "" {
		status = http.StatusServiceUnavailable
	}
	if err := c.JSON(status, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
