package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/sitepulse/internal/domain"
	apperrors "github.com/pscheid92/sitepulse/internal/platform/errors"
	"github.com/pscheid92/sitepulse/internal/protocol"
)

// DomainHeader carries the fallback domain for broadcasts whose body names none.
const DomainHeader = "X-Domain"

const maxBroadcastBody = 1 << 20

type broadcastRequest struct {
	Type   protocol.Type   `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Domain string          `json:"domain,omitempty"`
}

type broadcastResponse struct {
	Success bool                  `json:"success"`
	Domain  string                `json:"domain"`
	Stats   *domain.DeliveryStats `json:"stats,omitempty"`
	Skipped bool                  `json:"skipped,omitempty"`
	Reason  string                `json:"reason,omitempty"`
}

type sessionsResponse struct {
	Domain   string `json:"domain"`
	Sessions int    `json:"sessions"`
}

type deliveriesResponse struct {
	Domain     string            `json:"domain"`
	Deliveries []domain.Delivery `json:"deliveries"`
}

func (s *Server) registerAPIRoutes() {
	api := s.echo.Group("/api")
	api.POST("/broadcast", s.handleBroadcast)
	api.GET("/domains", s.handleDomains)
	api.GET("/domains/:domain/sessions", s.handleSessionCount)
	api.GET("/domains/:domain/deliveries", s.handleDeliveries)
}

func (s *Server) handleBroadcast(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBroadcastBody))
	if err != nil {
		return apperrors.ValidationError("failed to read request body")
	}

	var req broadcastRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return domain.ErrMalformedMessage
	}

	msg := protocol.Message{Type: req.Type, Data: req.Data, Domain: req.Domain}
	fallback := c.Request().Header.Get(DomainHeader)

	target := domain.ResolveDomain(msg, fallback)
	if !s.limiter.allow(c.RealIP(), target) {
		return apperrors.RateLimitedError("broadcast rate limit exceeded").WithField("domain", target)
	}

	result, err := s.app.Broadcast(c.Request().Context(), fallback, msg)
	if err != nil {
		if errors.Is(err, domain.ErrMissingDomain) || errors.Is(err, domain.ErrMissingType) {
			return err
		}
		return fmt.Errorf("broadcast %s: %w", req.Type, err)
	}

	resp := broadcastResponse{Success: true, Domain: result.Domain}
	if result.Skipped {
		resp.Skipped = true
		resp.Reason = result.Reason
	} else {
		resp.Stats = &result.Stats
	}

	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write broadcast response: %w", err)
	}
	return nil
}

func (s *Server) handleDomains(c echo.Context) error {
	if err := c.JSON(http.StatusOK, map[string]any{"domains": s.app.Domains()}); err != nil {
		return fmt.Errorf("failed to write domains response: %w", err)
	}
	return nil
}

func (s *Server) handleSessionCount(c echo.Context) error {
	siteDomain := domain.NormalizeDomain(c.Param("domain"))
	if siteDomain == "" {
		return domain.ErrMissingDomain
	}

	count := s.app.SessionCount(siteDomain)
	if count < 0 {
		return apperrors.UnavailableError("session count unavailable", domain.ErrHubStopped)
	}

	if err := c.JSON(http.StatusOK, sessionsResponse{Domain: siteDomain, Sessions: count}); err != nil {
		return fmt.Errorf("failed to write sessions response: %w", err)
	}
	return nil
}

func (s *Server) handleDeliveries(c echo.Context) error {
	siteDomain := domain.NormalizeDomain(c.Param("domain"))
	if siteDomain == "" {
		return domain.ErrMissingDomain
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return apperrors.ValidationError("limit must be a non-negative integer").WithField("limit", raw)
		}
		limit = n
	}

	deliveries, err := s.app.RecentDeliveries(c.Request().Context(), siteDomain, limit)
	if err != nil {
		return err
	}
	if deliveries == nil {
		deliveries = []domain.Delivery{}
	}

	if err := c.JSON(http.StatusOK, deliveriesResponse{Domain: siteDomain, Deliveries: deliveries}); err != nil {
		return fmt.Errorf("failed to write deliveries response: %w", err)
	}
	return nil
}
