package httpserver

import (
	"errors"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/sitepulse/internal/domain"
)

func (s *Server) registerWebSocketRoutes() {
	s.echo.GET("/ws", s.handleWebSocket)
}

// handleWebSocket upgrades a browser connection and hands it to the hub until it closes.
// A plain HTTP request is rejected before the domain is looked at.
func (s *Server) handleWebSocket(c echo.Context) error {
	req := c.Request()
	if !websocket.IsWebSocketUpgrade(req) {
		return domain.ErrBadUpgrade
	}

	siteDomain := domain.NormalizeDomain(c.QueryParam("domain"))
	if siteDomain == "" {
		return domain.ErrMissingDomain
	}

	conn, err := s.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		slog.InfoContext(req.Context(), "WebSocket upgrade failed", "domain", siteDomain, "error", err)
		return nil
	}

	if err := s.sessions.Serve(siteDomain, conn); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, domain.ErrDomainFull) {
			level = slog.LevelInfo
		}
		slog.Log(req.Context(), level, "Session rejected", "domain", siteDomain, "error", err)
	}
	return nil
}
