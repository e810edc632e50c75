package httpserver

import (
	"context"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/sitepulse/internal/domain"
	"github.com/pscheid92/sitepulse/internal/platform/config"
	"github.com/pscheid92/sitepulse/internal/protocol"
)

// --- Mock implementations ---

type mockAppService struct {
	broadcastFn func(ctx context.Context, fallback string, msg protocol.Message) (domain.BroadcastResult, error)
	recentFn    func(ctx context.Context, siteDomain string, limit int) ([]domain.Delivery, error)
	counts      map[string]int

	lastFallback string
	lastMessage  protocol.Message
}

func (m *mockAppService) Broadcast(ctx context.Context, fallback string, msg protocol.Message) (domain.BroadcastResult, error) {
	m.lastFallback = fallback
	m.lastMessage = msg
	if m.broadcastFn != nil {
		return m.broadcastFn(ctx, fallback, msg)
	}
	return domain.BroadcastResult{
		Domain: domain.ResolveDomain(msg, fallback),
		Stats:  domain.DeliveryStats{Total: 2, Success: 2},
	}, nil
}

func (m *mockAppService) SessionCount(siteDomain string) int {
	return m.counts[siteDomain]
}

func (m *mockAppService) Domains() map[string]int {
	return m.counts
}

func (m *mockAppService) RecentDeliveries(ctx context.Context, siteDomain string, limit int) ([]domain.Delivery, error) {
	if m.recentFn != nil {
		return m.recentFn(ctx, siteDomain, limit)
	}
	return nil, domain.ErrLedgerDisabled
}

type mockSessionServer struct {
	served chan string
}

func (m *mockSessionServer) Serve(siteDomain string, conn *websocket.Conn) error {
	if m.served != nil {
		m.served <- siteDomain
	}
	return conn.Close()
}

// --- Test server builder ---

type testServerOption func(*Server)

func withHealthChecks(checks ...HealthCheck) testServerOption {
	return func(s *Server) { s.healthChecks = checks }
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:               "test",
		Port:                 "0",
		LogLevel:             "info",
		LogFormat:            "text",
		MaxSessionsPerDomain: 1000,
		BroadcastRateLimit:   1000,
		BroadcastRateBurst:   1000,
	}
}

func newTestServer(t *testing.T, app appService, opts ...testServerOption) *Server {
	t.Helper()
	return newTestServerWith(t, testConfig(), app, &mockSessionServer{}, opts...)
}

func newTestServerWith(t *testing.T, cfg *config.Config, app appService, sessions sessionServer, opts ...testServerOption) *Server {
	t.Helper()
	srv := NewServer(cfg, app, sessions, nil, nil, nil)
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}
