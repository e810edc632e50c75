package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/pscheid92/sitepulse/internal/domain"
	"github.com/pscheid92/sitepulse/internal/protocol"
	"golang.org/x/sync/singleflight"
)

const (
	ledgerTimeout       = 2 * time.Second
	defaultRecentLimit  = 50
	maxRecentDeliveries = 500
)

// Service is the application layer. It is the only component that talks to the hub, the relay
// and the ledger together.
type Service struct {
	hub         domain.Hub
	relay       domain.Relay
	ledger      domain.DeliveryLedger
	clock       clockwork.Clock
	recentGroup singleflight.Group
}

// NewService creates the application layer service.
// relay and ledger may be nil when Redis or Postgres are not configured.
func NewService(hub domain.Hub, relay domain.Relay, ledger domain.DeliveryLedger, clock clockwork.Clock) *Service {
	return &Service{
		hub:    hub,
		relay:  relay,
		ledger: ledger,
		clock:  clock,
	}
}

// Broadcast delivers msg to the local sessions of its domain, then relays it to peer instances
// and records the outcome. Relay and ledger failures are logged, never returned: local delivery
// already happened.
func (s *Service) Broadcast(ctx context.Context, fallbackDomain string, msg protocol.Message) (domain.BroadcastResult, error) {
	result, err := s.hub.Broadcast(ctx, fallbackDomain, msg)
	if err != nil {
		return domain.BroadcastResult{}, err
	}

	if !result.Skipped && s.relay != nil {
		if err := s.relay.Publish(ctx, result.Domain, msg.WithDomain(result.Domain)); err != nil {
			slog.WarnContext(ctx, "Failed to relay broadcast", "domain", result.Domain, "type", msg.Type, "error", err)
		}
	}

	s.record(ctx, result, msg.Type)
	return result, nil
}

// DeliverRelayed fans out a message received from a peer instance to local sessions only.
func (s *Service) DeliverRelayed(ctx context.Context, siteDomain string, msg protocol.Message) error {
	result, err := s.hub.Broadcast(ctx, siteDomain, msg.WithDomain(siteDomain))
	if err != nil {
		return fmt.Errorf("deliver relayed %s: %w", msg.Type, err)
	}
	slog.DebugContext(ctx, "Relayed broadcast delivered", "domain", result.Domain, "type", msg.Type,
		"skipped", result.Skipped, "total", result.Stats.Total)
	return nil
}

// SessionCount returns the number of sessions on this instance for siteDomain.
func (s *Service) SessionCount(siteDomain string) int {
	return s.hub.SessionCount(domain.NormalizeDomain(siteDomain))
}

// Domains returns the session count of every domain with sessions on this instance.
func (s *Service) Domains() map[string]int {
	return s.hub.Domains()
}

// RecentDeliveries returns the newest ledger rows for siteDomain. Concurrent identical reads
// share one query.
func (s *Service) RecentDeliveries(ctx context.Context, siteDomain string, limit int) ([]domain.Delivery, error) {
	if s.ledger == nil {
		return nil, domain.ErrLedgerDisabled
	}
	siteDomain = domain.NormalizeDomain(siteDomain)
	if siteDomain == "" {
		return nil, domain.ErrMissingDomain
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	limit = min(limit, maxRecentDeliveries)

	key := fmt.Sprintf("%s:%d", siteDomain, limit)
	v, err, _ := s.recentGroup.Do(key, func() (any, error) {
		return s.ledger.Recent(ctx, siteDomain, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("recent deliveries: %w", err)
	}
	return v.([]domain.Delivery), nil
}

func (s *Service) record(ctx context.Context, result domain.BroadcastResult, msgType protocol.Type) {
	if s.ledger == nil {
		return
	}

	now := s.clock.Now()
	d := domain.Delivery{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Domain:      result.Domain,
		MessageType: string(msgType),
		Total:       result.Stats.Total,
		Success:     result.Stats.Success,
		Failure:     result.Stats.Failure,
		Skipped:     result.Skipped,
		CreatedAt:   now.UTC(),
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()

	if err := s.ledger.Record(ctx, d); err != nil {
		slog.WarnContext(ctx, "Failed to record delivery", "domain", d.Domain, "type", d.MessageType, "error", err)
	}
}
