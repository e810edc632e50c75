package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/sitepulse/internal/adapter/metrics"
	"github.com/pscheid92/sitepulse/internal/domain"
	"github.com/pscheid92/sitepulse/internal/protocol"
	goredis "github.com/redis/go-redis/v9"
)

// Channel is the pub/sub channel shared by all hub instances.
const Channel = "hub:broadcast"

// envelope is the relay wire format.
type envelope struct {
	Origin  string           `json:"origin"`
	Domain  string           `json:"domain"`
	Message protocol.Message `json:"message"`
}

// Deliverer fans a relayed message out to local sessions only.
type Deliverer interface {
	DeliverRelayed(ctx context.Context, siteDomain string, msg protocol.Message) error
}

// Relay publishes broadcasts to peer instances and receives theirs.
type Relay struct {
	rdb     *goredis.Client
	origin  string
	metrics *metrics.RelayMetrics
}

var _ domain.Relay = (*Relay)(nil)

// NewRelay creates a relay identified by origin. An empty origin gets a fresh ULID, and a nil m
// records on a private registry.
func NewRelay(rdb *goredis.Client, origin string, m *metrics.RelayMetrics) *Relay {
	if origin == "" {
		origin = ulid.Make().String()
	}
	if m == nil {
		m = metrics.NewRelayMetrics(prometheus.NewRegistry())
	}
	return &Relay{rdb: rdb, origin: origin, metrics: m}
}

// Origin returns the instance identifier stamped on published messages.
func (r *Relay) Origin() string {
	return r.origin
}

// Publish sends msg for siteDomain to every subscribed instance.
func (r *Relay) Publish(ctx context.Context, siteDomain string, msg protocol.Message) error {
	data, err := json.Marshal(envelope{Origin: r.origin, Domain: siteDomain, Message: msg})
	if err != nil {
		r.metrics.Published.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to marshal relay envelope: %w", err)
	}

	if err := r.rdb.Publish(ctx, Channel, data).Err(); err != nil {
		r.metrics.Published.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}

	r.metrics.Published.WithLabelValues("success").Inc()
	return nil
}

// Run subscribes to the relay channel and delivers peer broadcasts through d until ctx is done.
// ready, when non-nil, is closed once the subscription is confirmed.
func (r *Relay) Run(ctx context.Context, d Deliverer, ready chan<- struct{}) error {
	sub := r.rdb.Subscribe(ctx, Channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", Channel, err)
	}
	if ready != nil {
		close(ready)
	}
	slog.Info("Relay subscribed", "channel", Channel, "origin", r.origin)

	msgCh := sub.Channel()
	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			r.handle(ctx, d, []byte(msg.Payload))
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Relay) handle(ctx context.Context, d Deliverer, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Domain == "" || env.Message.Type == "" {
		slog.Warn("Dropping invalid relay message", "error", err)
		r.metrics.Received.WithLabelValues("invalid").Inc()
		return
	}

	if env.Origin == r.origin {
		r.metrics.Received.WithLabelValues("own").Inc()
		return
	}

	if err := d.DeliverRelayed(ctx, env.Domain, env.Message); err != nil {
		slog.Warn("Failed to deliver relayed broadcast", "domain", env.Domain, "origin", env.Origin, "error", err)
		r.metrics.Received.WithLabelValues("error").Inc()
		return
	}
	r.metrics.Received.WithLabelValues("delivered").Inc()
}
