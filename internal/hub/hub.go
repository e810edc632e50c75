package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/sitepulse/internal/adapter/metrics"
	"github.com/pscheid92/sitepulse/internal/domain"
	"github.com/pscheid92/sitepulse/internal/protocol"
)

const (
	commandTimeout      = 5 * time.Second
	stopTimeout         = 10 * time.Second
	commandChannelSize  = 256
	commandChannelAlarm = 200
	shutdownReason      = "Server shutting down"
)

type domainSessions map[uuid.UUID]*session

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerReply struct {
	id  uuid.UUID
	err error
}

type registerCmd struct {
	baseHubCmd
	domain     string
	connection *websocket.Conn
	replyCh    chan registerReply
}

type inboundCmd struct {
	baseHubCmd
	id  uuid.UUID
	raw []byte
}

type broadcastReply struct {
	result domain.BroadcastResult
	err    error
}

type broadcastCmd struct {
	baseHubCmd
	domain  string
	message protocol.Message
	replyCh chan broadcastReply
}

type unregisterCmd struct {
	baseHubCmd
	id uuid.UUID
}

type sessionCountCmd struct {
	baseHubCmd
	domain  string
	replyCh chan int
}

type domainsCmd struct {
	baseHubCmd
	replyCh chan map[string]int
}

type stopCmd struct {
	baseHubCmd
}

// Hub owns every live session grouped by domain and performs broadcast fan-out.
// All state is touched only by the run goroutine.
type Hub struct {
	cmdCh                chan hubCmd
	clock                clockwork.Clock
	domains              map[string]domainSessions
	sessions             map[uuid.UUID]*session
	dedup                *DedupCache
	metrics              *metrics.HubMetrics
	maxSessionsPerDomain int
	done                 chan struct{}
	stopOnce             sync.Once
	stopTimeout          time.Duration
}

// New creates a hub and starts its goroutine.
// maxSessionsPerDomain <= 0 disables the per-domain limit. A nil m registers metrics on a
// private registry.
func New(clock clockwork.Clock, m *metrics.HubMetrics, maxSessionsPerDomain int) *Hub {
	if m == nil {
		m = metrics.NewHubMetrics(prometheus.NewRegistry())
	}
	h := &Hub{
		cmdCh:                make(chan hubCmd, commandChannelSize),
		clock:                clock,
		domains:              make(map[string]domainSessions),
		sessions:             make(map[uuid.UUID]*session),
		dedup:                NewDedupCache(),
		metrics:              m,
		maxSessionsPerDomain: maxSessionsPerDomain,
		done:                 make(chan struct{}),
		stopTimeout:          stopTimeout,
	}
	go h.run()
	return h
}

// Register adds conn to the session set of siteDomain and sends it the welcome message.
func (h *Hub) Register(siteDomain string, conn *websocket.Conn) (uuid.UUID, error) {
	siteDomain = domain.NormalizeDomain(siteDomain)
	if siteDomain == "" {
		return uuid.Nil, domain.ErrMissingDomain
	}

	replyCh := make(chan registerReply, 1)
	if !h.submit(registerCmd{domain: siteDomain, connection: conn, replyCh: replyCh}) {
		return uuid.Nil, domain.ErrHubStopped
	}

	reply, err := awaitReply(context.Background(), h, replyCh, "register")
	if err != nil {
		return uuid.Nil, err
	}
	return reply.id, reply.err
}

// HandleInbound dispatches one raw frame received from session id.
func (h *Hub) HandleInbound(id uuid.UUID, raw []byte) {
	h.submit(inboundCmd{id: id, raw: raw})
}

// Unregister removes session id. Unknown ids are ignored.
func (h *Hub) Unregister(id uuid.UUID) {
	h.submit(unregisterCmd{id: id})
}

// Broadcast resolves the target domain of msg (msg.domain, then data.domain, then fallback) and
// sends msg to every session of that domain unless the dedup cache has already seen the payload.
func (h *Hub) Broadcast(ctx context.Context, fallback string, msg protocol.Message) (domain.BroadcastResult, error) {
	if msg.Type == "" {
		return domain.BroadcastResult{}, domain.ErrMissingType
	}
	siteDomain := domain.ResolveDomain(msg, fallback)
	if siteDomain == "" {
		return domain.BroadcastResult{}, domain.ErrMissingDomain
	}

	replyCh := make(chan broadcastReply, 1)
	if !h.submit(broadcastCmd{domain: siteDomain, message: msg, replyCh: replyCh}) {
		return domain.BroadcastResult{}, domain.ErrHubStopped
	}

	reply, err := awaitReply(ctx, h, replyCh, "broadcast")
	if err != nil {
		return domain.BroadcastResult{}, err
	}
	return reply.result, reply.err
}

// SessionCount returns the number of sessions registered for siteDomain.
// Returns -1 if the command times out or the hub is stopped.
func (h *Hub) SessionCount(siteDomain string) int {
	replyCh := make(chan int, 1)
	if !h.submit(sessionCountCmd{domain: domain.NormalizeDomain(siteDomain), replyCh: replyCh}) {
		return -1
	}

	count, err := awaitReply(context.Background(), h, replyCh, "session count")
	if err != nil {
		slog.Warn("SessionCount failed", "error", err)
		return -1
	}
	return count
}

// Domains returns the session count of every domain with at least one session.
func (h *Hub) Domains() map[string]int {
	replyCh := make(chan map[string]int, 1)
	if !h.submit(domainsCmd{replyCh: replyCh}) {
		return map[string]int{}
	}

	counts, err := awaitReply(context.Background(), h, replyCh, "domains")
	if err != nil {
		slog.Warn("Domains failed", "error", err)
		return map[string]int{}
	}
	return counts
}

// Stop closes every session with a normal closure frame and stops the hub goroutine.
// Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		if !h.submit(stopCmd{}) {
			return
		}

		timeout := h.clock.NewTimer(h.stopTimeout)
		defer timeout.Stop()

		select {
		case <-h.done:
			slog.Info("Hub stopped gracefully")
		case <-timeout.Chan():
			slog.Warn("Hub stop timeout exceeded", "timeout", h.stopTimeout)
		}
	})
}

func (h *Hub) submit(cmd hubCmd) bool {
	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.done:
		return false
	}
}

func awaitReply[T any](ctx context.Context, h *Hub, replyCh <-chan T, op string) (T, error) {
	var zero T

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.Chan():
		return zero, fmt.Errorf("%s command timed out after %v", op, commandTimeout)
	case <-h.done:
		return zero, domain.ErrHubStopped
	}
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			h.metrics.Panics.Inc()
			h.closeAllSessions("Internal server error")
		}
	}()

	depthTicker := h.clock.NewTicker(time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			if depth := len(h.cmdCh); depth > commandChannelAlarm {
				slog.Warn("Command channel near capacity", "depth", depth, "capacity", cap(h.cmdCh))
			}

		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				h.handleRegister(c)
			case inboundCmd:
				h.handleInbound(c)
			case broadcastCmd:
				h.handleBroadcast(c)
			case unregisterCmd:
				h.removeSession(c.id)
			case sessionCountCmd:
				c.replyCh <- len(h.domains[c.domain])
			case domainsCmd:
				counts := make(map[string]int, len(h.domains))
				for d, sessions := range h.domains {
					counts[d] = len(sessions)
				}
				c.replyCh <- counts
			case stopCmd:
				h.handleStop()
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (h *Hub) handleRegister(c registerCmd) {
	sessions, exists := h.domains[c.domain]
	if h.maxSessionsPerDomain > 0 && len(sessions) >= h.maxSessionsPerDomain {
		slog.Warn("Rejecting session: max sessions reached", "domain", c.domain, "max_sessions", h.maxSessionsPerDomain)
		h.metrics.RejectedSessions.Inc()
		c.replyCh <- registerReply{err: domain.ErrDomainFull}
		return
	}
	if !exists {
		sessions = make(domainSessions)
		h.domains[c.domain] = sessions
	}

	s := newSession(uuid.New(), c.domain, c.connection, h.clock, h.Unregister)
	sessions[s.id] = s
	h.sessions[s.id] = s
	h.updateGauges()

	welcome, err := protocol.Connected(c.domain, len(sessions)).Encode()
	if err == nil {
		err = s.enqueue(welcome)
	}
	if err != nil {
		slog.Warn("Failed to send welcome message", "domain", c.domain, "session_id", s.id.String(), "error", err)
	}

	slog.Debug("Session registered", "domain", c.domain, "session_id", s.id.String(), "domain_sessions", len(sessions))
	c.replyCh <- registerReply{id: s.id}
}

func (h *Hub) handleInbound(c inboundCmd) {
	s, ok := h.sessions[c.id]
	if !ok {
		return
	}

	msgType, err := protocol.InboundType(c.raw)
	if err != nil {
		h.metrics.InboundMessages.WithLabelValues("malformed").Inc()
		slog.Debug("Malformed inbound message", "domain", s.domain, "session_id", s.id.String(), "error", err)
		h.reply(s, protocol.ErrorReply(s.domain, protocol.InvalidMessageFormat))
		return
	}

	switch msgType {
	case protocol.TypePing:
		h.metrics.InboundMessages.WithLabelValues("ping").Inc()
		h.reply(s, protocol.Pong(s.domain))
	default:
		h.metrics.InboundMessages.WithLabelValues("ignored").Inc()
	}
}

// reply sends msg to a single session, dropping the session if it cannot take the frame.
func (h *Hub) reply(s *session, msg protocol.Message) {
	data, err := msg.Encode()
	if err != nil {
		slog.Error("Failed to encode reply", "type", msg.Type, "error", err)
		return
	}
	if err := s.enqueue(data); err != nil {
		slog.Warn("Reply failed, dropping session", "domain", s.domain, "session_id", s.id.String(), "error", err)
		h.removeSession(s.id)
	}
}

func (h *Hub) handleBroadcast(c broadcastCmd) {
	payload, err := c.message.CanonicalData()
	if err != nil {
		c.replyCh <- broadcastReply{err: fmt.Errorf("%w: %w", domain.ErrMalformedMessage, err)}
		return
	}
	msgType := string(c.message.Type)

	if h.dedup.Check(c.domain, msgType, payload) {
		h.metrics.Broadcasts.WithLabelValues("duplicate").Inc()
		slog.Debug("Skipping duplicate broadcast", "domain", c.domain, "type", msgType)
		c.replyCh <- broadcastReply{result: domain.BroadcastResult{
			Domain:  c.domain,
			Skipped: true,
			Reason:  domain.SkipReasonDuplicate,
		}}
		return
	}

	data, err := c.message.WithDomain(c.domain).Encode()
	if err != nil {
		c.replyCh <- broadcastReply{err: fmt.Errorf("%w: %w", domain.ErrMalformedMessage, err)}
		return
	}

	if evicted := h.dedup.Record(c.domain, msgType, payload); evicted > 0 {
		h.metrics.DedupEvictions.Add(float64(evicted))
		slog.Debug("Dedup cache trimmed", "evicted", evicted, "remaining", h.dedup.Len())
	}
	h.metrics.DedupEntries.Set(float64(h.dedup.Len()))

	sessions := h.domains[c.domain]
	stats := domain.DeliveryStats{Total: len(sessions)}
	var failed []*session
	for _, s := range sessions {
		if err := s.enqueue(data); err != nil {
			stats.Failure++
			failed = append(failed, s)
			continue
		}
		stats.Success++
	}

	for _, s := range failed {
		slog.Warn("Send failed, dropping session", "domain", c.domain, "session_id", s.id.String())
		h.removeSession(s.id)
	}

	h.metrics.Broadcasts.WithLabelValues("delivered").Inc()
	h.metrics.Deliveries.WithLabelValues("success").Add(float64(stats.Success))
	h.metrics.Deliveries.WithLabelValues("failure").Add(float64(stats.Failure))

	slog.Debug("Broadcast delivered", "domain", c.domain, "type", msgType,
		"total", stats.Total, "success", stats.Success, "failure", stats.Failure)
	c.replyCh <- broadcastReply{result: domain.BroadcastResult{Domain: c.domain, Stats: stats}}
}

func (h *Hub) removeSession(id uuid.UUID) {
	s, ok := h.sessions[id]
	if !ok {
		return
	}

	s.stop()
	delete(h.sessions, id)

	sessions := h.domains[s.domain]
	delete(sessions, id)
	if len(sessions) == 0 {
		delete(h.domains, s.domain)
		slog.Info("Last session disconnected", "domain", s.domain)
	} else {
		slog.Debug("Session unregistered", "domain", s.domain, "remaining_sessions", len(sessions))
	}
	h.updateGauges()
}

func (h *Hub) handleStop() {
	slog.Info("Hub shutting down", "domains", len(h.domains), "sessions", len(h.sessions))
	total := len(h.sessions)
	h.closeAllSessions(shutdownReason)
	slog.Info("Hub shutdown complete", "disconnected_sessions", total)
}

// closeAllSessions closes every session with the given reason.
// Used during panic recovery and graceful shutdown.
func (h *Hub) closeAllSessions(reason string) {
	for id, s := range h.sessions {
		s.stopGraceful(reason)
		delete(h.sessions, id)
	}
	clear(h.domains)
	h.updateGauges()
}

func (h *Hub) updateGauges() {
	h.metrics.ActiveSessions.Set(float64(len(h.sessions)))
	h.metrics.ActiveDomains.Set(float64(len(h.domains)))
}

// Serve runs the lifecycle of one upgraded connection: register, read until the socket fails,
// then unregister. It returns once the session is gone.
func (h *Hub) Serve(siteDomain string, conn *websocket.Conn) error {
	id, err := h.Register(siteDomain, conn)
	if err != nil {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, h.clock.Now().Add(writeDeadline))
		_ = conn.Close()
		return err
	}
	defer h.Unregister(id)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Warn("Session read error", "domain", siteDomain, "session_id", id.String(), "error", err)
			} else {
				slog.Debug("Session closed", "domain", siteDomain, "session_id", id.String())
			}
			return nil
		}
		_ = conn.SetReadDeadline(h.clock.Now().Add(pongDeadline))
		h.HandleInbound(id, raw)
	}
}
