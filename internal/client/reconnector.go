package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sitepulse/internal/protocol"
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBaseDelay         = 1 * time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultMaxAttempts       = 5

	eventBufferSize = 64
)

// State is the lifecycle state of a Reconnector.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures a Reconnector. Zero durations and counts take the defaults.
type Config struct {
	URL               string
	Domain            string
	Dialer            Dialer
	Clock             clockwork.Clock
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxAttempts       int

	// OnMessage receives every inbound message. It runs on the read goroutine.
	OnMessage func(protocol.Message)
}

func (c Config) withDefaults() Config {
	if c.Dialer == nil {
		c.Dialer = WebSocketDialer{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Snapshot is a point-in-time view of a Reconnector.
type Snapshot struct {
	State    State
	Attempts int
	Delay    time.Duration
	// RetryIn is the time left until the scheduled reconnect; zero unless Reconnecting.
	RetryIn time.Duration
	// SkippedPings counts heartbeats that fired after the socket they were armed for had gone.
	SkippedPings int
}

type event interface{ isEvent() }

type baseEvent struct{}

func (baseEvent) isEvent() {}

type connectEvt struct{ baseEvent }

type closeEvt struct {
	baseEvent
	ackCh chan struct{}
}

type dialResultEvt struct {
	baseEvent
	gen  uint64
	conn Conn
	err  error
}

type timeoutEvt struct {
	baseEvent
	gen uint64
}

type heartbeatEvt struct {
	baseEvent
	gen uint64
}

type retryEvt struct {
	baseEvent
	gen uint64
}

type socketClosedEvt struct {
	baseEvent
	gen uint64
	err error
}

// Reconnector maintains one connection to the hub and reconnects with exponential backoff.
type Reconnector struct {
	cfg     Config
	url     string
	clock   clockwork.Clock
	ctx     context.Context
	eventCh chan event
	done    chan struct{}

	snapMu      sync.Mutex
	snapshot    Snapshot
	snapRetryAt time.Time

	// Owned by the loop goroutine.
	state          State
	attempts       int
	retryAt        time.Time
	delay          time.Duration
	gen            uint64
	skippedPings   int
	conn           Conn
	dialCancel     context.CancelFunc
	connectTimer   clockwork.Timer
	heartbeatTimer clockwork.Timer
	retryTimer     clockwork.Timer
}

// New creates a Reconnector in the Idle state and starts its loop. The loop and any open
// socket are torn down when ctx is done.
func New(ctx context.Context, cfg Config) (*Reconnector, error) {
	cfg = cfg.withDefaults()

	target, err := buildURL(cfg.URL, cfg.Domain)
	if err != nil {
		return nil, err
	}

	r := &Reconnector{
		cfg:     cfg,
		url:     target,
		clock:   cfg.Clock,
		ctx:     ctx,
		eventCh: make(chan event, eventBufferSize),
		done:    make(chan struct{}),
		state:   StateIdle,
		delay:   cfg.BaseDelay,
	}
	r.publish()
	go r.run()
	return r, nil
}

func buildURL(base, siteDomain string) (string, error) {
	if siteDomain == "" {
		return "", errors.New("domain is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("hub url must use ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	q.Set("domain", siteDomain)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// URL returns the address dialed on every attempt.
func (r *Reconnector) URL() string {
	return r.url
}

// Connect starts a connection attempt with a fresh attempt budget. It is a no-op while a
// connection is open or being established.
func (r *Reconnector) Connect() {
	r.post(connectEvt{})
}

// Close cancels all timers, closes the socket with a normal closure and stops automatic
// reconnects until Connect is called again. Safe to call repeatedly.
func (r *Reconnector) Close() {
	ackCh := make(chan struct{})
	if !r.post(closeEvt{ackCh: ackCh}) {
		return
	}
	select {
	case <-ackCh:
	case <-r.done:
	}
}

// Snapshot returns the current state, attempt count and backoff.
func (r *Reconnector) Snapshot() Snapshot {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()

	s := r.snapshot
	if s.State == StateReconnecting {
		if left := r.snapRetryAt.Sub(r.clock.Now()); left > 0 {
			s.RetryIn = left
		}
	}
	return s
}

// Done is closed once the loop has exited.
func (r *Reconnector) Done() <-chan struct{} {
	return r.done
}

func (r *Reconnector) post(ev event) bool {
	select {
	case r.eventCh <- ev:
		return true
	case <-r.done:
		return false
	}
}

func (r *Reconnector) run() {
	defer close(r.done)
	defer r.teardown()

	for {
		select {
		case <-r.ctx.Done():
			return
		case ev := <-r.eventCh:
			r.handle(ev)
			r.publish()
		}
	}
}

func (r *Reconnector) handle(ev event) {
	switch e := ev.(type) {
	case connectEvt:
		r.handleConnect()
	case closeEvt:
		r.handleClose()
		close(e.ackCh)
	case dialResultEvt:
		r.handleDialResult(e)
	case timeoutEvt:
		if e.gen != r.gen || r.state != StateConnecting {
			return
		}
		r.fail(ErrConnectionTimeout)
	case socketClosedEvt:
		if e.gen != r.gen || r.state != StateOpen {
			return
		}
		r.fail(fmt.Errorf("%w: %w", ErrSocketClosed, e.err))
	case heartbeatEvt:
		r.handleHeartbeat(e)
	case retryEvt:
		if e.gen != r.gen || r.state != StateReconnecting {
			return
		}
		r.startAttempt()
	default:
		slog.Warn("Reconnector received unknown event type", "event_type", fmt.Sprintf("%T", ev))
	}
}

func (r *Reconnector) handleConnect() {
	switch r.state {
	case StateConnecting, StateOpen, StateReconnecting:
		slog.Debug("Connect ignored", "domain", r.cfg.Domain, "state", r.state.String())
		return
	}
	r.attempts = 0
	r.startAttempt()
}

// startAttempt cancels whatever the previous attempt left behind, then dials.
func (r *Reconnector) startAttempt() {
	r.cancelTimers()
	r.gen++
	gen := r.gen
	r.state = StateConnecting

	dialCtx, cancel := context.WithCancel(r.ctx)
	r.dialCancel = cancel
	r.connectTimer = r.clock.AfterFunc(r.cfg.ConnectTimeout, func() {
		r.post(timeoutEvt{gen: gen})
	})

	slog.Debug("Connecting", "domain", r.cfg.Domain, "url", r.url, "attempt", r.attempts)
	go func() {
		conn, err := r.cfg.Dialer.Dial(dialCtx, r.url)
		if !r.post(dialResultEvt{gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (r *Reconnector) handleDialResult(e dialResultEvt) {
	if e.gen != r.gen || r.state != StateConnecting {
		if e.conn != nil {
			_ = e.conn.Close()
		}
		return
	}
	if e.err != nil {
		r.fail(e.err)
		return
	}

	stopTimer(&r.connectTimer)
	r.dialCancel = nil
	r.conn = e.conn
	r.state = StateOpen
	r.attempts = 0
	r.delay = r.cfg.BaseDelay

	slog.Info("Connected to hub", "domain", r.cfg.Domain)
	go r.read(e.gen, e.conn)
	r.armHeartbeat()
}

func (r *Reconnector) armHeartbeat() {
	gen := r.gen
	r.heartbeatTimer = r.clock.AfterFunc(r.cfg.HeartbeatInterval, func() {
		r.post(heartbeatEvt{gen: gen})
	})
}

// handleHeartbeat pings the open socket. A heartbeat armed for an earlier socket is skipped,
// never queued for the current one.
func (r *Reconnector) handleHeartbeat(e heartbeatEvt) {
	if e.gen != r.gen || r.state != StateOpen || r.conn == nil {
		r.skippedPings++
		slog.Warn("Heartbeat skipped: socket not open", "domain", r.cfg.Domain, "state", r.state.String())
		return
	}

	ping, err := protocol.Ping().Encode()
	if err != nil {
		slog.Error("Failed to encode ping", "error", err)
		return
	}
	if err := r.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
		r.fail(fmt.Errorf("%w: heartbeat: %w", ErrSocketClosed, err))
		return
	}
	r.armHeartbeat()
}

// fail is the only path from a failed attempt to the next one.
func (r *Reconnector) fail(cause error) {
	r.cancelTimers()
	r.discardConn()
	r.gen++

	if r.attempts >= r.cfg.MaxAttempts {
		slog.Error("Reconnect halted", "domain", r.cfg.Domain, "error", ErrMaxAttemptsExceeded,
			"attempts", r.attempts, "cause", cause)
		r.state = StateIdle
		return
	}

	r.attempts++
	wait := r.delay
	r.delay = min(r.delay*2, r.cfg.MaxDelay)
	r.state = StateReconnecting

	gen := r.gen
	r.retryAt = r.clock.Now().Add(wait)
	r.retryTimer = r.clock.AfterFunc(wait, func() {
		r.post(retryEvt{gen: gen})
	})

	slog.Warn("Connection failed, reconnecting", "domain", r.cfg.Domain, "error", cause,
		"attempt", r.attempts, "max_attempts", r.cfg.MaxAttempts, "retry_in", wait)
}

func (r *Reconnector) handleClose() {
	if r.state == StateClosed {
		return
	}

	r.cancelTimers()
	if r.conn != nil {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := r.conn.WriteMessage(websocket.CloseMessage, closeMsg); err != nil {
			slog.Debug("Failed to send close frame", "domain", r.cfg.Domain, "error", err)
		}
	}
	r.discardConn()
	r.gen++
	r.state = StateClosed
	slog.Info("Connection closed", "domain", r.cfg.Domain)
}

func (r *Reconnector) teardown() {
	r.handleClose()
	r.publish()
}

func (r *Reconnector) cancelTimers() {
	stopTimer(&r.connectTimer)
	stopTimer(&r.heartbeatTimer)
	stopTimer(&r.retryTimer)
	if r.dialCancel != nil {
		r.dialCancel()
		r.dialCancel = nil
	}
}

func stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (r *Reconnector) discardConn() {
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}

func (r *Reconnector) publish() {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()
	r.snapshot = Snapshot{State: r.state, Attempts: r.attempts, Delay: r.delay, SkippedPings: r.skippedPings}
	r.snapRetryAt = r.retryAt
}

func (r *Reconnector) read(gen uint64, conn Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			r.post(socketClosedEvt{gen: gen, err: err})
			return
		}
		r.dispatch(raw)
	}
}

func (r *Reconnector) dispatch(raw []byte) {
	msg, err := protocol.Parse(raw)
	if err != nil {
		slog.Debug("Ignoring malformed message", "domain", r.cfg.Domain, "error", err)
		return
	}

	if r.cfg.OnMessage != nil {
		r.cfg.OnMessage(msg)
		return
	}

	switch msg.Type {
	case protocol.TypeConnected:
		count := 0
		if msg.SessionCount != nil {
			count = *msg.SessionCount
		}
		slog.Info("Hub welcome", "domain", msg.Domain, "session_count", count)
	case protocol.TypePong:
		slog.Debug("Pong received", "domain", msg.Domain)
	case protocol.TypeEcho:
		slog.Debug("Echo received", "domain", r.cfg.Domain, "data", string(msg.Data))
	case protocol.TypeError:
		slog.Warn("Hub reported error", "domain", msg.Domain, "message", msg.Message)
	}
}
