package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sitepulse/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("connection refused")

type written struct {
	messageType int
	data        []byte
}

// fakeConn is an in-memory Conn. drop simulates the server going away.
type fakeConn struct {
	mu        sync.Mutex
	writes    []written
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.inbound:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, written{messageType: messageType, data: data})
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) drop() { _ = c.Close() }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) countWrites(messageType int, data string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.writes {
		if w.messageType == messageType && (data == "" || string(w.data) == data) {
			n++
		}
	}
	return n
}

type dialStep struct {
	conn Conn
	err  error
	hang bool
	// gate delays the result until closed, ignoring ctx.
	gate chan struct{}
}

// fakeDialer answers each call from script; calls are numbered from 1.
type fakeDialer struct {
	mu     sync.Mutex
	calls  int
	urls   []string
	script func(call int) dialStep
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.urls = append(d.urls, url)
	script := d.script
	d.mu.Unlock()

	step := dialStep{err: errRefused}
	if script != nil {
		step = script(call)
	}
	if step.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.gate != nil {
		<-step.gate
	}
	return step.conn, step.err
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newTestReconnector(t *testing.T, dialer Dialer, configure func(*Config)) (*Reconnector, *clockwork.FakeClock) {
	t.Helper()

	fakeClock := clockwork.NewFakeClock()
	cfg := Config{
		URL:    "ws://hub.test/ws",
		Domain: "a.example",
		Dialer: dialer,
		Clock:  fakeClock,
	}
	if configure != nil {
		configure(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, fakeClock
}

func waitForSnapshot(t *testing.T, r *Reconnector, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = r.Snapshot()
		return cond(snap)
	}, 2*time.Second, time.Millisecond, "last snapshot: %+v", r.Snapshot())
	return snap
}

func TestReconnector_DelaySequenceAndHalt(t *testing.T) {
	dialer := &fakeDialer{}
	r, clock := newTestReconnector(t, dialer, nil)

	r.Connect()

	expected := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, wait := range expected {
		snap := waitForSnapshot(t, r, func(s Snapshot) bool {
			return s.State == StateReconnecting && s.Attempts == i+1
		})
		assert.Equal(t, wait, snap.RetryIn, "retry %d", i+1)
		clock.Advance(wait)
	}

	snap := waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateIdle })
	assert.Equal(t, DefaultMaxAttempts, snap.Attempts)
	assert.Equal(t, 6, dialer.callCount())

	clock.Advance(time.Hour)
	assert.Never(t, func() bool { return dialer.callCount() > 6 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestReconnector_DelayIsCapped(t *testing.T) {
	dialer := &fakeDialer{}
	r, clock := newTestReconnector(t, dialer, func(c *Config) { c.MaxAttempts = 8 })

	r.Connect()

	expected := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	for i, seconds := range expected {
		wait := seconds * time.Second
		snap := waitForSnapshot(t, r, func(s Snapshot) bool {
			return s.State == StateReconnecting && s.Attempts == i+1
		})
		assert.Equal(t, wait, snap.RetryIn, "retry %d", i+1)
		assert.LessOrEqual(t, snap.Delay, DefaultMaxDelay)
		clock.Advance(wait)
	}
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateIdle })
}

func TestReconnector_ConnectTimeout(t *testing.T) {
	dialer := &fakeDialer{script: func(int) dialStep { return dialStep{hang: true} }}
	r, clock := newTestReconnector(t, dialer, nil)

	r.Connect()
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateConnecting })

	clock.Advance(DefaultConnectTimeout)

	snap := waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateReconnecting })
	assert.Equal(t, 1, snap.Attempts)
	assert.Equal(t, 2*time.Second, snap.Delay)
	assert.Equal(t, time.Second, snap.RetryIn)

	// The canceled dial reports back late; it must not count as a second failure.
	assert.Never(t, func() bool { return r.Snapshot().Attempts != 1 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestReconnector_TimeoutAndCloseRaceCountsOnce(t *testing.T) {
	gate := make(chan struct{})
	dead := newFakeConn()
	dead.drop()

	dialer := &fakeDialer{script: func(call int) dialStep {
		if call == 1 {
			return dialStep{conn: dead, gate: gate}
		}
		return dialStep{hang: true}
	}}
	r, clock := newTestReconnector(t, dialer, nil)

	r.Connect()
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateConnecting })

	// The connect timeout and a socket that opens already closed land together.
	go close(gate)
	clock.Advance(DefaultConnectTimeout)

	snap := waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateReconnecting })
	assert.Equal(t, 1, snap.Attempts)
	assert.Never(t, func() bool { return r.Snapshot().Attempts != 1 }, 100*time.Millisecond, 5*time.Millisecond)

	clock.Advance(snap.RetryIn)
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateConnecting })
	assert.Never(t, func() bool { return dialer.callCount() != 2 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestReconnector_OpenResetsBackoff(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: func(call int) dialStep {
		if call < 3 {
			return dialStep{err: errRefused}
		}
		return dialStep{conn: conn}
	}}
	r, clock := newTestReconnector(t, dialer, nil)

	r.Connect()
	snap := waitForSnapshot(t, r, func(s Snapshot) bool { return s.Attempts == 1 && s.State == StateReconnecting })
	clock.Advance(snap.RetryIn)
	snap = waitForSnapshot(t, r, func(s Snapshot) bool { return s.Attempts == 2 && s.State == StateReconnecting })
	clock.Advance(snap.RetryIn)

	snap = waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateOpen })
	assert.Equal(t, 0, snap.Attempts)
	assert.Equal(t, DefaultBaseDelay, snap.Delay)
}

func TestReconnector_SocketCloseSchedulesReconnect(t *testing.T) {
	first := newFakeConn()
	dialer := &fakeDialer{script: func(call int) dialStep {
		if call == 1 {
			return dialStep{conn: first}
		}
		return dialStep{conn: newFakeConn()}
	}}
	r, clock := newTestReconnector(t, dialer, nil)

	r.Connect()
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateOpen })

	first.drop()

	snap := waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateReconnecting })
	assert.Equal(t, 1, snap.Attempts)
	assert.Equal(t, time.Second, snap.RetryIn)

	clock.Advance(time.Second)
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateOpen })
	assert.Equal(t, 2, dialer.callCount())
}

func TestReconnector_Heartbeat(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: func(int) dialStep { return dialStep{conn: conn} }}
	r, clock := newTestReconnector(t, dialer, nil)

	r.Connect()
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateOpen })

	ctx := t.Context()
	ping := `{"type":"ping"}`

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(DefaultHeartbeatInterval)
	require.Eventually(t, func() bool { return conn.countWrites(websocket.TextMessage, ping) == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(DefaultHeartbeatInterval)
	require.Eventually(t, func() bool { return conn.countWrites(websocket.TextMessage, ping) == 2 }, 2*time.Second, time.Millisecond)
}

func TestReconnector_StaleHeartbeatSkipped(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{script: func(call int) dialStep {
		if call == 1 {
			return dialStep{conn: first}
		}
		return dialStep{conn: second}
	}}
	r, clock := newTestReconnector(t, dialer, nil)

	r.Connect()
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateOpen })

	postEvent(t, r, heartbeatEvt{gen: 0})
	snap := waitForSnapshot(t, r, func(s Snapshot) bool { return s.SkippedPings == 1 })
	assert.Equal(t, StateOpen, snap.State)
	assert.Zero(t, first.countWrites(websocket.TextMessage, ""))

	// A heartbeat for the dropped socket must not reach its replacement.
	first.drop()
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateReconnecting })
	postEvent(t, r, heartbeatEvt{gen: 1})
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.SkippedPings == 2 })

	require.NoError(t, clock.BlockUntilContext(t.Context(), 1))
	clock.Advance(DefaultBaseDelay)
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateOpen })
	assert.Zero(t, second.countWrites(websocket.TextMessage, ""))
}

func postEvent(t *testing.T, r *Reconnector, ev event) {
	t.Helper()
	require.True(t, r.post(ev))
}

func TestReconnector_ConnectIgnoredWhileOpen(t *testing.T) {
	dialer := &fakeDialer{script: func(int) dialStep { return dialStep{conn: newFakeConn()} }}
	r, _ := newTestReconnector(t, dialer, nil)

	r.Connect()
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateOpen })

	r.Connect()
	r.Connect()
	assert.Never(t, func() bool { return dialer.callCount() != 1 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, StateOpen, r.Snapshot().State)
}

func TestReconnector_ExplicitConnectAfterHalt(t *testing.T) {
	dialer := &fakeDialer{script: func(call int) dialStep {
		if call <= 2 {
			return dialStep{err: errRefused}
		}
		return dialStep{conn: newFakeConn()}
	}}
	r, clock := newTestReconnector(t, dialer, func(c *Config) { c.MaxAttempts = 1 })

	r.Connect()
	snap := waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateReconnecting })
	clock.Advance(snap.RetryIn)
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateIdle })
	assert.Equal(t, 2, dialer.callCount())

	r.Connect()
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateOpen })
	assert.Equal(t, 3, dialer.callCount())
}

func TestReconnector_CloseIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: func(int) dialStep { return dialStep{conn: conn} }}
	r, clock := newTestReconnector(t, dialer, nil)

	r.Connect()
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateOpen })

	r.Close()
	r.Close()

	assert.Equal(t, StateClosed, r.Snapshot().State)
	assert.True(t, conn.isClosed())

	conn.mu.Lock()
	require.Len(t, conn.writes, 1)
	closeFrame := conn.writes[0]
	conn.mu.Unlock()
	assert.Equal(t, websocket.CloseMessage, closeFrame.messageType)
	assert.Equal(t, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeFrame.data)

	clock.Advance(time.Hour)
	assert.Never(t, func() bool { return dialer.callCount() != 1 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestReconnector_CloseCancelsPendingReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	r, clock := newTestReconnector(t, dialer, nil)

	r.Connect()
	snap := waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateReconnecting })

	r.Close()
	clock.Advance(snap.RetryIn)

	assert.Never(t, func() bool { return dialer.callCount() != 1 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, StateClosed, r.Snapshot().State)

	// An explicit Connect resumes.
	r.Connect()
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateReconnecting && s.Attempts == 1 })
	assert.Equal(t, 2, dialer.callCount())
}

func TestReconnector_OnMessage(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: func(int) dialStep { return dialStep{conn: conn} }}

	received := make(chan protocol.Message, 1)
	r, _ := newTestReconnector(t, dialer, func(c *Config) {
		c.OnMessage = func(m protocol.Message) { received <- m }
	})

	r.Connect()
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateOpen })

	conn.inbound <- []byte(`not json`)
	conn.inbound <- []byte(`{"type":"POSTS_UPDATE","domain":"a.example","data":{"posts":[{"id":1}]}}`)

	select {
	case m := <-received:
		assert.Equal(t, protocol.TypePostsUpdate, m.Type)
		assert.Equal(t, "a.example", m.Domain)
		assert.JSONEq(t, `{"posts":[{"id":1}]}`, string(m.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("OnMessage not called")
	}
}

func TestReconnector_ContextCancelTearsDown(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{script: func(int) dialStep { return dialStep{conn: conn} }}

	ctx, cancel := context.WithCancel(context.Background())
	r, err := New(ctx, Config{URL: "ws://hub.test/ws", Domain: "a.example", Dialer: dialer, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	r.Connect()
	waitForSnapshot(t, r, func(s Snapshot) bool { return s.State == StateOpen })

	cancel()

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
	assert.Equal(t, StateClosed, r.Snapshot().State)
	assert.True(t, conn.isClosed())

	r.Close()
	r.Connect()
}

func TestNew_BuildsURL(t *testing.T) {
	r, _ := newTestReconnector(t, &fakeDialer{}, func(c *Config) { c.URL = "wss://hub.test/ws?v=1" })
	assert.Equal(t, "wss://hub.test/ws?domain=a.example&v=1", r.URL())
}

func TestNew_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing domain", Config{URL: "ws://hub.test/ws"}},
		{"http scheme", Config{URL: "http://hub.test/ws", Domain: "a.example"}},
		{"unparseable", Config{URL: "ws://%zz", Domain: "a.example"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "closed", StateClosed.String())
}
