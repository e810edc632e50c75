package hub

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sitepulse/internal/domain"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 16
)

// State is the externally observable lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// session is one socket bound to one domain. The writer goroutine owns every write to conn;
// reads happen on the goroutine running Hub.Serve.
type session struct {
	id         uuid.UUID
	domain     string
	connection *websocket.Conn
	clock      clockwork.Clock
	sendCh     chan []byte
	doneCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	state      atomic.Int32
	onDead     func(id uuid.UUID)
}

func newSession(id uuid.UUID, siteDomain string, connection *websocket.Conn, clock clockwork.Clock, onDead func(uuid.UUID)) *session {
	s := &session{
		id:         id,
		domain:     siteDomain,
		connection: connection,
		clock:      clock,
		sendCh:     make(chan []byte, messageBufferSize),
		doneCh:     make(chan struct{}),
		onDead:     onDead,
	}
	s.state.Store(int32(StateOpen))
	s.configurePongHandler()
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *session) State() State {
	return State(s.state.Load())
}

// enqueue hands a frame to the writer without blocking. A dead writer or a full buffer is a
// send failure.
func (s *session) enqueue(data []byte) error {
	if s.State() != StateOpen {
		return domain.ErrSendFailure
	}
	select {
	case s.sendCh <- data:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", domain.ErrSendFailure)
	}
}

func (s *session) run() {
	ticker := s.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.wg.Done()

	for {
		select {
		case msg := <-s.sendCh:
			s.updateWriteDeadline()
			if err := s.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.markDead()
				return
			}
		case <-ticker.Chan():
			s.updateWriteDeadline()
			if err := s.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.markDead()
				return
			}
		case <-s.doneCh:
			return
		}
	}
}

// markDead flips the session to closed and asks the hub to drop it. onDead runs on its own
// goroutine because the hub may be waiting for this writer to exit.
func (s *session) markDead() {
	if s.state.Swap(int32(StateClosed)) == int32(StateClosed) {
		return
	}
	if s.onDead != nil {
		go s.onDead(s.id)
	}
}

func (s *session) stop() {
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.doneCh)
		_ = s.connection.Close()
	})
	s.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing.
func (s *session) stopGraceful(reason string) {
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.doneCh)

		// The writer must be gone before the close frame is written.
		s.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		s.updateWriteDeadline()
		_ = s.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = s.connection.Close()
	})
	s.wg.Wait()
}

func (s *session) configurePongHandler() {
	s.updateReadDeadline()
	s.connection.SetPongHandler(func(string) error {
		s.updateReadDeadline()
		return nil
	})
}

func (s *session) updateWriteDeadline() {
	_ = s.connection.SetWriteDeadline(s.clock.Now().Add(writeDeadline))
}

func (s *session) updateReadDeadline() {
	_ = s.connection.SetReadDeadline(s.clock.Now().Add(pongDeadline))
}
