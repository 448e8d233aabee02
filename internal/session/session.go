package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the per-connection lifecycle phase.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateClosing   State = "closing"
)

var (
	ErrBusy    = errors.New("a generation is already in progress")
	ErrClosing = errors.New("connection is closing")
)

// Session is the state for one accepted connection. It is created on connect,
// owned by the Registry, and referenced (not owned) by the orchestrator while
// a request is active. Never shared across connections.
type Session struct {
	ID string

	mu             sync.Mutex
	state          State
	lastActivity   time.Time
	cancelActive   context.CancelFunc
	closeTransport func()

	outbound chan any
}

func New(id string, outboundQueueSize int) *Session {
	if outboundQueueSize <= 0 {
		outboundQueueSize = 64
	}
	return &Session{
		ID:           id,
		state:        StateIdle,
		lastActivity: time.Now().UTC(),
		outbound:     make(chan any, outboundQueueSize),
	}
}

// Outbound is the bounded channel of pending wire messages. A full channel
// applies backpressure to the producer rather than buffering unboundedly.
func (s *Session) Outbound() chan any { return s.outbound }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch records inbound or outbound traffic for idle-timeout eviction.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now().UTC()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// BeginStream admits one request: Idle -> Streaming. The cancel func becomes
// the ownership handle for the in-flight generation task.
func (s *Session) BeginStream(cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStreaming:
		return ErrBusy
	case StateClosing:
		return ErrClosing
	}
	s.state = StateStreaming
	s.cancelActive = cancel
	s.lastActivity = time.Now().UTC()
	return nil
}

// EndStream returns the session to Idle after a request terminates, unless
// the connection is already closing.
func (s *Session) EndStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStreaming {
		s.state = StateIdle
	}
	s.cancelActive = nil
	s.lastActivity = time.Now().UTC()
}

// CancelActive signals the in-flight generation, if any, to stop. State stays
// Streaming until the generation task observes the signal and ends.
func (s *Session) CancelActive() bool {
	s.mu.Lock()
	cancel := s.cancelActive
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// SetTransportCloser installs the hook that tears down the underlying
// connection, used by the idle reaper.
func (s *Session) SetTransportCloser(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeTransport = fn
}

// Close moves the session to Closing, cancels any in-flight generation, and
// shuts the transport. Safe to call from any state and more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosing {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	cancel := s.cancelActive
	s.cancelActive = nil
	closer := s.closeTransport
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closer != nil {
		closer()
	}
}
