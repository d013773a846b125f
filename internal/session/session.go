package session

import (
	"context"
	"sync"
	"sync/atomic"
)

// Description is an SDP session description exchanged during offer/answer.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Conn is the engine-level connection backing a session. The media engine
// itself (codecs, ICE, DTLS/SRTP) stays behind this interface.
type Conn interface {
	SetRemoteDescription(desc Description) error
	AddICECandidate(c Candidate) error
	// CreateAnswer produces and applies the local answer for the remote offer.
	CreateAnswer(ctx context.Context) (Description, error)
	// Close stops every track attached to the connection and closes it. It
	// must be safe to call more than once.
	Close() error
}

type State int32

const (
	StateCreated State = iota
	StateNegotiating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client's negotiated media session.
type Session struct {
	id string

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn Conn

	state  atomic.Int32
	frames atomic.Uint64

	// admitMu orders candidate admission so that candidates drained at
	// activation are applied before any candidate admitted directly.
	admitMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newSession(id string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Session) ID() string   { return s.id }
func (s *Session) State() State { return State(s.state.Load()) }

// Context is cancelled when the session closes. Work scoped to the session
// (track relays, keyframe tickers) should stop when it is done.
func (s *Session) Context() context.Context { return s.ctx }

// Conn returns the engine connection, or nil before one is attached.
func (s *Session) Conn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Attach binds the engine connection to the session. If the session has
// already been closed the connection is closed immediately.
func (s *Session) Attach(conn Conn) error {
	s.mu.Lock()
	if s.State() == StateClosed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	}
	s.conn = conn
	s.mu.Unlock()
	return nil
}

// BeginNegotiation moves a created session into negotiating.
func (s *Session) BeginNegotiation() bool {
	return s.transition(StateCreated, StateNegotiating)
}

// NextFrame increments the frame counter and returns the new value. The first
// frame of a session is 1.
func (s *Session) NextFrame() uint64 {
	return s.frames.Add(1)
}

// Frames returns the number of frames relayed so far.
func (s *Session) Frames() uint64 {
	return s.frames.Load()
}

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Session) admit(c Candidate) error {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	conn := s.Conn()
	if conn == nil {
		return ErrSessionClosed
	}
	return conn.AddICECandidate(c)
}

// Close moves the session to closed, cancels its context and closes the
// engine connection. Closing an already-closed session is a no-op.
func (s *Session) Close() error {
	_, err := s.Shutdown()
	return err
}

// Shutdown is Close that also reports whether this call performed the close.
// Exactly one of any number of concurrent callers sees closed=true.
func (s *Session) Shutdown() (closed bool, err error) {
	s.closeOnce.Do(func() {
		closed = true
		s.mu.Lock()
		s.state.Store(int32(StateClosed))
		conn := s.conn
		s.mu.Unlock()

		s.cancel()
		if conn != nil {
			s.closeErr = conn.Close()
		}
	})
	return closed, s.closeErr
}
