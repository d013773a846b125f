package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/ratelimit"
)

const (
	DefaultMaxPendingCandidates = 64
	DefaultPendingCandidateTTL  = 60 * time.Second
)

type Config struct {
	// MaxPendingCandidates caps how many candidates may wait for a single id
	// before its session becomes active. <= 0 uses the default.
	MaxPendingCandidates int

	// PendingCandidateTTL expires candidate buffers that have not been
	// touched for this long (typically because the offer never arrived).
	// <= 0 uses the default.
	PendingCandidateTTL time.Duration
}

func (c Config) WithDefaults() Config {
	if c.MaxPendingCandidates <= 0 {
		c.MaxPendingCandidates = DefaultMaxPendingCandidates
	}
	if c.PendingCandidateTTL <= 0 {
		c.PendingCandidateTTL = DefaultPendingCandidateTTL
	}
	return c
}

type candidateQueue struct {
	items   []Candidate
	touched time.Time
}

// Registry maps client ids to sessions and holds the candidates that arrive
// before a session can admit them.
type Registry struct {
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger
	clock   ratelimit.Clock

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]*candidateQueue
}

func NewRegistry(cfg Config, m *metrics.Metrics, logger *slog.Logger, clock ratelimit.Clock) *Registry {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Registry{
		cfg:      cfg.WithDefaults(),
		metrics:  m,
		log:      logger,
		clock:    clock,
		sessions: make(map[string]*Session),
		pending:  make(map[string]*candidateQueue),
	}
}

func (r *Registry) Metrics() *metrics.Metrics { return r.metrics }

// CreateOrReplace installs a fresh session for id. Any session already
// registered under id is removed and closed first so a client that
// reconnects without disconnecting does not leak its previous connection.
// Candidates already buffered for id are kept for the new session.
func (r *Registry) CreateOrReplace(id string) *Session {
	sess := newSession(id)
	for {
		r.mu.Lock()
		old := r.sessions[id]
		if old == nil {
			r.sessions[id] = sess
			r.mu.Unlock()
			r.metrics.Inc(metrics.SessionsCreated)
			return sess
		}
		delete(r.sessions, id)
		r.mu.Unlock()

		r.metrics.Inc(metrics.SessionsReplaced)
		r.log.Info("replacing existing session", "session_id", id, "old_state", old.State().String())
		if err := old.Close(); err != nil {
			r.log.Warn("closing replaced session failed", "session_id", id, "err", err)
		}
	}
}

func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Remove unregisters the session for id and discards any candidates still
// buffered for it. It returns nil when no session was registered; the caller
// owns closing the returned session.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[id]
	delete(r.sessions, id)
	if q := r.pending[id]; q != nil {
		r.metrics.Add(metrics.CandidatesDiscarded, uint64(len(q.items)))
		delete(r.pending, id)
	}
	return sess
}

// RemoveIf removes id only while it still maps to sess. Engine callbacks use
// it so a closing session never unregisters its replacement.
func (r *Registry) RemoveIf(id string, sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[id] != sess {
		return false
	}
	delete(r.sessions, id)
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// PendingCandidates reports how many candidates are buffered for id.
func (r *Registry) PendingCandidates(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	if q := r.pending[id]; q != nil {
		return len(q.items)
	}
	return 0
}

// Enqueue buffers c for id in arrival order.
func (r *Registry) Enqueue(id string, c Candidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	return r.enqueueLocked(id, c)
}

// DrainAndClear returns the candidates buffered for id in arrival order and
// empties the buffer.
func (r *Registry) DrainAndClear(id string) []Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	return r.drainLocked(id)
}

// AdmitOrEnqueue applies c immediately when id has an active session and
// buffers it otherwise, including when no session exists for id yet.
//
// The returned bool reports whether c was handed to the engine. A non-nil
// error with admitted=true is an engine admission failure; with
// admitted=false it means c could not be buffered.
func (r *Registry) AdmitOrEnqueue(id string, c Candidate) (admitted bool, err error) {
	r.mu.Lock()
	r.sweepLocked()
	sess := r.sessions[id]
	if sess == nil || sess.State() != StateActive {
		err := r.enqueueLocked(id, c)
		r.mu.Unlock()
		return false, err
	}
	r.mu.Unlock()

	if err := sess.admit(c); err != nil {
		r.metrics.Inc(metrics.CandidateAdmitFailed)
		return true, err
	}
	r.metrics.Inc(metrics.CandidatesAdmitted)
	return true, nil
}

// AdmitResult is the outcome of replaying one buffered candidate.
type AdmitResult struct {
	Candidate Candidate
	Err       error
}

// Activate marks sess active and replays every candidate buffered for its id,
// in arrival order, exactly once. Candidates that arrive while the replay is
// running wait until it has finished.
//
// Activate fails with ErrSessionClosed when sess is no longer the registered
// session for its id or is not negotiating.
func (r *Registry) Activate(sess *Session) ([]AdmitResult, error) {
	sess.admitMu.Lock()
	defer sess.admitMu.Unlock()

	r.mu.Lock()
	if r.sessions[sess.id] != sess || !sess.transition(StateNegotiating, StateActive) {
		r.mu.Unlock()
		return nil, ErrSessionClosed
	}
	pending := r.drainLocked(sess.id)
	r.sweepLocked()
	r.mu.Unlock()

	conn := sess.Conn()
	results := make([]AdmitResult, 0, len(pending))
	for _, c := range pending {
		var err error
		if conn == nil {
			err = ErrSessionClosed
		} else {
			err = conn.AddICECandidate(c)
		}
		if err != nil {
			r.metrics.Inc(metrics.CandidateAdmitFailed)
		} else {
			r.metrics.Inc(metrics.CandidatesAdmitted)
		}
		results = append(results, AdmitResult{Candidate: c, Err: err})
	}
	return results, nil
}

// waiter is implemented by connections whose background work (track relays)
// outlives Close briefly.
type waiter interface {
	Wait()
}

// CloseAll unregisters and closes every session, then waits for connections
// that run background work to finish it. It is used on shutdown, before the
// telemetry emitter is closed.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		sessions = append(sessions, sess)
		delete(r.sessions, id)
	}
	r.pending = make(map[string]*candidateQueue)
	r.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Close()
	}
	for _, sess := range sessions {
		if w, ok := sess.Conn().(waiter); ok {
			w.Wait()
		}
	}
}

func (r *Registry) enqueueLocked(id string, c Candidate) error {
	q := r.pending[id]
	if q == nil {
		q = &candidateQueue{}
		r.pending[id] = q
	}
	if len(q.items) >= r.cfg.MaxPendingCandidates {
		r.metrics.Inc(metrics.CandidatesRejectedBufferFull)
		return fmt.Errorf("%w: %d candidates pending for %q", ErrCandidateBufferFull, len(q.items), id)
	}
	q.items = append(q.items, c)
	q.touched = r.clock.Now()
	r.metrics.Inc(metrics.CandidatesBuffered)
	return nil
}

func (r *Registry) drainLocked(id string) []Candidate {
	q := r.pending[id]
	if q == nil {
		return nil
	}
	delete(r.pending, id)
	return q.items
}

func (r *Registry) sweepLocked() {
	now := r.clock.Now()
	for id, q := range r.pending {
		if now.Sub(q.touched) < r.cfg.PendingCandidateTTL {
			continue
		}
		if sess := r.sessions[id]; sess != nil && sess.State() != StateClosed {
			// A live session drains these when it activates.
			continue
		}
		delete(r.pending, id)
		r.metrics.Add(metrics.CandidatesExpired, uint64(len(q.items)))
		r.log.Warn("expired buffered candidates", "session_id", id, "count", len(q.items), "idle", now.Sub(q.touched))
	}
}
