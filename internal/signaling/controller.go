package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/session"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/webrtcpeer"
)

// ErrEngine wraps failures of the media engine that are not the client's
// fault.
var ErrEngine = errors.New("media engine error")

// ConnFactory creates the engine connection for a freshly registered session.
// onTerminal must be called (at most once) when the engine ends the
// connection on its own; reason is logged and used for metrics.
type ConnFactory func(sess *session.Session, onTerminal func(reason string)) (session.Conn, error)

// Controller negotiates sessions and routes candidates to them.
type Controller struct {
	reg     *session.Registry
	newConn ConnFactory
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewController(reg *session.Registry, newConn ConnFactory, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		reg:     reg,
		newConn: newConn,
		metrics: reg.Metrics(),
		log:     logger,
	}
}

func (c *Controller) Registry() *session.Registry { return c.reg }

// Connect negotiates a session for id from the client's offer and returns the
// answer. An existing session for id is torn down first. Candidates buffered
// for id are admitted, in arrival order, after the offer is applied and
// before the answer is created.
//
// On any error the new session is closed and unregistered. Errors wrapping
// session.ErrInvalidOffer are the client's fault.
func (c *Controller) Connect(ctx context.Context, id string, offer session.Description) (session.Description, error) {
	if offer.Type != "offer" {
		c.metrics.Inc(metrics.OffersRejected)
		return session.Description{}, fmt.Errorf("%w: type %q", session.ErrInvalidOffer, offer.Type)
	}

	log := c.log.With("session_id", id)
	sess := c.reg.CreateOrReplace(id)

	conn, err := c.newConn(sess, func(reason string) { c.engineEnded(sess, reason) })
	if err != nil {
		c.abort(sess)
		return session.Description{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	if err := sess.Attach(conn); err != nil {
		c.abort(sess)
		return session.Description{}, err
	}
	sess.BeginNegotiation()

	if err := conn.SetRemoteDescription(offer); err != nil {
		c.abort(sess)
		if errors.Is(err, session.ErrInvalidOffer) {
			c.metrics.Inc(metrics.OffersRejected)
			log.Info("offer rejected", "err", err)
			return session.Description{}, err
		}
		return session.Description{}, fmt.Errorf("%w: apply offer: %v", ErrEngine, err)
	}

	results, err := c.reg.Activate(sess)
	if err != nil {
		c.abort(sess)
		return session.Description{}, err
	}
	for _, r := range results {
		if r.Err != nil {
			log.Warn("buffered candidate rejected", "candidate", r.Candidate.String(), "err", r.Err)
		}
	}
	if len(results) > 0 {
		log.Debug("admitted buffered candidates", "count", len(results))
	}

	answer, err := conn.CreateAnswer(ctx)
	if err != nil {
		c.abort(sess)
		c.metrics.Inc(metrics.AnswerFailed)
		return session.Description{}, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	log.Info("session negotiated")
	return answer, nil
}

// AddCandidate admits cand to id's active session or buffers it until the
// session becomes active, including when id has no session yet.
//
// An engine that refuses the candidate is logged and not reported; the only
// error returned is session.ErrCandidateBufferFull (or another buffering
// failure).
func (c *Controller) AddCandidate(id string, cand session.Candidate) error {
	admitted, err := c.reg.AdmitOrEnqueue(id, cand)
	if err == nil {
		return nil
	}
	if admitted {
		c.log.Warn("candidate rejected by engine", "session_id", id, "candidate", cand.String(), "err", err)
		return nil
	}
	c.log.Warn("candidate not buffered", "session_id", id, "err", err)
	return err
}

// Disconnect tears down id's session and drops its buffered candidates.
// Unknown or already-closed ids are not an error.
func (c *Controller) Disconnect(id string) {
	sess := c.reg.Remove(id)
	if sess == nil {
		return
	}
	c.close(sess, "disconnect")
}

func (c *Controller) engineEnded(sess *session.Session, reason string) {
	if !c.reg.RemoveIf(sess.ID(), sess) {
		return
	}
	if reason == string(webrtcpeer.ReasonConnectTimeout) {
		c.metrics.Inc(metrics.SessionsConnectTimeout)
	} else {
		c.metrics.Inc(metrics.SessionsEngineTerminated)
	}
	c.close(sess, reason)
}

func (c *Controller) abort(sess *session.Session) {
	c.reg.RemoveIf(sess.ID(), sess)
	c.close(sess, "negotiation_failed")
}

// close closes sess and accounts for it unless another path already did.
func (c *Controller) close(sess *session.Session, reason string) {
	closed, err := sess.Shutdown()
	if err != nil {
		c.log.Debug("closing engine connection failed", "session_id", sess.ID(), "err", err)
	}
	if !closed {
		return
	}
	c.metrics.Inc(metrics.SessionsClosed)
	c.log.Info("session closed", "session_id", sess.ID(), "reason", reason, "frames", sess.Frames())
}
