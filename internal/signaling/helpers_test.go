package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeConn struct {
	mu       sync.Mutex
	remote   *session.Description
	admitted []string
	closed   int

	// remoteGate, when set, holds SetRemoteDescription until closed.
	remoteGate chan struct{}
	// remoteEntered is closed once SetRemoteDescription has been called.
	remoteEntered chan struct{}
	remoteErr     error
	answerErr     error
	rejectRaw     map[string]bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{remoteEntered: make(chan struct{}), rejectRaw: make(map[string]bool)}
}

func (c *fakeConn) SetRemoteDescription(desc session.Description) error {
	close(c.remoteEntered)
	if c.remoteGate != nil {
		<-c.remoteGate
	}
	if c.remoteErr != nil {
		return c.remoteErr
	}
	c.mu.Lock()
	c.remote = &desc
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) AddICECandidate(cand session.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectRaw[cand.Raw] {
		return errors.New("engine rejected candidate")
	}
	c.admitted = append(c.admitted, cand.Foundation)
	return nil
}

func (c *fakeConn) CreateAnswer(context.Context) (session.Description, error) {
	if c.answerErr != nil {
		return session.Description{}, c.answerErr
	}
	return session.Description{Type: "answer", SDP: "v=0\r\nanswer\r\n"}, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) admittedFoundations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.admitted...)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeEngine hands out prepared fakeConns in order and remembers each
// session's terminal callback.
type fakeEngine struct {
	mu         sync.Mutex
	next       []*fakeConn
	created    []*fakeConn
	terminals  map[string]func(string)
	factoryErr error
}

func newFakeEngine(conns ...*fakeConn) *fakeEngine {
	return &fakeEngine{next: conns, terminals: make(map[string]func(string))}
}

func (e *fakeEngine) factory(sess *session.Session, onTerminal func(string)) (session.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.factoryErr != nil {
		return nil, e.factoryErr
	}
	var c *fakeConn
	if len(e.next) > 0 {
		c, e.next = e.next[0], e.next[1:]
	} else {
		c = newFakeConn()
	}
	e.created = append(e.created, c)
	e.terminals[sess.ID()] = onTerminal
	return c, nil
}

func (e *fakeEngine) terminal(id string) func(string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminals[id]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, eng *fakeEngine, cfg session.Config) (*Controller, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(cfg, metrics.New(), discardLogger(), &fakeClock{now: time.Unix(1_700_000_000, 0)})
	t.Cleanup(reg.CloseAll)
	return NewController(reg, eng.factory, discardLogger()), reg
}

func offer() session.Description {
	return session.Description{Type: "offer", SDP: "v=0\r\noffer\r\n"}
}

func candLine(foundation string) string {
	return "candidate:" + foundation + " 1 udp 2122260223 192.0.2.1 54321 typ host"
}

func mustCand(t *testing.T, foundation string) session.Candidate {
	t.Helper()
	c, err := session.ParseCandidate(candLine(foundation), nil, nil)
	if err != nil {
		t.Fatalf("ParseCandidate: %v", err)
	}
	return c
}
