package session

import (
	"context"
	"errors"
	"sync"
	"time"
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
	mu         sync.Mutex
	remote     *Description
	candidates []string
	failOn     map[string]bool
	closed     int
}

var errFakeAdmit = errors.New("fake admit failure")

func (c *fakeConn) SetRemoteDescription(desc Description) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = &desc
	return nil
}

func (c *fakeConn) AddICECandidate(cand Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn[cand.Foundation] {
		return errFakeAdmit
	}
	c.candidates = append(c.candidates, cand.Foundation)
	return nil
}

func (c *fakeConn) CreateAnswer(context.Context) (Description, error) {
	return Description{Type: "answer", SDP: "v=0\r\n"}, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) admitted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.candidates...)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func cand(foundation string) Candidate {
	return Candidate{Foundation: foundation, Component: 1, Protocol: "udp", Address: "192.0.2.1", Port: 9, Type: "host"}
}
