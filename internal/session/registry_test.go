package session

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/gaze-media-gateway/internal/metrics"
)

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *fakeClock, *metrics.Metrics) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := metrics.New()
	return NewRegistry(cfg, m, nil, clk), clk, m
}

func negotiatingSession(t *testing.T, r *Registry, id string) (*Session, *fakeConn) {
	t.Helper()
	sess := r.CreateOrReplace(id)
	conn := &fakeConn{}
	if err := sess.Attach(conn); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !sess.BeginNegotiation() {
		t.Fatalf("BeginNegotiation failed")
	}
	return sess, conn
}

func TestRegistry_BufferedCandidatesReplayInOrderOnActivate(t *testing.T) {
	r, _, m := newTestRegistry(t, Config{})

	// Candidates arrive before the offer.
	for _, f := range []string{"c1", "c2"} {
		admitted, err := r.AdmitOrEnqueue("A", cand(f))
		if err != nil || admitted {
			t.Fatalf("AdmitOrEnqueue(%s) admitted=%v err=%v", f, admitted, err)
		}
	}
	if got := r.PendingCandidates("A"); got != 2 {
		t.Fatalf("PendingCandidates=%d, want 2", got)
	}

	sess, conn := negotiatingSession(t, r, "A")
	// Candidates arriving while negotiating are still buffered.
	if admitted, err := r.AdmitOrEnqueue("A", cand("c3")); err != nil || admitted {
		t.Fatalf("AdmitOrEnqueue(c3) admitted=%v err=%v", admitted, err)
	}

	results, err := r.Activate(sess)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results=%d, want 3", len(results))
	}
	if got, want := conn.admitted(), []string{"c1", "c2", "c3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("admitted=%v, want %v", got, want)
	}
	if sess.State() != StateActive {
		t.Fatalf("state=%s, want active", sess.State())
	}
	if got := r.PendingCandidates("A"); got != 0 {
		t.Fatalf("PendingCandidates after activate=%d, want 0", got)
	}

	// Direct admission once active.
	admitted, err := r.AdmitOrEnqueue("A", cand("c4"))
	if err != nil || !admitted {
		t.Fatalf("AdmitOrEnqueue(c4) admitted=%v err=%v", admitted, err)
	}
	if got, want := conn.admitted(), []string{"c1", "c2", "c3", "c4"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("admitted=%v, want %v", got, want)
	}
	if got := m.Get(metrics.CandidatesAdmitted); got != 4 {
		t.Fatalf("candidates_admitted=%d, want 4", got)
	}

	// A second activation must not replay anything.
	if _, err := r.Activate(sess); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("second Activate err=%v, want ErrSessionClosed", err)
	}
}

func TestRegistry_ActivateReplayFailureIsReportedAndSkipped(t *testing.T) {
	r, _, m := newTestRegistry(t, Config{})
	_ = r.Enqueue("A", cand("good1"))
	_ = r.Enqueue("A", cand("bad"))
	_ = r.Enqueue("A", cand("good2"))

	sess, conn := negotiatingSession(t, r, "A")
	conn.failOn = map[string]bool{"bad": true}

	results, err := r.Activate(sess)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if results[1].Err == nil || results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("unexpected results: %+v", results)
	}
	if got, want := conn.admitted(), []string{"good1", "good2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("admitted=%v, want %v", got, want)
	}
	if got := m.Get(metrics.CandidateAdmitFailed); got != 1 {
		t.Fatalf("candidate_admit_failed=%d, want 1", got)
	}
}

func TestRegistry_ConcurrentCandidatesDuringActivateAreAdmittedOnceInOrder(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{MaxPendingCandidates: 1000})
	for i := 0; i < 50; i++ {
		_ = r.Enqueue("A", cand(fmt.Sprintf("pre-%03d", i)))
	}
	sess, conn := negotiatingSession(t, r, "A")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			if _, err := r.AdmitOrEnqueue("A", cand(fmt.Sprintf("post-%03d", i))); err != nil {
				t.Errorf("AdmitOrEnqueue: %v", err)
			}
		}
	}()
	if _, err := r.Activate(sess); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	wg.Wait()

	// Late stragglers that were buffered after the drain would be a bug: the
	// session is active so none may remain.
	if got := r.PendingCandidates("A"); got != 0 {
		t.Fatalf("PendingCandidates=%d, want 0", got)
	}

	got := conn.admitted()
	if len(got) != 100 {
		t.Fatalf("admitted %d candidates, want 100", len(got))
	}
	seen := make(map[string]bool, len(got))
	for i, f := range got {
		if seen[f] {
			t.Fatalf("candidate %s admitted twice", f)
		}
		seen[f] = true
		if i < 50 && f != fmt.Sprintf("pre-%03d", i) {
			t.Fatalf("admitted[%d]=%s, buffered candidates must come first in order", i, f)
		}
	}
	for i := 1; i < 50; i++ {
		if got[50+i-1] > got[50+i] {
			t.Fatalf("post-activation candidates out of order: %v", got[50:])
		}
	}
}

func TestRegistry_BufferCap(t *testing.T) {
	r, _, m := newTestRegistry(t, Config{MaxPendingCandidates: 2})
	if err := r.Enqueue("A", cand("1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := r.Enqueue("A", cand("2")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := r.Enqueue("A", cand("3")); !errors.Is(err, ErrCandidateBufferFull) {
		t.Fatalf("err=%v, want ErrCandidateBufferFull", err)
	}
	// Other ids are unaffected.
	if err := r.Enqueue("B", cand("1")); err != nil {
		t.Fatalf("Enqueue(B): %v", err)
	}
	if got := m.Get(metrics.CandidatesRejectedBufferFull); got != 1 {
		t.Fatalf("rejected=%d, want 1", got)
	}
	if got := r.DrainAndClear("A"); len(got) != 2 || got[0].Foundation != "1" || got[1].Foundation != "2" {
		t.Fatalf("DrainAndClear=%v", got)
	}
	if got := r.DrainAndClear("A"); len(got) != 0 {
		t.Fatalf("second DrainAndClear=%v, want empty", got)
	}
}

func TestRegistry_PendingCandidatesExpire(t *testing.T) {
	r, clk, m := newTestRegistry(t, Config{PendingCandidateTTL: 10 * time.Second})
	_ = r.Enqueue("ghost", cand("1"))
	_ = r.Enqueue("ghost", cand("2"))

	clk.Advance(5 * time.Second)
	if got := r.PendingCandidates("ghost"); got != 2 {
		t.Fatalf("PendingCandidates=%d, want 2 before TTL", got)
	}

	clk.Advance(6 * time.Second)
	if got := r.PendingCandidates("ghost"); got != 0 {
		t.Fatalf("PendingCandidates=%d, want 0 after TTL", got)
	}
	if got := m.Get(metrics.CandidatesExpired); got != 2 {
		t.Fatalf("candidates_expired=%d, want 2", got)
	}
}

func TestRegistry_NegotiatingSessionKeepsExpiredBuffer(t *testing.T) {
	r, clk, _ := newTestRegistry(t, Config{PendingCandidateTTL: time.Second})
	_ = r.Enqueue("A", cand("1"))
	sess, conn := negotiatingSession(t, r, "A")

	clk.Advance(time.Minute)
	if got := r.PendingCandidates("A"); got != 1 {
		t.Fatalf("PendingCandidates=%d, want 1", got)
	}
	if _, err := r.Activate(sess); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := conn.admitted(); len(got) != 1 {
		t.Fatalf("admitted=%v, want 1 candidate", got)
	}
}

func TestRegistry_ActivateReplaysBufferOlderThanTTL(t *testing.T) {
	r, clk, m := newTestRegistry(t, Config{PendingCandidateTTL: 10 * time.Second})
	_ = r.Enqueue("B", cand("1"))

	clk.Advance(9 * time.Second)
	sess, conn := negotiatingSession(t, r, "B")
	clk.Advance(2 * time.Second)

	results, err := r.Activate(sess)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("results=%+v, want one admitted candidate", results)
	}
	if got := conn.admitted(); len(got) != 1 || got[0] != "1" {
		t.Fatalf("admitted=%v, want [1]", got)
	}
	if got := m.Get(metrics.CandidatesExpired); got != 0 {
		t.Fatalf("candidates_expired=%d, want 0", got)
	}
}

func TestRegistry_CreatedSessionKeepsBufferThroughSweep(t *testing.T) {
	r, clk, _ := newTestRegistry(t, Config{PendingCandidateTTL: time.Second})
	_ = r.Enqueue("A", cand("1"))
	sess := r.CreateOrReplace("A")

	// Another client's traffic sweeps while A is still being set up.
	clk.Advance(time.Minute)
	_ = r.Enqueue("other", cand("x"))
	if got := r.PendingCandidates("A"); got != 1 {
		t.Fatalf("PendingCandidates=%d, want 1", got)
	}

	conn := &fakeConn{}
	if err := sess.Attach(conn); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	sess.BeginNegotiation()
	if _, err := r.Activate(sess); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if got := conn.admitted(); len(got) != 1 {
		t.Fatalf("admitted=%v, want 1 candidate", got)
	}
}

func TestRegistry_CreateOrReplaceClosesOld(t *testing.T) {
	r, _, m := newTestRegistry(t, Config{})
	old, oldConn := negotiatingSession(t, r, "A")

	fresh := r.CreateOrReplace("A")
	if fresh == old {
		t.Fatalf("expected a new session")
	}
	if old.State() != StateClosed {
		t.Fatalf("old state=%s, want closed", old.State())
	}
	if oldConn.closeCount() != 1 {
		t.Fatalf("old conn closed %d times, want 1", oldConn.closeCount())
	}
	if old.Context().Err() == nil {
		t.Fatalf("old session context not cancelled")
	}
	if r.Get("A") != fresh {
		t.Fatalf("registry does not point at the replacement")
	}
	if r.Len() != 1 {
		t.Fatalf("Len=%d, want 1", r.Len())
	}
	if got := m.Get(metrics.SessionsReplaced); got != 1 {
		t.Fatalf("sessions_replaced=%d, want 1", got)
	}

	// The predecessor's teardown must not remove the replacement.
	if r.RemoveIf("A", old) {
		t.Fatalf("RemoveIf removed the replacement")
	}
	if r.Get("A") != fresh {
		t.Fatalf("replacement was unregistered")
	}
	if !r.RemoveIf("A", fresh) {
		t.Fatalf("RemoveIf(fresh) = false")
	}
}

func TestRegistry_RemoveDiscardsPendingAndIsIdempotent(t *testing.T) {
	r, _, m := newTestRegistry(t, Config{})
	sess, _ := negotiatingSession(t, r, "A")
	_ = r.Enqueue("A", cand("1"))

	if got := r.Remove("A"); got != sess {
		t.Fatalf("Remove returned %v, want the session", got)
	}
	if r.PendingCandidates("A") != 0 {
		t.Fatalf("pending candidates not discarded")
	}
	if got := m.Get(metrics.CandidatesDiscarded); got != 1 {
		t.Fatalf("candidates_discarded=%d, want 1", got)
	}
	if got := r.Remove("A"); got != nil {
		t.Fatalf("second Remove returned %v, want nil", got)
	}
	if got := r.Remove("never-seen"); got != nil {
		t.Fatalf("Remove(unknown)=%v, want nil", got)
	}
}

func TestRegistry_ActivateAfterRemoveFails(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})
	sess, _ := negotiatingSession(t, r, "A")
	r.Remove("A")
	_ = sess.Close()

	if _, err := r.Activate(sess); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("err=%v, want ErrSessionClosed", err)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})
	_, c1 := negotiatingSession(t, r, "A")
	_, c2 := negotiatingSession(t, r, "B")
	_ = r.Enqueue("C", cand("1"))

	r.CloseAll()
	if r.Len() != 0 {
		t.Fatalf("Len=%d, want 0", r.Len())
	}
	if c1.closeCount() != 1 || c2.closeCount() != 1 {
		t.Fatalf("connections not closed")
	}
	if r.PendingCandidates("C") != 0 {
		t.Fatalf("pending candidates survived CloseAll")
	}
}

// relayingConn runs background work that ends only after Close, like a peer
// whose track relays stop when their tracks are closed.
type relayingConn struct {
	*fakeConn
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	finished bool
}

func newRelayingConn() *relayingConn {
	c := &relayingConn{fakeConn: &fakeConn{}, stop: make(chan struct{})}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-c.stop
		time.Sleep(20 * time.Millisecond)
		c.finished = true
	}()
	return c
}

func (c *relayingConn) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return c.fakeConn.Close()
}

func (c *relayingConn) Wait() { c.wg.Wait() }

func TestRegistry_CloseAllWaitsForBackgroundWork(t *testing.T) {
	r, _, _ := newTestRegistry(t, Config{})
	sess := r.CreateOrReplace("A")
	conn := newRelayingConn()
	if err := sess.Attach(conn); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	r.CloseAll()
	if !conn.finished {
		t.Fatalf("CloseAll returned before the connection's background work finished")
	}
}
