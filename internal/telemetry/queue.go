package telemetry

import "sync"

// eventQueue is a bounded FIFO that evicts its oldest entry when full.
//
// Enqueue never blocks so relay goroutines are never held up by a slow
// uplink; Dequeue blocks workers until an event arrives or the queue closes.
type eventQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	// ring buffer
	buf   []Event
	head  int
	count int
}

func newEventQueue(capacity int) *eventQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &eventQueue{buf: make([]Event, capacity)}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends ev. It reports whether an older event had to be evicted to
// make room, and whether ev was accepted at all (false once closed).
func (q *eventQueue) Enqueue(ev Event) (accepted, evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, false
	}
	if q.count == len(q.buf) {
		q.buf[q.head] = Event{}
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		evicted = true
	}
	q.buf[(q.head+q.count)%len(q.buf)] = ev
	q.count++
	q.notEmpty.Signal()
	return true, evicted
}

// Dequeue blocks until an event is available. It returns false once the queue
// is closed and drained.
func (q *eventQueue) Dequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.count == 0 {
		return Event{}, false
	}
	ev := q.buf[q.head]
	q.buf[q.head] = Event{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return ev, true
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Close wakes all waiting workers. Events still queued are delivered before
// Dequeue starts returning false.
func (q *eventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
