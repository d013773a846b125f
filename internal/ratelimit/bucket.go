package ratelimit

import (
	"sync"
	"time"
)

// Bucket admits requests at a steady rate with a bounded burst. The signaling
// layer keeps one per client id so a single client cannot flood /connect or
// /ice-candidate.
//
// Rather than counting tokens it tracks debt: the instant at which every
// admitted request will have been paid for at the refill rate. A request is
// admitted while that instant stays within one burst of now.
type Bucket struct {
	clock Clock

	burst int64
	// spacing is the refill time of one request. 0 means no refill: the
	// bucket admits burst requests in total.
	spacing time.Duration
	window  time.Duration

	mu     sync.Mutex
	paidAt time.Time
	seen   time.Time
	spent  int64
}

// NewBucket returns a full bucket holding burst requests and refilling at
// rate requests per second.
func NewBucket(clock Clock, burst, rate int64) *Bucket {
	if clock == nil {
		clock = RealClock{}
	}
	if burst < 0 {
		burst = 0
	}
	b := &Bucket{clock: clock, burst: burst}
	if rate > 0 {
		b.spacing = time.Second / time.Duration(rate)
		if b.spacing <= 0 {
			b.spacing = 1
		}
		b.window = scale(b.spacing, burst)
	}
	now := clock.Now()
	b.paidAt = now
	b.seen = now
	return b
}

// Allow admits n requests at once, or none. n <= 0 is always admitted.
func (b *Bucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	if n > b.burst {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.spacing == 0 {
		if b.spent+n > b.burst {
			return false
		}
		b.spent += n
		return true
	}

	now := b.clock.Now()
	if now.Before(b.seen) {
		// The clock stepped back. Shift outstanding debt with it so the
		// step neither refills nor drains the bucket.
		b.paidAt = b.paidAt.Add(now.Sub(b.seen))
	}
	b.seen = now

	start := b.paidAt
	if start.Before(now) {
		start = now
	}
	next := start.Add(scale(b.spacing, n))
	if next.Sub(now) > b.window {
		return false
	}
	b.paidAt = next
	return true
}

// scale returns d*n, saturating instead of overflowing.
func scale(d time.Duration, n int64) time.Duration {
	const maxDuration = time.Duration(1<<63 - 1)
	if n <= 0 {
		return 0
	}
	if d > maxDuration/time.Duration(n) {
		return maxDuration
	}
	return d * time.Duration(n)
}
