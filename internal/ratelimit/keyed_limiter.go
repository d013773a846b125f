package ratelimit

import (
	"container/list"
	"sync"
)

// DefaultMaxKeys bounds the number of per-key buckets when the caller does
// not configure a limit.
const DefaultMaxKeys = 4096

// KeyedLimiter keeps one Bucket per key (e.g. per client id) with a
// least-recently-used bound on how many buckets are retained.
type KeyedLimiter struct {
	clock   Clock
	rate    int64
	burst   int64
	maxKeys int

	onEvict func()

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	lru     *list.List
}

type keyedEntry struct {
	bucket *Bucket
	elem   *list.Element
}

// NewKeyedLimiter returns a limiter that allows rate tokens/sec per key with
// the given burst. rate <= 0 disables limiting. onEvict, if non-nil, runs once
// per evicted bucket outside the limiter's mutex.
func NewKeyedLimiter(clock Clock, rate, burst int64, maxKeys int, onEvict func()) *KeyedLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if burst <= 0 {
		burst = rate
	}
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &KeyedLimiter{
		clock:   clock,
		rate:    rate,
		burst:   burst,
		maxKeys: maxKeys,
		onEvict: onEvict,
		buckets: make(map[string]*keyedEntry),
		lru:     list.New(),
	}
}

// Allow consumes one token from key's bucket.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	return l.bucket(key).Allow(1)
}

// Forget drops the bucket for key, e.g. once a client disconnects.
func (l *KeyedLimiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.buckets[key]; ok {
		l.lru.Remove(entry.elem)
		delete(l.buckets, key)
	}
}

// Len reports how many buckets are retained.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedLimiter) bucket(key string) *Bucket {
	var onEvict func()

	l.mu.Lock()
	if entry, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(entry.elem)
		l.mu.Unlock()
		return entry.bucket
	}

	if len(l.buckets) >= l.maxKeys {
		// Evict least-recently used entry (oldest at the back).
		if elem := l.lru.Back(); elem != nil {
			evictKey := elem.Value.(string)
			l.lru.Remove(elem)
			delete(l.buckets, evictKey)
			onEvict = l.onEvict
		}
	}

	bucket := NewBucket(l.clock, l.burst, l.rate)
	l.buckets[key] = &keyedEntry{bucket: bucket, elem: l.lru.PushFront(key)}
	l.mu.Unlock()

	if onEvict != nil {
		onEvict()
	}
	return bucket
}
