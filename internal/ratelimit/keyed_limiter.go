package ratelimit

import (
	"container/list"
	"sync"
)

// defaultMaxKeys bounds the bucket table so a spray of source addresses cannot
// grow it without limit.
const defaultMaxKeys = 4096

// KeyedLimiter keeps one token bucket per key (typically a remote address)
// with least-recently-used eviction.
type KeyedLimiter struct {
	clock     Clock
	perMinute int
	maxKeys   int
	onEvict   func()

	mu      sync.Mutex
	buckets map[string]*keyedEntry
	lru     *list.List
}

type keyedEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

type KeyedConfig struct {
	// PerMinute is both the burst and the sustained per-minute allowance for
	// each key. Zero or less disables limiting.
	PerMinute int
	// MaxKeys bounds the number of buckets kept; <= 0 uses a default.
	MaxKeys int
	// OnEvict runs once per evicted bucket, outside the limiter's lock.
	OnEvict func()
}

func NewKeyedLimiter(clock Clock, cfg KeyedConfig) *KeyedLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	return &KeyedLimiter{
		clock:     clock,
		perMinute: cfg.PerMinute,
		maxKeys:   maxKeys,
		onEvict:   cfg.OnEvict,
		buckets:   make(map[string]*keyedEntry),
		lru:       list.New(),
	}
}

// Allow consumes one token from key's bucket.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil || l.perMinute <= 0 {
		return true
	}
	return l.bucket(key).Allow(1)
}

// Len reports how many keys currently hold a bucket.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedLimiter) bucket(key string) *TokenBucket {
	var evicted bool

	l.mu.Lock()
	if entry, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(entry.elem)
		l.mu.Unlock()
		return entry.bucket
	}

	if len(l.buckets) >= l.maxKeys {
		if elem := l.lru.Back(); elem != nil {
			l.lru.Remove(elem)
			delete(l.buckets, elem.Value.(string))
			evicted = true
		}
	}

	b := newBucket(l.clock, everyPerMinute(l.perMinute), l.perMinute)
	l.buckets[key] = &keyedEntry{bucket: b, elem: l.lru.PushFront(key)}
	l.mu.Unlock()

	if evicted && l.onEvict != nil {
		l.onEvict()
	}
	return b
}
