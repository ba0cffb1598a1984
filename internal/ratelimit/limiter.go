// Package ratelimit implements the Server's per-source token bucket
// (§4.6): capacity 100, refill 100/sec by default, one token per request
// regardless of batch size, with a background sweeper bounding memory.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCapacity and DefaultRefillPerSecond are the spec's stated
// defaults (§4.6). DefaultIdleTTL is the rate-limiter entry's stated
// default idle_ttl (§3). It is not tied to the refill rate: at 100
// tokens/sec one refill interval is 10ms, and 30s is far longer than
// ten of those.
const (
	DefaultCapacity        = 100
	DefaultRefillPerSecond = 100.0
	DefaultIdleTTL         = 30 * time.Second
)

// entry is the rate-limiter state for a single source (§3): a token
// bucket plus the last time it was touched, used by the sweeper.
type entry struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	lastTouched time.Time
}

// Limiter is the server-wide per-source token bucket registry. The map
// itself is guarded by a single RWMutex (§4.6 "implementer's choice");
// refill math for a given source happens under that source's own entry
// lock so concurrent sources never contend with each other.
type Limiter struct {
	capacity   float64
	refillRate float64
	idleTTL    time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	stop chan struct{}
}

// New creates a Limiter with the given capacity (tokens) and refill rate
// (tokens/sec). The sweeper removes sources idle for longer than
// idleTTL.
func New(capacity, refillRate float64, idleTTL time.Duration) *Limiter {
	return &Limiter{
		capacity:   capacity,
		refillRate: refillRate,
		idleTTL:    idleTTL,
		entries:    make(map[string]*entry),
		stop:       make(chan struct{}),
	}
}

// NewDefault constructs a Limiter using the spec's stated defaults.
func NewDefault() *Limiter {
	return New(DefaultCapacity, DefaultRefillPerSecond, DefaultIdleTTL)
}

func (l *Limiter) getEntry(sourceID string) *entry {
	l.mu.RLock()
	e, ok := l.entries[sourceID]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[sourceID]; ok {
		return e
	}
	e = &entry{
		limiter:     rate.NewLimiter(rate.Limit(l.refillRate), int(l.capacity)),
		lastTouched: time.Now(),
	}
	l.entries[sourceID] = e
	return e
}

// Check refills and attempts to consume one token for sourceID. It
// returns allow=true when the request may proceed, or allow=false with
// retryAfter set to the smallest duration after which a token will be
// available (§4.6, rounded up to a whole second per the spec's
// ceil((1-tokens)/rate) formula, for use as the Retry-After header).
func (l *Limiter) Check(sourceID string) (allow bool, retryAfter time.Duration) {
	e := l.getEntry(sourceID)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastTouched = time.Now()

	r := e.limiter.ReserveN(time.Now(), 1)
	if !r.OK() {
		// A reservation that can never succeed (e.g. capacity 0): deny
		// without a usable Retry-After.
		return false, 0
	}

	delay := r.Delay()
	if delay <= 0 {
		return true, 0
	}

	r.Cancel()
	return false, ceilSeconds(delay)
}

func ceilSeconds(d time.Duration) time.Duration {
	secs := math.Ceil(d.Seconds())
	return time.Duration(secs) * time.Second
}

// RunSweeper blocks, removing idle entries every 30s until stop is
// closed. Run it in its own goroutine for the lifetime of the server.
func (l *Limiter) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.entries {
		e.mu.Lock()
		idle := now.Sub(e.lastTouched)
		e.mu.Unlock()
		if idle > l.idleTTL {
			delete(l.entries, id)
		}
	}
}

// Len reports the number of tracked sources, for tests and diagnostics.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
