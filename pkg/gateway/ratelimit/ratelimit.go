package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests   int
	MaxConcurrentWSSessions int

	// Bounds for the in-memory principal table (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

// Limiter tracks request rate, in-flight HTTP requests and open voice
// sockets per principal key.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu       sync.Mutex
	bucket   *rate.Limiter
	inflight int
	sessions int
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{cfg: cfg, entries: make(map[string]*entry)}
}

// PrincipalKeyFromIP hashes a client address so raw IPs never become map
// keys or log fields.
func PrincipalKeyFromIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:16])
}

// Permit is returned by an allowed Decision. Release is idempotent.
type Permit struct {
	once    sync.Once
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

func allowed(release func()) Decision {
	return Decision{Allowed: true, Permit: &Permit{release: release}}
}

func denied(retryAfter int) Decision {
	return Decision{RetryAfter: max(1, retryAfter)}
}

// AcquireRequest spends one token from the principal's bucket and takes an
// in-flight slot. The permit must be released when the request finishes.
func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	e := l.lookup(principal, now)

	if b := e.bucket; b != nil {
		res := b.ReserveN(now, 1)
		if !res.OK() {
			return denied(1)
		}
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			return denied(int(math.Ceil(delay.Seconds())))
		}
	}

	return e.take(&e.inflight, l.cfg.MaxConcurrentRequests)
}

// AcquireWSSession caps concurrent voice sessions per principal. The permit
// must be held for the lifetime of the socket.
func (l *Limiter) AcquireWSSession(principal string, now time.Time) Decision {
	e := l.lookup(principal, now)
	return e.take(&e.sessions, l.cfg.MaxConcurrentWSSessions)
}

func (e *entry) take(counter *int, limit int) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit > 0 && *counter >= limit {
		return denied(1)
	}
	*counter++
	return allowed(func() {
		e.mu.Lock()
		*counter--
		e.mu.Unlock()
	})
}

func (l *Limiter) lookup(principal string, now time.Time) *entry {
	if principal == "" {
		principal = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[principal]; ok {
		e.mu.Lock()
		e.lastSeen = now
		e.mu.Unlock()
		return e
	}

	if len(l.entries) >= l.cfg.MaxEntries {
		l.evictLocked(now)
	}

	e := &entry{lastSeen: now}
	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		e.bucket = rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)
	}
	l.entries[principal] = e
	return e
}

// evictLocked drops idle entries past their TTL. If the table is still full
// one idle entry goes; entries holding permits are never dropped.
func (l *Limiter) evictLocked(now time.Time) {
	for k, e := range l.entries {
		if idle, ok := e.idleFor(now); ok && idle > l.cfg.EntryTTL {
			delete(l.entries, k)
		}
	}
	if len(l.entries) < l.cfg.MaxEntries {
		return
	}
	for k, e := range l.entries {
		if _, ok := e.idleFor(now); ok {
			delete(l.entries, k)
			return
		}
	}
}

// idleFor reports how long e has been unused. ok is false while e holds
// permits.
func (e *entry) idleFor(now time.Time) (idle time.Duration, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight > 0 || e.sessions > 0 {
		return 0, false
	}
	return now.Sub(e.lastSeen), true
}
