package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	// Rate is the bucket refill rate in tokens per second; Burst is the
	// bucket capacity.
	Rate  float64
	Burst int

	// Operational bounds for the in-memory key map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration

	// Escalation policy: StrikeThreshold denied attempts within
	// StrikeWindow escalate from drop-message to close-connection.
	StrikeThreshold int
	StrikeWindow    time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Escalate is set on a denied call once the key has accumulated enough
	// strikes inside the window that the caller should close the connection.
	Escalate bool
}

// Limiter applies token-bucket limits per key with strike escalation.
type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time

	strikes     int
	windowStart time.Time

	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	if cfg.StrikeWindow <= 0 {
		cfg.StrikeWindow = 10 * time.Second
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*bucket),
	}
}

// Allow consumes one token for key if available. It never blocks.
func (l *Limiter) Allow(key string, now time.Time) Decision {
	if l.cfg.Rate <= 0 || l.cfg.Burst <= 0 {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getOrCreate(key, now)
	b.lastSeen = now

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(float64(l.cfg.Burst), b.tokens+elapsed*l.cfg.Rate)
		b.last = now
	}

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return Decision{Allowed: true}
	}

	if now.Sub(b.windowStart) > l.cfg.StrikeWindow {
		b.strikes = 0
		b.windowStart = now
	}
	b.strikes++
	escalate := l.cfg.StrikeThreshold > 0 && b.strikes >= l.cfg.StrikeThreshold
	return Decision{Allowed: false, Escalate: escalate}
}

// Forget drops the state for key, typically when its connection closes.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, key)
}

func (l *Limiter) getOrCreate(key string, now time.Time) *bucket {
	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one arbitrary entry (bounded memory beats
		// perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k := range l.m {
				delete(l.m, k)
				break
			}
		}
	}

	if b, ok := l.m[key]; ok {
		return b
	}
	b := &bucket{
		tokens:      float64(l.cfg.Burst),
		last:        now,
		windowStart: now,
		lastSeen:    now,
	}
	l.m[key] = b
	return b
}

func (l *Limiter) gcLocked(now time.Time) {
	for k, b := range l.m {
		if now.Sub(b.lastSeen) > l.cfg.EntryTTL {
			delete(l.m, k)
		}
	}
}
