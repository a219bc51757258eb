package rate

import (
	"context"
	"sync"
	"time"
)

// Config describes a token bucket as Limit requests per Window. Burst defaults to
// Limit, so a fresh key may spend its whole window allowance at once.
type Config struct {
	Limit  int
	Window time.Duration
	Burst  int
}

func (c Config) perSecond() float64 {
	if c.Window <= 0 || c.Limit <= 0 {
		return 0
	}
	return float64(c.Limit) / c.Window.Seconds()
}

func (c Config) burst() float64 {
	if c.Burst > 0 {
		return float64(c.Burst)
	}
	return float64(c.Limit)
}

// Limiter implements a token bucket rate limiter.
type Limiter struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	rate   float64
	burst  float64
	now    func() time.Time
}

// New creates a new limiter with a full bucket.
func New(cfg Config) *Limiter {
	return newWithClock(cfg, time.Now)
}

func newWithClock(cfg Config, now func() time.Time) *Limiter {
	return &Limiter{
		tokens: cfg.burst(),
		last:   now(),
		rate:   cfg.perSecond(),
		burst:  cfg.burst(),
		now:    now,
	}
}

func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	l.last = now
	if l.tokens > l.burst {
		l.tokens = l.burst
	}

	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// RetryAfter estimates how long until the next token is available.
func (l *Limiter) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tokens >= 1 || l.rate == 0 {
		return 0
	}
	return time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
}

func (l *Limiter) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Wait blocks until a token becomes available or context is canceled.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if l.Allow() {
			return nil
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Manager holds one limiter per key (client ip + route, or outbound host).
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	defaults Config
	now      func() time.Time
}

func NewManager(defaults Config) *Manager {
	return &Manager{
		limiters: make(map[string]*Limiter),
		defaults: defaults,
		now:      time.Now,
	}
}

func (m *Manager) GetLimiter(key string) *Limiter {
	m.mu.RLock()
	if lim, ok := m.limiters[key]; ok {
		m.mu.RUnlock()
		return lim
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok := m.limiters[key]; ok {
		return lim
	}
	lim := newWithClock(m.defaults, m.now)
	m.limiters[key] = lim
	return lim
}

// Allow reports whether key may proceed now.
func (m *Manager) Allow(key string) bool {
	return m.GetLimiter(key).Allow()
}

// Wait ensures rate limit compliance for a given key.
func (m *Manager) Wait(ctx context.Context, key string) error {
	return m.GetLimiter(key).Wait(ctx)
}

// Sweep drops limiters untouched for longer than idle and returns how many were removed.
// An evicted key starts again with a full bucket.
func (m *Manager) Sweep(idle time.Duration) int {
	cutoff := m.now().Add(-idle)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, lim := range m.limiters {
		if lim.idleSince().Before(cutoff) {
			delete(m.limiters, key)
			removed++
		}
	}
	return removed
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.limiters)
}
