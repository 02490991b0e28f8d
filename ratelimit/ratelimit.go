// Package ratelimit counts failed authentication attempts per key and
// decides when a key is locked out.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Limiter tracks failures per key. Keys are opaque to the limiter; callers
// pass normalized identifiers or client IPs, never secrets.
type Limiter interface {
	// Check reports whether key is locked out and for how long.
	Check(ctx context.Context, key string) (blocked bool, retryAfter time.Duration, err error)
	RecordFailure(ctx context.Context, key string) error
	RecordSuccess(ctx context.Context, key string) error
}

const (
	// DefaultMaxFailures is the number of consecutive failures before
	// lockout begins.
	DefaultMaxFailures = 5
	baseLockout        = 1 * time.Minute
	// DefaultMaxLockout caps the exponential backoff.
	DefaultMaxLockout = 15 * time.Minute
	// attemptExpiry is how long after the last failure a record is kept.
	attemptExpiry = 1 * time.Hour
)

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// Memory is an in-process Limiter with exponential backoff: after
// maxFailures failures a key is locked for one minute, doubling with each
// further failure up to maxLockout.
type Memory struct {
	mu          sync.Mutex
	attempts    map[string]*attemptRecord
	maxFailures int
	maxLockout  time.Duration
	now         func() time.Time
}

type MemoryOption func(*Memory)

func WithMaxFailures(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.maxFailures = n
		}
	}
}

func WithMaxLockout(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.maxLockout = d
		}
	}
}

func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		attempts:    make(map[string]*attemptRecord),
		maxFailures: DefaultMaxFailures,
		maxLockout:  DefaultMaxLockout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Check(_ context.Context, key string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.attempts[key]
	if !ok {
		return false, 0, nil
	}
	now := m.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(m.attempts, key)
		return false, 0, nil
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now), nil
	}
	return false, 0, nil
}

func (m *Memory) RecordFailure(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		m.attempts[key] = rec
	}
	now := m.now()
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= m.maxFailures {
		// baseLockout * 2^(failures - maxFailures), capped.
		lockout := baseLockout
		for i := 0; i < rec.failures-m.maxFailures; i++ {
			lockout *= 2
			if lockout >= m.maxLockout {
				lockout = m.maxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
	return nil
}

func (m *Memory) RecordSuccess(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, key)
	return nil
}

// Sweep drops records whose last failure is older than the expiry window.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for key, rec := range m.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(m.attempts, key)
			n++
		}
	}
	return n
}

// RetryAfterSeconds renders d for a Retry-After header, never below 1.
func RetryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
