// Package circuitbreaker trips per-provider-kind breakers so a failing
// upstream model provider stops absorbing admitted-request latency until
// it has had time to recover.
package circuitbreaker

import (
	"sync"
	"time"
)

type breaker struct {
	mu              sync.RWMutex
	failures        int
	lastFailureTime time.Time
	open            bool

	threshold int
	cooldown  time.Duration
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{threshold: threshold, cooldown: cooldown}
}

func (b *breaker) isOpen() bool {
	b.mu.RLock()
	if !b.open {
		b.mu.RUnlock()
		return false
	}
	tripped := time.Since(b.lastFailureTime) <= b.cooldown
	b.mu.RUnlock()
	if tripped {
		return true
	}

	b.mu.Lock()
	b.open = false
	b.failures = 0
	b.mu.Unlock()
	return false
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailureTime = time.Now()
	if b.failures >= b.threshold {
		b.open = true
	}
}

// Manager owns one breaker per provider kind, created lazily on first use.
type Manager struct {
	mu        sync.Mutex
	breakers  map[string]*breaker
	threshold int
	cooldown  time.Duration
}

// NewManager builds a Manager whose breakers open after threshold
// consecutive failures and stay open for cooldown before probing again.
func NewManager(threshold int, cooldown time.Duration) *Manager {
	return &Manager{
		breakers:  make(map[string]*breaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (m *Manager) get(kind string) *breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[kind]
	if !ok {
		b = newBreaker(m.threshold, m.cooldown)
		m.breakers[kind] = b
	}
	return b
}

// IsOpen reports whether kind's breaker is currently blocking dispatch.
func (m *Manager) IsOpen(kind string) bool { return m.get(kind).isOpen() }

// RecordSuccess resets kind's failure count and closes its breaker.
func (m *Manager) RecordSuccess(kind string) { m.get(kind).recordSuccess() }

// RecordFailure counts a failure for kind, opening its breaker once the
// configured threshold is reached.
func (m *Manager) RecordFailure(kind string) { m.get(kind).recordFailure() }
