package retry

import (
	"sync"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

type BreakerConfig struct {
	FailureThreshold int           `json:"failureThreshold"`
	ResetAfter       time.Duration `json:"resetAfter"`
	HalfOpenRequests int           `json:"halfOpenRequests"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetAfter:       60 * time.Second,
		HalfOpenRequests: 3,
	}
}

// Breaker stops remote calls after consecutive failures. Once ResetAfter has
// elapsed it lets HalfOpenRequests trial calls through; a success closes it
// and a failure opens it again.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	state    BreakerState
	failures int
	openedAt time.Time
	trials   int
	now      func() time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	defaults := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = defaults.ResetAfter
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = defaults.HalfOpenRequests
	}
	return &Breaker{cfg: cfg, state: BreakerClosed, now: time.Now}
}

// SetClock is used by tests to control the reset timer.
func (b *Breaker) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Allow reports whether a call may proceed and counts half-open trials.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetAfter {
			return false
		}
		b.state = BreakerHalfOpen
		b.trials = 0
	}
	if b.trials >= b.cfg.HalfOpenRequests {
		return false
	}
	b.trials++
	return true
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.trials = 0
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.trials = 0
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetAfter {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) Reset() {
	b.RecordSuccess()
}
