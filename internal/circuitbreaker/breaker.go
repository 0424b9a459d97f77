// Package circuitbreaker implements a per-venue closed/open/half_open state
// machine. As with ratelimit, no third-party breaker library appears in the
// reference corpus; the shape here generalizes the consecutive-error and
// retry-window bookkeeping carried on hand-rolled exchange base clients.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config tunes the thresholds governing state transitions.
type Config struct {
	ErrorThreshold    int           // consecutive failures to trip closed -> open
	ResetTimeout      time.Duration // time in open before a probe is allowed
	RecoveryThreshold int           // consecutive half_open successes to close
}

// DefaultConfig matches the values named for the ingestion fabric.
func DefaultConfig() Config {
	return Config{ErrorThreshold: 5, ResetTimeout: 60 * time.Second, RecoveryThreshold: 3}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	consecutiveFail  int
	consecutiveOK    int
	openedAt         time.Time
	probeInFlight    bool
}

// New constructs a breaker starting in the closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a call may proceed, and if the breaker is half_open
// and no probe is currently outstanding, marks this call as the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = HalfOpen
			b.consecutiveOK = 0
			b.probeInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess reports a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFail = 0
	b.probeInFlight = false

	switch b.state {
	case HalfOpen:
		b.consecutiveOK++
		if b.consecutiveOK >= b.cfg.RecoveryThreshold {
			b.state = Closed
			b.consecutiveOK = 0
		}
	case Open:
		// A success recorded while nominally open (e.g. delayed probe
		// response) is treated the same as a half_open success.
		b.state = HalfOpen
		b.consecutiveOK = 1
	}
}

// RecordFailure reports a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
	b.consecutiveOK = 0

	switch b.state {
	case Closed:
		b.consecutiveFail++
		if b.consecutiveFail >= b.cfg.ErrorThreshold {
			b.state = Open
			b.openedAt = time.Now()
		}
	case HalfOpen:
		b.state = Open
		b.openedAt = time.Now()
	}
}

// State returns the current state for observability.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
