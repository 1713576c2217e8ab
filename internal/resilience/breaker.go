// Package resilience provides the circuit breaker and provider failover
// primitives used to keep a session responsive when a backend misbehaves.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open).
// [Failover] chains multiple instances of any provider type, each guarded by
// its own breaker, so a failing primary is bypassed in favour of a healthy
// fallback.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] when the breaker is open and the
// cooldown has not yet elapsed.
var ErrOpen = errors.New("breaker open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards all calls.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrOpen] until the cooldown elapses.
	BreakerOpen

	// BreakerHalfOpen admits a bounded number of probe calls. Successful
	// probes close the breaker; any failure re-opens it.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero-value fields fall back to defaults.
type BreakerConfig struct {
	// Label identifies the breaker in log output.
	Label string

	// TripAfter is the number of consecutive failures that opens the
	// breaker. Default: 5.
	TripAfter int

	// Cooldown is how long the breaker stays open before admitting probe
	// calls. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of half-open probe calls that must all succeed
	// before the breaker closes again. Default: 3.
	Probes int
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	label    string
	trip     int
	cooldown time.Duration
	probes   int

	mu         sync.Mutex
	state      BreakerState
	failures   int
	lastFail   time.Time
	probeCalls int
	probeFails int
}

// NewBreaker creates a [Breaker] from cfg, applying defaults for zero fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	return &Breaker{
		label:    cfg.Label,
		trip:     cfg.TripAfter,
		cooldown: cfg.Cooldown,
		probes:   cfg.Probes,
	}
}

// Do runs fn if the breaker admits the call. While open it returns [ErrOpen]
// without invoking fn; in half-open only a bounded number of probes pass.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFail) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = BreakerHalfOpen
		b.probeCalls = 0
		b.probeFails = 0
		slog.Info("breaker half-open", "label", b.label)

	case BreakerHalfOpen:
		if b.probeCalls >= b.probes {
			// Probe budget spent; wait for the outcome of the probes
			// already in flight.
			b.mu.Unlock()
			return ErrOpen
		}
	}

	probing := b.state == BreakerHalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure updates failure accounting. Caller holds b.mu.
func (b *Breaker) onFailure(probing bool) {
	b.lastFail = time.Now()

	if probing {
		b.probeFails++
		// One failed probe is enough to re-open.
		b.state = BreakerOpen
		b.failures = b.trip
		slog.Warn("breaker re-opened", "label", b.label)
		return
	}

	b.failures++
	if b.failures >= b.trip && b.state == BreakerClosed {
		b.state = BreakerOpen
		slog.Warn("breaker opened",
			"label", b.label,
			"consecutive_failures", b.failures)
	}
}

// onSuccess updates success accounting. Caller holds b.mu.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probeCalls-b.probeFails >= b.probes {
			b.state = BreakerClosed
			b.failures = 0
			b.probeCalls = 0
			b.probeFails = 0
			slog.Info("breaker closed", "label", b.label)
		}
		return
	}
	b.failures = 0
}

// State reports the breaker's current state. An open breaker whose cooldown
// has elapsed reports half-open; the transition itself happens on the next
// [Breaker.Do] call.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.lastFail) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = 0
	b.probeCalls = 0
	b.probeFails = 0
	slog.Info("breaker reset", "label", b.label)
}
