package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned by [Failover.Do] when every candidate either
// failed or had an open breaker.
var ErrExhausted = errors.New("all candidates failed")

// FailoverConfig tunes a [Failover] group. The breaker config is applied to
// every candidate; each gets its own independent breaker instance.
type FailoverConfig struct {
	Breaker BreakerConfig
}

// candidate pairs a provider value with its guarding breaker.
type candidate[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Failover tries a chain of candidates in registration order. Each candidate
// is guarded by its own [Breaker]; candidates with open breakers are skipped
// without being called.
//
// Candidates must all be registered before the first call to [Failover.Do].
type Failover[T any] struct {
	cfg     FailoverConfig
	entries []candidate[T]
}

// NewFailover creates a [Failover] with primary as the preferred candidate.
func NewFailover[T any](name string, primary T, cfg FailoverConfig) *Failover[T] {
	f := &Failover[T]{cfg: cfg}
	f.Add(name, primary)
	return f
}

// Add registers an additional candidate at the end of the chain.
func (f *Failover[T]) Add(name string, value T) {
	bcfg := f.cfg.Breaker
	bcfg.Label = name
	f.entries = append(f.entries, candidate[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(bcfg),
	})
}

// Do invokes fn with each candidate in order until one succeeds. Candidates
// whose breaker is open are skipped. If no candidate succeeds the returned
// error wraps [ErrExhausted] and the last real failure.
func (f *Failover[T]) Do(fn func(T) error) error {
	var lastErr error
	for _, c := range f.entries {
		err := c.breaker.Do(func() error { return fn(c.value) })
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrOpen) {
			slog.Debug("failover skipping candidate with open breaker",
				"candidate", c.name)
			continue
		}
		slog.Warn("failover candidate failed",
			"candidate", c.name,
			"error", err)
		lastErr = err
	}
	if lastErr != nil {
		return fmt.Errorf("%w: last error: %w", ErrExhausted, lastErr)
	}
	return ErrExhausted
}

// DoWith runs fn through the group and captures its result. It exists as a
// package-level function because methods cannot introduce type parameters.
func DoWith[T, R any](f *Failover[T], fn func(T) (R, error)) (R, error) {
	var result R
	err := f.Do(func(v T) error {
		r, err := fn(v)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
