// Package inputmux merges typed lines and finalized spoken utterances into
// one ordered submission queue.
//
// The Mux is the single point of contention that gives the session a total
// input order: arrival order is the order in which Offer calls complete under
// the queue lock, regardless of which source the input came from. Producers
// never block and input is never silently dropped; the only rejection path is
// spoken input while the session is degraded to typed-only, which is
// reported to the caller via ErrSpokenDisabled.
package inputmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Offer and Take after Close.
var ErrClosed = errors.New("inputmux: closed")

// ErrSpokenDisabled is returned by Offer for spoken submissions while spoken
// input is disabled.
var ErrSpokenDisabled = errors.New("inputmux: spoken input disabled")

// Origin identifies the source of a submission.
type Origin string

const (
	OriginTyped  Origin = "typed"
	OriginSpoken Origin = "spoken"
)

// Submission is a unit of user input accepted into the processing queue.
type Submission struct {
	// ID uniquely identifies the submission.
	ID string

	// Origin is the input source.
	Origin Origin

	// Text is the submitted content.
	Text string

	// EnqueuedAt marks when the submission entered the queue.
	EnqueuedAt time.Time
}

// Mux is the ordered submission queue. Offer may be called concurrently from
// any number of producers; Take is intended for a single consumer (the
// coordinator loop) but is safe for concurrent use.
type Mux struct {
	mu            sync.Mutex
	queue         []Submission
	closed        bool
	spokenEnabled bool

	// notify wakes a blocked Take. Buffered so Offer never blocks; Take
	// re-checks the queue in a loop, so a single pending signal covers any
	// number of queued submissions.
	notify chan struct{}
}

// New returns an empty Mux with spoken input enabled.
func New() *Mux {
	return &Mux{
		spokenEnabled: true,
		notify:        make(chan struct{}, 1),
	}
}

// Offer enqueues a submission. It never blocks the caller.
//
// Returns ErrClosed after Close, and ErrSpokenDisabled for spoken submissions
// while spoken input is disabled; in both cases nothing is enqueued.
func (m *Mux) Offer(origin Origin, text string) error {
	if origin != OriginTyped && origin != OriginSpoken {
		return fmt.Errorf("inputmux: unknown origin %q", origin)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if origin == OriginSpoken && !m.spokenEnabled {
		m.mu.Unlock()
		return ErrSpokenDisabled
	}
	m.queue = append(m.queue, Submission{
		ID:         uuid.NewString(),
		Origin:     origin,
		Text:       text,
		EnqueuedAt: time.Now(),
	})
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Take returns the next submission in arrival order, blocking until one is
// available, ctx is cancelled, or the mux is closed.
func (m *Mux) Take(ctx context.Context) (Submission, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			sub := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return sub, nil
		}
		if m.closed {
			m.mu.Unlock()
			return Submission{}, ErrClosed
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Submission{}, ctx.Err()
		case <-m.notify:
		}
	}
}

// SetSpokenEnabled toggles acceptance of spoken submissions. Typed
// submissions are unaffected. Already-queued spoken submissions remain in the
// queue.
func (m *Mux) SetSpokenEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spokenEnabled = enabled
}

// Len returns the current queue depth.
func (m *Mux) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close rejects all further offers and wakes any blocked Take. Queued
// submissions are still drained by subsequent Take calls before ErrClosed is
// returned. Safe to call multiple times.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}
