package inputmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestOfferTakeFIFO(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()

	inputs := []struct {
		origin Origin
		text   string
	}{
		{OriginTyped, "one"},
		{OriginSpoken, "two"},
		{OriginTyped, "three"},
	}
	for _, in := range inputs {
		if err := m.Offer(in.origin, in.text); err != nil {
			t.Fatalf("Offer(%s, %q): %v", in.origin, in.text, err)
		}
	}

	for _, want := range inputs {
		sub, err := m.Take(ctx)
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		if sub.Text != want.text || sub.Origin != want.origin {
			t.Errorf("want (%s, %q), got (%s, %q)", want.origin, want.text, sub.Origin, sub.Text)
		}
		if sub.ID == "" || sub.EnqueuedAt.IsZero() {
			t.Error("expected ID and EnqueuedAt to be stamped")
		}
	}
}

func TestTakeBlocksUntilOffer(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()

	got := make(chan Submission, 1)
	go func() {
		sub, err := m.Take(ctx)
		if err != nil {
			t.Errorf("Take: %v", err)
			return
		}
		got <- sub
	}()

	// Give the consumer a moment to block.
	time.Sleep(20 * time.Millisecond)
	if err := m.Offer(OriginTyped, "wake up"); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	select {
	case sub := <-got:
		if sub.Text != "wake up" {
			t.Errorf("unexpected text %q", sub.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Take did not return after Offer")
	}
}

func TestTakeCancelled(t *testing.T) {
	t.Parallel()
	m := New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Take(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSpokenDisabledRejectsAndReports(t *testing.T) {
	t.Parallel()
	m := New()
	m.SetSpokenEnabled(false)

	if err := m.Offer(OriginSpoken, "never mind"); !errors.Is(err, ErrSpokenDisabled) {
		t.Errorf("expected ErrSpokenDisabled, got %v", err)
	}
	if err := m.Offer(OriginTyped, "still works"); err != nil {
		t.Errorf("typed offer while degraded: %v", err)
	}
	if got := m.Len(); got != 1 {
		t.Errorf("expected 1 queued submission, got %d", got)
	}

	m.SetSpokenEnabled(true)
	if err := m.Offer(OriginSpoken, "back online"); err != nil {
		t.Errorf("spoken offer after re-enable: %v", err)
	}
}

func TestUnknownOriginRejected(t *testing.T) {
	t.Parallel()
	m := New()

	if err := m.Offer("telepathic", "hm"); err == nil {
		t.Error("expected error for unknown origin")
	}
}

func TestCloseDrainsThenReports(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()

	if err := m.Offer(OriginTyped, "last words"); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	m.Close()
	m.Close() // multi-call safe

	if err := m.Offer(OriginTyped, "too late"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	sub, err := m.Take(ctx)
	if err != nil {
		t.Fatalf("Take should drain queued submissions after Close: %v", err)
	}
	if sub.Text != "last words" {
		t.Errorf("unexpected text %q", sub.Text)
	}

	if _, err := m.Take(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on empty closed mux, got %v", err)
	}
}

func TestCloseWakesBlockedTake(t *testing.T) {
	t.Parallel()
	m := New()

	done := make(chan error, 1)
	go func() {
		_, err := m.Take(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	m.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Take did not return after Close")
	}
}

// TestConcurrentOffersTotalOrder verifies the ordering law: the Take sequence
// equals the order in which Offer calls completed, with no loss, across
// concurrent typed and spoken producers.
func TestConcurrentOffersTotalOrder(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()

	const perProducer = 100
	var wg sync.WaitGroup
	wg.Add(2)

	producer := func(origin Origin) {
		defer wg.Done()
		for i := 0; i < perProducer; i++ {
			if err := m.Offer(origin, fmt.Sprintf("%s-%d", origin, i)); err != nil {
				t.Errorf("Offer: %v", err)
				return
			}
		}
	}
	go producer(OriginTyped)
	go producer(OriginSpoken)
	wg.Wait()

	// Per-producer order must be preserved and nothing lost.
	nextIdx := map[Origin]int{}
	for i := 0; i < 2*perProducer; i++ {
		sub, err := m.Take(ctx)
		if err != nil {
			t.Fatalf("Take #%d: %v", i, err)
		}
		want := fmt.Sprintf("%s-%d", sub.Origin, nextIdx[sub.Origin])
		if sub.Text != want {
			t.Fatalf("out of order: want %q, got %q", want, sub.Text)
		}
		nextIdx[sub.Origin]++
	}
	if got := m.Len(); got != 0 {
		t.Errorf("expected empty queue, got %d", got)
	}
}
