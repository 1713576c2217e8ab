package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{Label: "test"})
	if b.trip != 5 {
		t.Errorf("trip = %d, want 5", b.trip)
	}
	if b.cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", b.cooldown)
	}
	if b.probes != 3 {
		t.Errorf("probes = %d, want 3", b.probes)
	}
	if b.State() != BreakerClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_ClosedForwardsCalls(t *testing.T) {
	b := NewBreaker(BreakerConfig{Label: "test", TripAfter: 3})
	called := false
	if err := b.Do(func() error { called = true; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Label:     "test",
		TripAfter: 3,
		Cooldown:  time.Hour, // keep it open for the whole test
	})

	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errTest })
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %v, want open after 3 failures", b.State())
	}

	err := b.Do(func() error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{Label: "test", TripAfter: 3})

	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return nil })

	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed after interleaved success", b.State())
	}

	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })
	if b.State() != BreakerClosed {
		t.Fatal("should still be closed after 2 failures post-reset")
	}
}

func TestBreaker_CooldownLeadsToHalfOpen(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Label:     "test",
		TripAfter: 2,
		Cooldown:  10 * time.Millisecond,
		Probes:    2,
	})

	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })
	if b.State() != BreakerOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)

	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open after cooldown", b.State())
	}
}

func TestBreaker_ProbesCloseBreaker(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Label:     "test",
		TripAfter: 2,
		Cooldown:  10 * time.Millisecond,
		Probes:    2,
	})

	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })

	time.Sleep(15 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: unexpected error: %v", i, err)
		}
	}

	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed after successful probes", b.State())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Label:     "test",
		TripAfter: 2,
		Cooldown:  10 * time.Millisecond,
		Probes:    3,
	})

	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })

	time.Sleep(15 * time.Millisecond)

	if err := b.Do(func() error { return errTest }); err == nil {
		t.Fatal("expected error from failing probe")
	}

	// lastFail was just stamped, so the raw state must be open again.
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	if s != BreakerOpen {
		t.Fatalf("state = %v, want open after failed probe", s)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Label:     "test",
		TripAfter: 2,
		Cooldown:  time.Hour,
	})

	_ = b.Do(func() error { return errTest })
	_ = b.Do(func() error { return errTest })
	if b.State() != BreakerOpen {
		t.Fatal("expected open")
	}

	b.Reset()
	if b.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed after reset", b.State())
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := []struct {
		state BreakerState
		want  string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerHalfOpen, "half-open"},
		{BreakerState(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("BreakerState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
