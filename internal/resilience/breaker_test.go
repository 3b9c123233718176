package resilience

import (
	"errors"
	"testing"
	"time"
)

// errBackendDown stands in for a recognizer that cannot reach its model.
var errBackendDown = errors.New("whisper: model handle closed")

// failTimes runs n failing calls against the breaker.
func failTimes(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Run(func() error { return errBackendDown })
	}
}

func TestNewBreakerDefaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{Backend: "whisper-native"})
	if b.tripAfter != 5 {
		t.Errorf("tripAfter = %d, want 5", b.tripAfter)
	}
	if b.retryAfter != 30*time.Second {
		t.Errorf("retryAfter = %v, want 30s", b.retryAfter)
	}
	if b.probeQuota != 3 {
		t.Errorf("probeQuota = %d, want 3", b.probeQuota)
	}
	if b.State() != Serving {
		t.Errorf("initial state = %v, want serving", b.State())
	}
}

func TestBreakerServingForwardsCalls(t *testing.T) {
	b := NewBreaker(BreakerConfig{Backend: "whisper-native", TripAfter: 3})

	called := false
	if err := b.Run(func() error { called = true; return nil }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !called {
		t.Fatal("healthy backend was not called")
	}
}

func TestBreakerSuspendsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Backend:    "whisper-native",
		TripAfter:  3,
		RetryAfter: time.Hour, // keep it suspended for the whole test
	})

	failTimes(b, 3)
	if b.State() != Suspended {
		t.Fatalf("state = %v after 3 failures, want suspended", b.State())
	}

	err := b.Run(func() error { return nil })
	if !errors.Is(err, ErrBackendSuspended) {
		t.Fatalf("err = %v, want ErrBackendSuspended", err)
	}
}

func TestBreakerSuccessClearsStrikes(t *testing.T) {
	b := NewBreaker(BreakerConfig{Backend: "openai", TripAfter: 3})

	// Two transient failures followed by a good chunk must not suspend.
	failTimes(b, 2)
	_ = b.Run(func() error { return nil })
	if b.State() != Serving {
		t.Fatalf("state = %v, want serving (success clears the strike count)", b.State())
	}

	// The count restarts: two more failures still are not enough.
	failTimes(b, 2)
	if b.State() != Serving {
		t.Fatal("suspended after only 2 post-success failures")
	}
}

func TestBreakerProbesAfterRetryWindow(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Backend:    "openai",
		TripAfter:  2,
		RetryAfter: 10 * time.Millisecond,
		ProbeQuota: 2,
	})

	failTimes(b, 2)
	if b.State() != Suspended {
		t.Fatal("expected suspended")
	}

	time.Sleep(15 * time.Millisecond)
	if b.State() != Probing {
		t.Fatalf("state = %v after the retry window, want probing", b.State())
	}
}

func TestBreakerRestoredBySuccessfulProbes(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Backend:    "openai",
		TripAfter:  2,
		RetryAfter: 10 * time.Millisecond,
		ProbeQuota: 2,
	})

	failTimes(b, 2)
	time.Sleep(15 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := b.Run(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != Serving {
		t.Fatalf("state = %v after successful probes, want serving", b.State())
	}
}

func TestBreakerFailedProbeSuspendsAgain(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Backend:    "whisper-native",
		TripAfter:  2,
		RetryAfter: 10 * time.Millisecond,
		ProbeQuota: 3,
	})

	failTimes(b, 2)
	time.Sleep(15 * time.Millisecond)

	if err := b.Run(func() error { return errBackendDown }); err == nil {
		t.Fatal("failing probe reported success")
	}

	// Read the raw state: State() would report probing again once the fresh
	// suspension's window elapses.
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	if s != Suspended {
		t.Fatalf("state = %v after failed probe, want suspended", s)
	}
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Backend:    "whisper-native",
		TripAfter:  2,
		RetryAfter: time.Hour,
	})

	failTimes(b, 2)
	if b.State() != Suspended {
		t.Fatal("expected suspended")
	}

	b.Reset()
	if b.State() != Serving {
		t.Fatalf("state = %v after reset, want serving", b.State())
	}
	if err := b.Run(func() error { return nil }); err != nil {
		t.Fatalf("Run after reset: %v", err)
	}
}

func TestBreakerStateString(t *testing.T) {
	tests := []struct {
		state BreakerState
		want  string
	}{
		{Serving, "serving"},
		{Suspended, "suspended"},
		{Probing, "probing"},
		{BreakerState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("BreakerState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
