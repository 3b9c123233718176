// Package resilience hardens the pipeline's calls to external speech
// backends. It provides exponential retry backoff for the transcriber and
// diarizer stages, a per-backend circuit breaker that suspends a repeatedly
// failing recognizer or diarizer, and failover wrappers that route each
// chunk to the first healthy backend.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBackendSuspended is returned by [Breaker.Run] while the backend is
// suspended and its retry window has not yet elapsed.
var ErrBackendSuspended = errors.New("resilience: backend suspended")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// Serving forwards every call; the backend is considered healthy.
	Serving BreakerState = iota

	// Suspended rejects every call with [ErrBackendSuspended]. Entered
	// after TripAfter consecutive failures, left when RetryAfter elapses.
	Suspended

	// Probing lets a limited quota of calls through to test whether the
	// backend has recovered. Enough successes restore Serving; any
	// failure suspends the backend again.
	Probing
)

// String returns the state name used in logs and status output.
func (s BreakerState) String() string {
	switch s {
	case Serving:
		return "serving"
	case Suspended:
		return "suspended"
	case Probing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero-value fields get defaults sized for
// per-chunk recognizer and diarizer calls.
type BreakerConfig struct {
	// Backend labels log records, typically the configured provider name
	// ("whisper-native", "openai", "energy").
	Backend string

	// TripAfter is the number of consecutive failures that suspends the
	// backend. Default: 5.
	TripAfter int

	// RetryAfter is how long a suspension lasts before probing begins.
	// Default: 30s.
	RetryAfter time.Duration

	// ProbeQuota is how many calls may run while probing before the
	// breaker decides the backend's fate. Default: 3.
	ProbeQuota int
}

// Breaker guards one speech backend. It trips after a run of consecutive
// failures so that a hard-down recognizer fails fast instead of eating the
// per-chunk retry budget, then periodically probes for recovery.
type Breaker struct {
	backend    string
	tripAfter  int
	retryAfter time.Duration
	probeQuota int

	mu         sync.Mutex
	state      BreakerState
	strikes    int
	downSince  time.Time
	probes     int
	probeFails int
}

// NewBreaker creates a [Breaker] in the [Serving] state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 30 * time.Second
	}
	if cfg.ProbeQuota <= 0 {
		cfg.ProbeQuota = 3
	}
	return &Breaker{
		backend:    cfg.Backend,
		tripAfter:  cfg.TripAfter,
		retryAfter: cfg.RetryAfter,
		probeQuota: cfg.ProbeQuota,
		state:      Serving,
	}
}

// Run calls fn if the backend is admitted. While suspended it returns
// [ErrBackendSuspended] without calling fn; while probing only the probe
// quota gets through. fn's error is returned unchanged.
func (b *Breaker) Run(fn func() error) error {
	probing, err := b.admit()
	if err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.settleFailure(probing)
		return err
	}
	b.settleSuccess(probing)
	return nil
}

// admit decides whether the next call may proceed and whether it counts
// against the probe quota.
func (b *Breaker) admit() (probing bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Suspended:
		if time.Since(b.downSince) < b.retryAfter {
			return false, ErrBackendSuspended
		}
		b.state = Probing
		b.probes = 0
		b.probeFails = 0
		slog.Info("backend suspension elapsed, probing", "backend", b.backend)
	case Probing:
		if b.probes >= b.probeQuota {
			return false, ErrBackendSuspended
		}
	}

	if b.state == Probing {
		b.probes++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) settleFailure(probing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.downSince = time.Now()

	// A failed probe suspends immediately; recovery clearly has not happened.
	if probing {
		b.probeFails++
		b.state = Suspended
		b.strikes = b.tripAfter
		slog.Warn("backend suspended again after failed probe", "backend", b.backend)
		return
	}

	b.strikes++
	if b.strikes >= b.tripAfter {
		b.state = Suspended
		slog.Warn("backend suspended",
			"backend", b.backend,
			"consecutive_failures", b.strikes)
	}
}

func (b *Breaker) settleSuccess(probing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probing {
		if b.probes-b.probeFails >= b.probeQuota {
			b.state = Serving
			b.strikes = 0
			b.probes = 0
			b.probeFails = 0
			slog.Info("backend restored after successful probes", "backend", b.backend)
		}
		return
	}
	b.strikes = 0
}

// State reports the breaker's current state. A suspension whose retry window
// has elapsed reads as [Probing]; the transition itself happens on the next
// [Breaker.Run].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Suspended && time.Since(b.downSince) >= b.retryAfter {
		return Probing
	}
	return b.state
}

// Reset forces the breaker back to [Serving] and clears all failure
// accounting. Used when an operator knows the backend is healthy again.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Serving
	b.strikes = 0
	b.probes = 0
	b.probeFails = 0
	slog.Info("backend breaker reset", "backend", b.backend)
}
