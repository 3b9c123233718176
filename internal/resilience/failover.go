package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/echoscribe/pkg/provider/asr"
	"github.com/MrWong99/echoscribe/pkg/provider/diarize"
)

// ErrAllBackendsFailed is returned when every backend in a failover chain
// either failed or is suspended. It wraps the last backend error.
var ErrAllBackendsFailed = errors.New("resilience: all backends failed")

// chain routes each call to the first healthy backend: the configured
// primary, then any fallbacks in registration order. Every backend carries
// its own [Breaker], so a suspended primary is skipped outright.
type chain[T any] struct {
	cfg      BreakerConfig
	backends []chainBackend[T]
}

type chainBackend[T any] struct {
	name    string
	impl    T
	breaker *Breaker
}

func newChain[T any](primary T, name string, cfg BreakerConfig) *chain[T] {
	c := &chain[T]{cfg: cfg}
	c.add(name, primary)
	return c
}

func (c *chain[T]) add(name string, impl T) {
	bc := c.cfg
	bc.Backend = name
	c.backends = append(c.backends, chainBackend[T]{
		name:    name,
		impl:    impl,
		breaker: NewBreaker(bc),
	})
}

// firstHealthy tries fn against each backend until one succeeds. It is a
// package-level function because Go methods cannot introduce the result
// type parameter R.
func firstHealthy[T, R any](c *chain[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range c.backends {
		be := &c.backends[i]
		var out R
		err := be.breaker.Run(func() error {
			var callErr error
			out, callErr = fn(be.impl)
			return callErr
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, ErrBackendSuspended) {
			slog.Debug("skipping suspended backend", "backend", be.name)
		} else {
			slog.Warn("backend failed, trying next",
				"backend", be.name, "error", err)
		}
	}
	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}

// RecognizerFallback implements [asr.Recognizer] over a failover chain of
// recognizer backends. A chunk is transcribed by the first backend whose
// breaker admits the call and whose Transcribe succeeds.
type RecognizerFallback struct {
	chain *chain[asr.Recognizer]
}

// Compile-time interface assertion.
var _ asr.Recognizer = (*RecognizerFallback)(nil)

// NewRecognizerFallback wraps primary, the configured recognizer named
// backend, in a breaker-guarded failover chain.
func NewRecognizerFallback(primary asr.Recognizer, backend string, cfg BreakerConfig) *RecognizerFallback {
	return &RecognizerFallback{chain: newChain(primary, backend, cfg)}
}

// AddFallback registers an additional recognizer, tried after the primary.
func (f *RecognizerFallback) AddFallback(name string, rec asr.Recognizer) {
	f.chain.add(name, rec)
}

// Transcribe runs the chunk against the first healthy recognizer backend.
func (f *RecognizerFallback) Transcribe(ctx context.Context, samples []float32, opts asr.Options) (*asr.Result, error) {
	return firstHealthy(f.chain, func(rec asr.Recognizer) (*asr.Result, error) {
		return rec.Transcribe(ctx, samples, opts)
	})
}

// DiarizerFallback implements [diarize.Diarizer] over a failover chain of
// diarizer backends.
type DiarizerFallback struct {
	chain *chain[diarize.Diarizer]
}

// Compile-time interface assertion.
var _ diarize.Diarizer = (*DiarizerFallback)(nil)

// NewDiarizerFallback wraps primary, the configured diarizer named backend,
// in a breaker-guarded failover chain.
func NewDiarizerFallback(primary diarize.Diarizer, backend string, cfg BreakerConfig) *DiarizerFallback {
	return &DiarizerFallback{chain: newChain(primary, backend, cfg)}
}

// AddFallback registers an additional diarizer, tried after the primary.
func (f *DiarizerFallback) AddFallback(name string, d diarize.Diarizer) {
	f.chain.add(name, d)
}

// Diarize runs the chunk against the first healthy diarizer backend.
func (f *DiarizerFallback) Diarize(ctx context.Context, samples []float32) ([]diarize.Turn, error) {
	return firstHealthy(f.chain, func(d diarize.Diarizer) ([]diarize.Turn, error) {
		return d.Diarize(ctx, samples)
	})
}
