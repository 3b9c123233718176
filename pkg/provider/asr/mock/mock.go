// Package mock provides a scriptable [asr.Recognizer] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/echoscribe/pkg/provider/asr"
)

// Compile-time assertion that Recognizer satisfies asr.Recognizer.
var _ asr.Recognizer = (*Recognizer)(nil)

// Recognizer is a test double. Set TranscribeFunc to script behaviour; when
// nil, Transcribe returns an empty result. Safe for concurrent use.
type Recognizer struct {
	// TranscribeFunc is invoked for every Transcribe call when non-nil.
	TranscribeFunc func(ctx context.Context, samples []float32, opts asr.Options) (*asr.Result, error)

	mu    sync.Mutex
	calls int
}

// Transcribe records the call and delegates to TranscribeFunc.
func (m *Recognizer) Transcribe(ctx context.Context, samples []float32, opts asr.Options) (*asr.Result, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.TranscribeFunc != nil {
		return m.TranscribeFunc(ctx, samples, opts)
	}
	return &asr.Result{}, nil
}

// Calls returns the number of Transcribe invocations so far.
func (m *Recognizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
