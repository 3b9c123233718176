// Package mock provides a scriptable [diarize.Diarizer] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/echoscribe/pkg/provider/diarize"
)

// Compile-time assertion that Diarizer satisfies diarize.Diarizer.
var _ diarize.Diarizer = (*Diarizer)(nil)

// Diarizer is a test double. Set DiarizeFunc to script behaviour; when nil,
// Diarize returns no turns. Safe for concurrent use.
type Diarizer struct {
	// DiarizeFunc is invoked for every Diarize call when non-nil.
	DiarizeFunc func(ctx context.Context, samples []float32) ([]diarize.Turn, error)

	mu    sync.Mutex
	calls int
}

// Diarize records the call and delegates to DiarizeFunc.
func (m *Diarizer) Diarize(ctx context.Context, samples []float32) ([]diarize.Turn, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.DiarizeFunc != nil {
		return m.DiarizeFunc(ctx, samples)
	}
	return nil, nil
}

// Calls returns the number of Diarize invocations so far.
func (m *Diarizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
