// Package mock provides a scriptable [mediaio.Loader] for tests.
package mock

import (
	"context"
	"time"

	"github.com/MrWong99/echoscribe/pkg/provider/mediaio"
)

// Compile-time assertion that Loader satisfies mediaio.Loader.
var _ mediaio.Loader = (*Loader)(nil)

// Loader is a test double. Set LoadFunc and DurationFunc to script behaviour;
// when nil, the methods return [mediaio.ErrUnsupportedFormat].
type Loader struct {
	LoadFunc     func(ctx context.Context, path string, targetSampleRate int) ([]float32, int, error)
	DurationFunc func(ctx context.Context, path string) (time.Duration, error)
}

// Load delegates to LoadFunc.
func (m *Loader) Load(ctx context.Context, path string, targetSampleRate int) ([]float32, int, error) {
	if m.LoadFunc != nil {
		return m.LoadFunc(ctx, path, targetSampleRate)
	}
	return nil, 0, mediaio.ErrUnsupportedFormat
}

// Duration delegates to DurationFunc.
func (m *Loader) Duration(ctx context.Context, path string) (time.Duration, error) {
	if m.DurationFunc != nil {
		return m.DurationFunc(ctx, path)
	}
	return 0, mediaio.ErrUnsupportedFormat
}
