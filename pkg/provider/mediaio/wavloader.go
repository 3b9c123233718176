package mediaio

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/echoscribe/pkg/audio"
)

// Compile-time assertion that WAVLoader satisfies Loader.
var _ Loader = (*WAVLoader)(nil)

// WAVLoader decodes PCM WAV files using go-audio and downmixes to mono.
// Stateless and safe for concurrent use.
type WAVLoader struct{}

// NewWAVLoader returns the WAV-only loader.
func NewWAVLoader() *WAVLoader { return &WAVLoader{} }

// Load decodes the WAV file and resamples to targetSampleRate.
func (l *WAVLoader) Load(ctx context.Context, path string, targetSampleRate int) ([]float32, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".wav" && ext != ".wave" {
		return nil, 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, path)
	}

	samples, rate, err := audio.ReadWAV(path)
	if err != nil {
		return nil, 0, err
	}
	if targetSampleRate > 0 && rate != targetSampleRate {
		samples = audio.Resample(samples, rate, targetSampleRate)
		rate = targetSampleRate
	}
	return samples, rate, nil
}

// Duration reads the WAV header only.
func (l *WAVLoader) Duration(ctx context.Context, path string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".wav" && ext != ".wave" {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, path)
	}
	return audio.WAVDuration(path)
}
