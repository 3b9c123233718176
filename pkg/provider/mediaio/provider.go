// Package mediaio defines the Loader interface for audio decoding backends.
//
// A loader turns a media file on disk into mono float32 samples at a
// requested sample rate. The in-tree implementation handles WAV; ffmpeg-style
// decoders for compressed formats plug in behind the same contract.
package mediaio

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupportedFormat is returned when the loader does not recognise the
// file's container or codec.
var ErrUnsupportedFormat = errors.New("mediaio: unsupported format")

// Loader decodes a media file into mono float32 samples.
type Loader interface {
	// Load decodes the file at path and resamples the result to
	// targetSampleRate when the native rate differs. It must return an error
	// for unreadable files or unsupported formats.
	Load(ctx context.Context, path string, targetSampleRate int) (samples []float32, sampleRate int, err error)

	// Duration reads the audio duration without decoding the payload. Used at
	// submit time for resource estimation, so it must be cheap.
	Duration(ctx context.Context, path string) (time.Duration, error)
}
