// Package diarize defines the Diarizer interface for speaker-separation
// backends.
//
// A diarizer receives a complete mono float32 chunk at 16 kHz and returns
// speaker turns with chunk-local labels. Labels carry no meaning beyond the
// single call: "who is speaker 0 in this chunk" is resolved across chunks by
// the diarizer stage's identity tracker, not by implementations.
//
// Implementations must be safe for concurrent use.
package diarize

import "context"

// SampleRate is the input sample rate every diarizer expects.
const SampleRate = 16000

// Turn is a contiguous interval attributed to one chunk-local speaker label.
type Turn struct {
	// Label is the chunk-local speaker label (0, 1, …). Labels are only
	// comparable within the same Diarize call.
	Label int `json:"label"`

	// Start and End are in seconds relative to the start of the chunk.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Confidence is the backend's confidence in the attribution, in [0, 1].
	Confidence float64 `json:"confidence"`

	// Embedding is an optional speaker-characteristic vector for this turn.
	// When nil, the identity tracker derives a fallback feature vector from
	// the raw samples.
	Embedding []float32 `json:"-"`
}

// Diarizer is the abstraction over any speaker-separation backend.
type Diarizer interface {
	Diarize(ctx context.Context, samples []float32) ([]Turn, error)
}
