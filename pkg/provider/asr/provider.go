// Package asr defines the Recognizer interface for speech-to-text backends.
//
// A recognizer wraps a speech recognition engine (a local whisper.cpp model,
// the OpenAI transcription API, or a test mock) behind a single blocking call
// contract: hand it a complete mono float32 chunk at 16 kHz and receive text
// with recognizer-native sub-segments. Retry, caching, and timeout policy
// live in the transcriber stage, not in implementations.
//
// Implementations must be safe for concurrent use — the transcriber stage
// invokes Transcribe from multiple worker goroutines.
package asr

import "context"

// SampleRate is the input sample rate every recognizer expects. The
// transcriber stage resamples chunks to this rate before calling Transcribe.
const SampleRate = 16000

// Options carries per-call decoding parameters.
type Options struct {
	// Language is a hint for the recognizer (ISO 639-1, e.g. "en").
	// Empty lets the recognizer auto-detect, if supported.
	Language string

	// Temperature is the decoding temperature. 0 is deterministic; the
	// transcriber stage raises it slightly on retries after invalid output.
	Temperature float64

	// WordTimestamps requests per-word timing where the backend supports it.
	WordTimestamps bool
}

// Segment is a recognizer-native sub-segment with timestamps relative to the
// start of the submitted chunk, in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the outcome of a single Transcribe call.
type Result struct {
	// Text is the full transcribed text of the chunk.
	Text string `json:"text"`

	// Language is the detected or confirmed language code.
	Language string `json:"language"`

	// Confidence is the mean log-probability of the decoded tokens, in
	// (-inf, 0]. Backends that do not report it use 0.
	Confidence float64 `json:"confidence"`

	// Segments lists sub-segments in chunk-local time, ordered by start.
	Segments []Segment `json:"segments"`
}

// Recognizer is the abstraction over any speech-to-text backend.
//
// Transcribe must either return a Result or an error; it must respect ctx
// cancellation and deadline. samples are mono float32 at [SampleRate].
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32, opts Options) (*Result, error)
}
