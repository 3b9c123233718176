// Package whisper implements the [asr.Recognizer] interface on top of the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a) and
// headers (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The loaded model is a process-wide resource: it is initialised lazily on
// the first Transcribe call under a lock, shared by every concurrent caller
// afterwards, and released only on Close. The lock is never held across an
// inference call — each call builds its own whisper context from the shared
// model.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/echoscribe/pkg/provider/asr"
)

const defaultLanguage = "en"

// Compile-time assertion that Recognizer satisfies asr.Recognizer.
var _ asr.Recognizer = (*Recognizer)(nil)

// Option is a functional option for configuring a [Recognizer].
type Option func(*Recognizer)

// WithLanguage sets the default language code used when a call does not carry
// its own hint. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(r *Recognizer) { r.language = lang }
}

// Recognizer drives a local whisper.cpp model. Safe for concurrent use; each
// Transcribe call creates its own whisper context.
type Recognizer struct {
	modelPath string
	language  string

	mu     sync.Mutex // guards model load/teardown only
	model  whisperlib.Model
	closed bool
}

// New creates a Recognizer for the model file at modelPath. The model is not
// loaded until the first Transcribe call, so construction is cheap and cannot
// fail on missing model weights. The caller must call Close when done.
func New(modelPath string, opts ...Option) (*Recognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	r := &Recognizer{
		modelPath: modelPath,
		language:  defaultLanguage,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Close releases the model if it was loaded. Subsequent Transcribe calls fail.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.model != nil {
		err := r.model.Close()
		r.model = nil
		return err
	}
	return nil
}

// ensureModel loads the whisper model on first use. The lock protects only
// the load itself; inference runs outside it.
func (r *Recognizer) ensureModel() (whisperlib.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("whisper: recognizer is closed")
	}
	if r.model == nil {
		model, err := whisperlib.New(r.modelPath)
		if err != nil {
			return nil, fmt.Errorf("whisper: load model %q: %w", r.modelPath, err)
		}
		r.model = model
	}
	return r.model, nil
}

// Transcribe runs whisper.cpp inference on the chunk. The inference itself is
// a blocking CGO call; it runs in its own goroutine so that ctx expiry
// abandons the attempt without waiting for the native code to finish.
func (r *Recognizer) Transcribe(ctx context.Context, samples []float32, opts asr.Options) (*asr.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	model, err := r.ensureModel()
	if err != nil {
		return nil, err
	}

	type outcome struct {
		result *asr.Result
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		res, err := infer(model, samples, r.language, opts)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("whisper: inference abandoned: %w", ctx.Err())
	case out := <-ch:
		return out.result, out.err
	}
}

// infer creates a fresh whisper context (contexts are not thread-safe, the
// model is) and decodes the chunk.
func infer(model whisperlib.Model, samples []float32, defaultLang string, opts asr.Options) (*asr.Result, error) {
	wctx, err := model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = defaultLang
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return nil, fmt.Errorf("whisper: set language %q: %w", lang, err)
	}
	wctx.SetTemperature(float32(opts.Temperature))
	if opts.WordTimestamps {
		wctx.SetTokenTimestamps(true)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	result := &asr.Result{Language: lang}
	var parts []string
	var logProbSum float64
	var tokenCount int

	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}

		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		result.Segments = append(result.Segments, asr.Segment{
			Start: segment.Start.Seconds(),
			End:   segment.End.Seconds(),
			Text:  text,
		})
		for _, tok := range segment.Tokens {
			if tok.P > 0 {
				logProbSum += math.Log(float64(tok.P))
				tokenCount++
			}
		}
	}

	result.Text = strings.Join(parts, " ")
	if tokenCount > 0 {
		result.Confidence = logProbSum / float64(tokenCount)
	}
	return result, nil
}
