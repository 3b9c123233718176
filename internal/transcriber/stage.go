// Package transcriber drives the external recogniser over a job's chunks
// with retry, adaptive timeouts, hallucination filtering, and a process-wide
// result cache.
package transcriber

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echoscribe/internal/chunker"
	"github.com/MrWong99/echoscribe/internal/config"
	"github.com/MrWong99/echoscribe/internal/resilience"
	"github.com/MrWong99/echoscribe/pkg/audio"
	"github.com/MrWong99/echoscribe/pkg/provider/asr"
)

// retryTemperatures is the decoding temperature schedule across attempts.
// Attempt 0 decodes greedily; invalid output nudges the temperature up.
var retryTemperatures = []float64{0, 0.1, 0.2}

// TranscribedChunk is the recogniser's output for one chunk. A chunk whose
// retries are exhausted carries empty text and a populated Error; the job
// continues and the merger tolerates the gap.
type TranscribedChunk struct {
	ChunkID    string        `json:"chunk_id"`
	Index      int           `json:"index"`
	Text       string        `json:"text"`
	Language   string        `json:"language,omitempty"`
	Confidence float64       `json:"confidence"`
	Segments   []asr.Segment `json:"segments,omitempty"`
	FromCache  bool          `json:"from_cache,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Stage runs the transcription phase of the pipeline.
type Stage struct {
	cfg        config.TranscriberConfig
	rec        asr.Recognizer
	cache      *Cache
	backoff    resilience.Backoff
	log        *slog.Logger
	configHash string
}

// Option configures a [Stage].
type Option func(*Stage)

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(s *Stage) { s.log = log }
}

// WithBackoff overrides the retry backoff schedule. Intended for tests.
func WithBackoff(b resilience.Backoff) Option {
	return func(s *Stage) { s.backoff = b }
}

// New creates a transcriber stage. The cache is shared across jobs; pass the
// same instance to every stage.
func New(cfg config.TranscriberConfig, rec asr.Recognizer, cache *Cache, opts ...Option) *Stage {
	s := &Stage{
		cfg:     cfg,
		rec:     rec,
		cache:   cache,
		backoff: resilience.NewBackoff(time.Second, 30*time.Second),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.configHash = s.fingerprint()
	return s
}

// fingerprint hashes the recogniser-affecting configuration so cached results
// are only reused under identical settings.
func (s *Stage) fingerprint() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("lang=%s;retries=%d;repeats=%d",
		s.cfg.Language, s.cfg.MaxRetries, s.cfg.MaxWordRepeats)))
	return hex.EncodeToString(h[:])
}

// Run consumes chunks from in and emits one TranscribedChunk per chunk on
// out, using the configured number of workers. Output order follows
// completion, not chunk index. out is closed when all input is processed.
// The only error returned is ctx cancellation; per-chunk failures are
// embedded in their results.
func (s *Stage) Run(ctx context.Context, in <-chan chunker.Chunk, out chan<- TranscribedChunk) error {
	defer close(out)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < s.cfg.Workers; w++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case chunk, ok := <-in:
					if !ok {
						return nil
					}
					result := s.processChunk(gctx, chunk)
					select {
					case out <- result:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
		})
	}
	return g.Wait()
}

// processChunk runs the full per-chunk protocol: cache lookup, preflight,
// retry loop with temperature schedule, validation.
func (s *Stage) processChunk(ctx context.Context, chunk chunker.Chunk) TranscribedChunk {
	result := TranscribedChunk{ChunkID: chunk.ID, Index: chunk.Index}

	// Silent chunks carry no speech; skip the recogniser call entirely.
	if chunk.IsSilent {
		return result
	}

	samples := s.preflight(chunk)
	key := cacheKey(samples, s.configHash)
	if cached, ok := s.cache.Get(key); ok {
		cached.ChunkID = chunk.ID
		cached.Index = chunk.Index
		cached.FromCache = true
		return cached
	}

	timeout := s.attemptTimeout(chunk.Duration())
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			result.Error = ctx.Err().Error()
			return result
		}

		res, err := s.attempt(ctx, samples, timeout, attempt)
		if err == nil {
			err = validateText(res.Text, s.cfg.MaxWordRepeats)
			if err == nil {
				result.Text = res.Text
				result.Language = res.Language
				result.Confidence = res.Confidence
				result.Segments = res.Segments
				s.cache.Put(key, result)
				return result
			}
			// Invalid output: move straight to the next temperature.
			s.log.Debug("transcription rejected", "chunk", chunk.ID, "attempt", attempt, "err", err)
			lastErr = err
			continue
		}

		lastErr = err
		s.log.Warn("transcription attempt failed",
			"chunk", chunk.ID,
			"attempt", attempt,
			"err", err,
		)
		if attempt < s.cfg.MaxRetries {
			if werr := s.backoff.Wait(ctx, attempt); werr != nil {
				result.Error = werr.Error()
				return result
			}
		}
	}

	result.Error = fmt.Sprintf("transcriber: retries exhausted: %v", lastErr)
	return result
}

// attempt runs one recogniser call under the per-attempt deadline.
func (s *Stage) attempt(ctx context.Context, samples []float32, timeout time.Duration, attempt int) (*asr.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	temp := retryTemperatures[len(retryTemperatures)-1]
	if attempt < len(retryTemperatures) {
		temp = retryTemperatures[attempt]
	}
	return s.rec.Transcribe(ctx, samples, asr.Options{
		Language:       s.cfg.Language,
		Temperature:    temp,
		WordTimestamps: true,
	})
}

// preflight resamples the chunk to the recogniser rate and normalises
// clipped audio.
func (s *Stage) preflight(chunk chunker.Chunk) []float32 {
	samples := chunk.Samples
	if chunk.SampleRate != asr.SampleRate {
		samples = audio.Resample(samples, chunk.SampleRate, asr.SampleRate)
	}
	return audio.Normalize(samples)
}

// attemptTimeout derives the per-attempt deadline from the chunk duration:
// the configured wall-clock budget per minute of audio, clamped to the floor
// and ceiling. Mode none disables the deadline; mode custom scales it.
func (s *Stage) attemptTimeout(chunkSeconds float64) time.Duration {
	t := s.cfg.Timeout
	if t.Mode == config.TimeoutNone {
		return 0
	}
	secs := chunkSeconds / 60 * t.WallClockPerAudioMinuteSeconds
	if t.Mode == config.TimeoutCustom && t.CustomMultiplier > 0 {
		secs *= t.CustomMultiplier
	}
	d := time.Duration(secs * float64(time.Second))
	if d < t.Floor() {
		d = t.Floor()
	}
	if d > t.Ceiling() {
		d = t.Ceiling()
	}
	return d
}
