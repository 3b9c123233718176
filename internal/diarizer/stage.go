// Package diarizer drives the external diarizer over a job's chunks and
// stitches chunk-local speaker labels into job-global speaker identities.
package diarizer

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echoscribe/internal/chunker"
	"github.com/MrWong99/echoscribe/internal/config"
	"github.com/MrWong99/echoscribe/internal/resilience"
	"github.com/MrWong99/echoscribe/pkg/audio"
	"github.com/MrWong99/echoscribe/pkg/provider/diarize"
	"github.com/MrWong99/echoscribe/pkg/provider/diarize/energy"
)

// maxRetries bounds diarizer retry attempts after the first call.
const maxRetries = 2

// SpeakerTurn is one speaker's contiguous interval in global time, after
// cross-chunk identity mapping.
type SpeakerTurn struct {
	Speaker    string  `json:"speaker"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// DiarizedChunk is the diarizer's output for one chunk: speaker turns in
// global coordinates with global speaker ids, plus the set of ids observed.
type DiarizedChunk struct {
	ChunkID  string        `json:"chunk_id"`
	Index    int           `json:"index"`
	Turns    []SpeakerTurn `json:"turns"`
	Speakers []string      `json:"speakers"`
	Error    string        `json:"error,omitempty"`
}

// localResult is a worker's per-chunk output before identity mapping.
type localResult struct {
	chunk      chunker.Chunk
	turns      []diarize.Turn
	embeddings map[int][]float32
	err        error
}

// Stage runs the diarization phase of the pipeline.
type Stage struct {
	cfg     config.DiarizerConfig
	dz      diarize.Diarizer
	backoff resilience.Backoff
	log     *slog.Logger
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

// New creates a diarizer stage.
func New(cfg config.DiarizerConfig, dz diarize.Diarizer, opts ...Option) *Stage {
	s := &Stage{
		cfg:     cfg,
		dz:      dz,
		backoff: resilience.NewBackoff(time.Second, 30*time.Second),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run consumes chunks from in and emits one DiarizedChunk per chunk on out.
// Workers diarize concurrently, but global speaker ids are assigned by a
// sequencer that applies tracker strictly in chunk-index order, so speaker
// minting is deterministic regardless of worker scheduling. Chunk indices
// arriving on in must be dense starting at 0.
//
// out is emitted in chunk-index order and closed when all input is processed.
func (s *Stage) Run(ctx context.Context, in <-chan chunker.Chunk, out chan<- DiarizedChunk, tracker *Tracker) error {
	defer close(out)

	locals := make(chan localResult, s.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)

	// Worker pool: external diarizer calls.
	workers, wctx := errgroup.WithContext(gctx)
	for w := 0; w < s.cfg.Workers; w++ {
		workers.Go(func() error {
			for {
				select {
				case <-wctx.Done():
					return wctx.Err()
				case chunk, ok := <-in:
					if !ok {
						return nil
					}
					res := s.processChunk(wctx, chunk)
					select {
					case locals <- res:
					case <-wctx.Done():
						return wctx.Err()
					}
				}
			}
		})
	}
	g.Go(func() error {
		defer close(locals)
		return workers.Wait()
	})

	// Sequencer: applies the identity tracker in chunk-index order.
	g.Go(func() error {
		pending := make(map[int]localResult)
		next := 0
		for res := range locals {
			pending[res.chunk.Index] = res
			for {
				cur, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				dc := s.finalize(cur, tracker)
				select {
				case out <- dc:
				case <-gctx.Done():
					return gctx.Err()
				}
				next++
			}
		}
		return nil
	})

	return g.Wait()
}

// processChunk invokes the diarizer with retry and filters the raw turns.
func (s *Stage) processChunk(ctx context.Context, chunk chunker.Chunk) localResult {
	res := localResult{chunk: chunk}
	if chunk.IsSilent {
		return res
	}

	samples := chunk.Samples
	if chunk.SampleRate != diarize.SampleRate {
		samples = audio.Resample(samples, chunk.SampleRate, diarize.SampleRate)
	}
	samples = audio.Normalize(samples)

	var turns []diarize.Turn
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		turns, err = s.dz.Diarize(ctx, samples)
		if err == nil {
			break
		}
		s.log.Warn("diarization attempt failed",
			"chunk", chunk.ID,
			"attempt", attempt,
			"err", err,
		)
		if attempt < maxRetries {
			if werr := s.backoff.Wait(ctx, attempt); werr != nil {
				res.err = werr
				return res
			}
		}
	}
	if err != nil {
		res.err = err
		return res
	}

	turns = s.filterTurns(turns)
	res.turns = turns
	res.embeddings = s.labelEmbeddings(turns, samples)
	return res
}

// filterTurns drops short and low-confidence turns, then keeps only the top-K
// local speakers by total speaking time when the chunk exceeds MaxSpeakers.
func (s *Stage) filterTurns(turns []diarize.Turn) []diarize.Turn {
	kept := turns[:0:0]
	speaking := make(map[int]float64)
	for _, t := range turns {
		if t.End-t.Start < s.cfg.MinSpeakerSeconds {
			continue
		}
		if t.Confidence < s.cfg.ConfidenceThreshold {
			continue
		}
		kept = append(kept, t)
		speaking[t.Label] += t.End - t.Start
	}

	if len(speaking) <= s.cfg.MaxSpeakers {
		return kept
	}

	labels := make([]int, 0, len(speaking))
	for l := range speaking {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		if speaking[labels[i]] != speaking[labels[j]] {
			return speaking[labels[i]] > speaking[labels[j]]
		}
		return labels[i] < labels[j]
	})
	top := make(map[int]bool, s.cfg.MaxSpeakers)
	for _, l := range labels[:s.cfg.MaxSpeakers] {
		top[l] = true
	}

	final := kept[:0]
	for _, t := range kept {
		if top[t.Label] {
			final = append(final, t)
		}
	}
	return final
}

// labelEmbeddings averages each local label's turn embeddings. Turns without
// a backend embedding fall back to a feature vector computed from the turn's
// own samples.
func (s *Stage) labelEmbeddings(turns []diarize.Turn, samples []float32) map[int][]float32 {
	sums := make(map[int][]float32)
	counts := make(map[int]int)
	for _, t := range turns {
		emb := t.Embedding
		if emb == nil {
			emb = fallbackEmbedding(t, samples)
		}
		if emb == nil {
			continue
		}
		if sums[t.Label] == nil {
			sums[t.Label] = make([]float32, len(emb))
		}
		if len(sums[t.Label]) != len(emb) {
			continue
		}
		for i, v := range emb {
			sums[t.Label][i] += v
		}
		counts[t.Label]++
	}
	for l, sum := range sums {
		for i := range sum {
			sum[i] /= float32(counts[l])
		}
	}
	return sums
}

// fallbackEmbedding derives a speaker feature vector from the turn's samples.
func fallbackEmbedding(t diarize.Turn, samples []float32) []float32 {
	lo := int(t.Start * diarize.SampleRate)
	hi := int(t.End * diarize.SampleRate)
	if hi > len(samples) {
		hi = len(samples)
	}
	if hi <= lo {
		return nil
	}
	return energy.Features(samples[lo:hi], diarize.SampleRate)
}

// finalize maps local labels to global speaker ids and translates turn times
// into global coordinates.
func (s *Stage) finalize(res localResult, tracker *Tracker) DiarizedChunk {
	dc := DiarizedChunk{ChunkID: res.chunk.ID, Index: res.chunk.Index}
	if res.err != nil {
		dc.Error = res.err.Error()
		return dc
	}
	if len(res.turns) == 0 {
		return dc
	}

	mapping := tracker.Map(res.embeddings)

	seen := make(map[string]bool)
	dc.Turns = make([]SpeakerTurn, 0, len(res.turns))
	for _, t := range res.turns {
		id, ok := mapping[t.Label]
		if !ok {
			continue
		}
		dc.Turns = append(dc.Turns, SpeakerTurn{
			Speaker:    id,
			Start:      res.chunk.Start + t.Start,
			End:        res.chunk.Start + t.End,
			Confidence: t.Confidence,
		})
		seen[id] = true
	}
	sort.Slice(dc.Turns, func(i, j int) bool { return dc.Turns[i].Start < dc.Turns[j].Start })

	dc.Speakers = make([]string, 0, len(seen))
	for id := range seen {
		dc.Speakers = append(dc.Speakers, id)
	}
	sort.Strings(dc.Speakers)
	return dc
}
