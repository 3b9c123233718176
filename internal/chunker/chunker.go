// Package chunker splits decoded audio into overlapping fixed-length windows
// whose boundaries snap to natural silences when one is near.
package chunker

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/MrWong99/echoscribe/internal/config"
	"github.com/MrWong99/echoscribe/pkg/audio"
)

const (
	// frameSeconds is the RMS analysis frame length for silence detection.
	frameSeconds = 0.030

	// snapRadiusSeconds is how far a nominal cut point may move to reach the
	// midpoint of a silent interval.
	snapRadiusSeconds = 2.0

	// silentChunkScore flags a chunk as silent when this fraction of its
	// frames falls below the silence threshold.
	silentChunkScore = 0.8
)

// Chunk is one overlapping window of a job's audio. Immutable after creation.
type Chunk struct {
	Index        int     `json:"index"`
	ID           string  `json:"id"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	SampleRate   int     `json:"sample_rate"`
	SilenceScore float64 `json:"silence_score"`
	IsSilent     bool    `json:"is_silent"`

	// Samples is the mono PCM payload; excluded from metadata exports.
	Samples []float32 `json:"-"`
}

// Duration returns the chunk length in seconds.
func (c Chunk) Duration() float64 { return c.End - c.Start }

// silence is a contiguous run of silent frames, in seconds.
type silence struct {
	start, end float64
}

func (s silence) midpoint() float64 { return (s.start + s.end) / 2 }

// Chunker produces silence-aligned overlapping windows.
type Chunker struct {
	cfg config.ChunkerConfig
	log *slog.Logger
}

// Option configures a [Chunker].
type Option func(*Chunker)

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(c *Chunker) { c.log = log }
}

// New creates a chunker with the given windowing parameters.
func New(cfg config.ChunkerConfig, opts ...Option) *Chunker {
	c := &Chunker{cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Split divides the signal into overlapping windows. Chunk ids derive from
// jobID and the dense chunk index. Unusable audio (empty, all-zero, NaN/Inf,
// or shorter than one second) returns [audio.ErrUnusableAudio].
func (c *Chunker) Split(jobID string, samples []float32, sampleRate int) ([]Chunk, error) {
	if err := audio.Validate(samples, sampleRate); err != nil {
		return nil, err
	}

	duration := audio.Duration(samples, sampleRate)
	silentFrames := c.classifyFrames(samples, sampleRate)

	// Audio that fits a single window is one chunk covering [0, duration].
	if duration <= c.cfg.WindowSeconds {
		chunk := c.buildChunk(jobID, 0, 0, duration, samples, sampleRate, silentFrames)
		return []Chunk{chunk}, nil
	}

	silences := c.coalesceSilences(silentFrames)
	cuts := c.cutPoints(duration, silences)

	chunks := make([]Chunk, 0, len(cuts))
	for i := 0; i < len(cuts); i++ {
		start := cuts[i]
		var end float64
		if i+1 < len(cuts) {
			end = math.Min(cuts[i+1]+c.cfg.OverlapSeconds, duration)
		} else {
			end = duration
		}
		if end-start < frameSeconds {
			continue
		}
		chunks = append(chunks, c.buildChunk(jobID, len(chunks), start, end, samples, sampleRate, silentFrames))
	}

	c.log.Debug("audio chunked",
		"job_id", jobID,
		"duration", duration,
		"chunks", len(chunks),
		"silences", len(silences),
	)
	return chunks, nil
}

// classifyFrames marks each analysis frame silent or voiced by RMS level.
func (c *Chunker) classifyFrames(samples []float32, sampleRate int) []bool {
	frameLen := int(frameSeconds * float64(sampleRate))
	if frameLen < 1 {
		frameLen = 1
	}
	n := len(samples) / frameLen
	silent := make([]bool, n)
	for i := 0; i < n; i++ {
		frame := samples[i*frameLen : (i+1)*frameLen]
		silent[i] = audio.RMSdB(frame) < c.cfg.SilenceThresholdDB
	}
	return silent
}

// coalesceSilences merges consecutive silent frames into intervals and drops
// those shorter than the configured minimum.
func (c *Chunker) coalesceSilences(silentFrames []bool) []silence {
	var out []silence
	runStart := -1
	for i, s := range silentFrames {
		switch {
		case s && runStart < 0:
			runStart = i
		case !s && runStart >= 0:
			out = c.appendSilence(out, runStart, i)
			runStart = -1
		}
	}
	if runStart >= 0 {
		out = c.appendSilence(out, runStart, len(silentFrames))
	}
	return out
}

func (c *Chunker) appendSilence(out []silence, startFrame, endFrame int) []silence {
	s := silence{
		start: float64(startFrame) * frameSeconds,
		end:   float64(endFrame) * frameSeconds,
	}
	if s.end-s.start < c.cfg.MinSilenceSeconds {
		return out
	}
	return append(out, s)
}

// cutPoints generates nominal cut points every window−overlap seconds and
// snaps each to the nearest silence midpoint within the snap radius.
func (c *Chunker) cutPoints(duration float64, silences []silence) []float64 {
	step := c.cfg.WindowSeconds - c.cfg.OverlapSeconds
	cuts := []float64{0}
	for t := step; t < duration-c.cfg.OverlapSeconds; t += step {
		cut := t
		best := math.Inf(1)
		for _, s := range silences {
			mid := s.midpoint()
			if d := math.Abs(mid - t); d <= snapRadiusSeconds && d < best {
				best = d
				cut = mid
			}
		}
		// Snapping must not move a cut behind its predecessor.
		if cut > cuts[len(cuts)-1] {
			cuts = append(cuts, cut)
		}
	}
	return cuts
}

// buildChunk copies the sample window and computes its silence score.
func (c *Chunker) buildChunk(jobID string, index int, start, end float64, samples []float32, sampleRate int, silentFrames []bool) Chunk {
	lo := int(start * float64(sampleRate))
	hi := int(end * float64(sampleRate))
	if hi > len(samples) {
		hi = len(samples)
	}
	window := make([]float32, hi-lo)
	copy(window, samples[lo:hi])

	score := silenceScore(silentFrames, start, end)
	return Chunk{
		Index:        index,
		ID:           fmt.Sprintf("%s_chunk_%03d", jobID, index),
		Start:        start,
		End:          end,
		SampleRate:   sampleRate,
		SilenceScore: score,
		IsSilent:     score > silentChunkScore,
		Samples:      window,
	}
}

// silenceScore is the fraction of silent frames inside [start, end].
func silenceScore(silentFrames []bool, start, end float64) float64 {
	lo := int(start / frameSeconds)
	hi := int(end / frameSeconds)
	if hi > len(silentFrames) {
		hi = len(silentFrames)
	}
	if hi <= lo {
		return 0
	}
	n := 0
	for _, s := range silentFrames[lo:hi] {
		if s {
			n++
		}
	}
	return float64(n) / float64(hi-lo)
}
