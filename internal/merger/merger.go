// Package merger fuses transcriber and diarizer outputs into a single
// speaker-attributed timeline and exports the final artifacts.
package merger

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/MrWong99/echoscribe/internal/chunker"
	"github.com/MrWong99/echoscribe/internal/config"
	"github.com/MrWong99/echoscribe/internal/diarizer"
	"github.com/MrWong99/echoscribe/internal/transcriber"
)

// UnknownSpeaker is the sentinel speaker id for text no diarizer turn claims.
const UnknownSpeaker = "unknown"

// MergedSegment is one entry of the final timeline. Timestamps are global and
// authoritative for the exported artifacts.
type MergedSegment struct {
	Index           int      `json:"index"`
	Speaker         string   `json:"speaker"`
	Start           float64  `json:"start"`
	End             float64  `json:"end"`
	Text            string   `json:"text"`
	Confidence      float64  `json:"confidence"`
	ChunkID         string   `json:"chunk_id"`
	IsOverlap       bool     `json:"is_overlap,omitempty"`
	OverlapSpeakers []string `json:"overlapping_speakers,omitempty"`
}

// Duration returns the segment length in seconds.
func (s MergedSegment) Duration() float64 { return s.End - s.Start }

// Stats summarises how the merge went.
type Stats struct {
	ChunkCount        int     `json:"chunk_count"`
	TranscribedChunks int     `json:"transcribed_chunks"`
	FailedChunks      int     `json:"failed_chunks"`
	SegmentCount      int     `json:"segment_count"`
	ProcessingSeconds float64 `json:"processing_seconds"`
}

// MergedTranscription is the final artifact for one job.
type MergedTranscription struct {
	SourcePath    string          `json:"source_path"`
	TotalDuration float64         `json:"total_duration"`
	Language      string          `json:"language,omitempty"`
	Speakers      []string        `json:"speakers"`
	Segments      []MergedSegment `json:"segments"`
	Stats         Stats           `json:"stats"`
}

// Text returns the full transcript text, segments joined by single spaces.
func (m *MergedTranscription) Text() string {
	parts := make([]string, 0, len(m.Segments))
	for _, s := range m.Segments {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, " ")
}

// candidate is a sub-segment in global coordinates before fusion.
type candidate struct {
	start, end float64
	text       string
	confidence float64
	chunkID    string
	chunkIndex int
}

// Merger implements the fusion algorithm. Given identical stage outputs it is
// deterministic: every ordering below is total.
type Merger struct {
	cfg   config.MergerConfig
	vocab *Vocabulary
	log   *slog.Logger
}

// Option configures a [Merger].
type Option func(*Merger)

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(m *Merger) { m.log = log }
}

// New creates a merger. A non-empty cfg.Vocabulary enables phonetic
// correction of recognised text against the configured terms.
func New(cfg config.MergerConfig, opts ...Option) *Merger {
	m := &Merger{cfg: cfg, log: slog.Default()}
	if len(cfg.Vocabulary) > 0 {
		m.vocab = NewVocabulary(cfg.Vocabulary)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Merge fuses the per-chunk stage outputs into one ordered timeline.
// Failed chunks contribute nothing; the merge succeeds on whatever survived.
func (m *Merger) Merge(
	sourcePath string,
	totalDuration float64,
	chunks []chunker.Chunk,
	transcribed []transcriber.TranscribedChunk,
	diarized []diarizer.DiarizedChunk,
) *MergedTranscription {
	out := &MergedTranscription{
		SourcePath:    sourcePath,
		TotalDuration: totalDuration,
		Stats:         Stats{ChunkCount: len(chunks)},
	}

	starts := make(map[string]chunker.Chunk, len(chunks))
	for _, c := range chunks {
		starts[c.ID] = c
	}

	// 1. Transcriber sub-segments, translated to global time.
	cands := m.collectCandidates(transcribed, starts, out)

	// 2. Diarizer turns are already global.
	var turns []diarizer.SpeakerTurn
	for _, dc := range diarized {
		turns = append(turns, dc.Turns...)
	}
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].Start < turns[j].Start })

	// 3–5. Assign speakers, clean text, drop short and low-confidence.
	segments := m.buildSegments(cands, turns)

	// 6. Merge adjacent same-speaker segments across small gaps.
	segments = m.mergeAdjacent(segments)

	// 7. Resolve residual overlaps.
	segments = m.resolveOverlaps(segments)

	// Capitalisation runs last so gap-merged text keeps a single
	// sentence-initial capital.
	for i := range segments {
		segments[i].Index = i
		segments[i].Text = capitalize(segments[i].Text)
	}
	out.Segments = segments
	out.Stats.SegmentCount = len(segments)
	out.Speakers = speakerSet(segments)
	return out
}

// collectCandidates flattens recogniser sub-segments into global time.
// Chunks with text but no sub-segments yield a single whole-chunk candidate.
func (m *Merger) collectCandidates(
	transcribed []transcriber.TranscribedChunk,
	chunks map[string]chunker.Chunk,
	out *MergedTranscription,
) []candidate {
	sorted := make([]transcriber.TranscribedChunk, len(transcribed))
	copy(sorted, transcribed)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var cands []candidate
	for _, tc := range sorted {
		if tc.Error != "" {
			out.Stats.FailedChunks++
			continue
		}
		if strings.TrimSpace(tc.Text) == "" && len(tc.Segments) == 0 {
			continue
		}
		out.Stats.TranscribedChunks++
		if out.Language == "" {
			out.Language = tc.Language
		}

		chunk, ok := chunks[tc.ChunkID]
		if !ok {
			m.log.Warn("transcribed chunk has no chunk record", "chunk", tc.ChunkID)
			continue
		}

		if len(tc.Segments) == 0 {
			cands = append(cands, candidate{
				start:      chunk.Start,
				end:        chunk.End,
				text:       tc.Text,
				confidence: tc.Confidence,
				chunkID:    tc.ChunkID,
				chunkIndex: tc.Index,
			})
			continue
		}
		for _, seg := range tc.Segments {
			cands = append(cands, candidate{
				start:      chunk.Start + seg.Start,
				end:        chunk.Start + seg.End,
				text:       seg.Text,
				confidence: tc.Confidence,
				chunkID:    tc.ChunkID,
				chunkIndex: tc.Index,
			})
		}
	}
	return cands
}

// buildSegments assigns a speaker to each candidate, cleans its text, and
// applies the duration and confidence floors.
func (m *Merger) buildSegments(cands []candidate, turns []diarizer.SpeakerTurn) []MergedSegment {
	var segments []MergedSegment
	for _, c := range cands {
		if c.end-c.start < m.cfg.MinSegmentSeconds {
			continue
		}
		if c.confidence < m.cfg.ConfidenceThreshold {
			continue
		}

		text := CleanText(c.text)
		if m.vocab != nil {
			text = m.vocab.Correct(text)
		}
		if text == "" {
			continue
		}

		segments = append(segments, MergedSegment{
			Speaker:    m.assignSpeaker(c, turns),
			Start:      c.start,
			End:        c.end,
			Text:       text,
			Confidence: c.confidence,
			ChunkID:    c.chunkID,
		})
	}

	sort.SliceStable(segments, func(i, j int) bool {
		if segments[i].Start != segments[j].Start {
			return segments[i].Start < segments[j].Start
		}
		return segments[i].End < segments[j].End
	})
	return segments
}

// assignSpeaker picks the turn with the greatest temporal overlap, provided
// it covers at least the configured ratio of the candidate's duration.
func (m *Merger) assignSpeaker(c candidate, turns []diarizer.SpeakerTurn) string {
	best := ""
	bestOverlap := 0.0
	for _, t := range turns {
		o := overlap(c.start, c.end, t.Start, t.End)
		// Strict > keeps the earliest turn on exact ties.
		if o > bestOverlap {
			bestOverlap = o
			best = t.Speaker
		}
	}
	if best == "" || bestOverlap < m.cfg.SpeakerOverlapRatio*(c.end-c.start) {
		return UnknownSpeaker
	}
	return best
}

// mergeAdjacent joins consecutive same-speaker segments whose gap is at most
// MaxGapSeconds, concatenating text with a single space.
func (m *Merger) mergeAdjacent(segments []MergedSegment) []MergedSegment {
	if len(segments) == 0 {
		return segments
	}
	out := segments[:1:1]
	for _, s := range segments[1:] {
		last := &out[len(out)-1]
		gap := s.Start - last.End
		if s.Speaker == last.Speaker && gap >= 0 && gap <= m.cfg.MaxGapSeconds {
			// Confidence of the union is the duration-weighted mean.
			d1, d2 := last.Duration(), s.Duration()
			if d1+d2 > 0 {
				last.Confidence = (last.Confidence*d1 + s.Confidence*d2) / (d1 + d2)
			}
			last.Text += " " + s.Text
			last.End = s.End
			continue
		}
		out = append(out, s)
	}
	return out
}

// resolveOverlaps enforces the timeline guarantee: overlaps beyond the
// threshold are flagged and split at the midpoint; smaller ones shift the
// later segment to start where the earlier ended.
func (m *Merger) resolveOverlaps(segments []MergedSegment) []MergedSegment {
	var out []MergedSegment
	for i := 0; i < len(segments); i++ {
		s := segments[i]
		if len(out) == 0 {
			out = append(out, s)
			continue
		}
		prev := &out[len(out)-1]
		over := prev.End - s.Start
		if over <= 0 {
			out = append(out, s)
			continue
		}

		if over > m.cfg.OverlapThresholdSeconds {
			mid := (s.Start + prev.End) / 2
			prev.IsOverlap = true
			prev.OverlapSpeakers = appendSpeaker(prev.OverlapSpeakers, s.Speaker)
			s.IsOverlap = true
			s.OverlapSpeakers = appendSpeaker(s.OverlapSpeakers, prev.Speaker)
			prev.End = mid
			s.Start = mid
		} else {
			s.Start = prev.End
		}
		if s.End > s.Start {
			out = append(out, s)
		}
	}
	return out
}

func appendSpeaker(list []string, speaker string) []string {
	for _, s := range list {
		if s == speaker {
			return list
		}
	}
	list = append(list, speaker)
	sort.Strings(list)
	return list
}

func speakerSet(segments []MergedSegment) []string {
	seen := make(map[string]bool)
	for _, s := range segments {
		seen[s.Speaker] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func overlap(aStart, aEnd, bStart, bEnd float64) float64 {
	lo := aStart
	if bStart > lo {
		lo = bStart
	}
	hi := aEnd
	if bEnd < hi {
		hi = bEnd
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}
