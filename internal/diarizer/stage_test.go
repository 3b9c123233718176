package diarizer

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/echoscribe/internal/chunker"
	"github.com/MrWong99/echoscribe/internal/config"
	"github.com/MrWong99/echoscribe/internal/resilience"
	"github.com/MrWong99/echoscribe/pkg/provider/diarize"
	diarizemock "github.com/MrWong99/echoscribe/pkg/provider/diarize/mock"
)

func testConfig() config.DiarizerConfig {
	return config.DiarizerConfig{
		Workers:             2,
		MaxSpeakers:         8,
		MinSpeakerSeconds:   1,
		ConfidenceThreshold: 0.5,
		MatchThreshold:      0.7,
		EMAAlpha:            0.3,
	}
}

func toneChunk(id string, index int, start, seconds float64) chunker.Chunk {
	n := int(seconds * diarize.SampleRate)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.4 * float32(math.Sin(2*math.Pi*220*float64(i)/diarize.SampleRate))
	}
	return chunker.Chunk{
		Index:      index,
		ID:         id,
		Start:      start,
		End:        start + seconds,
		SampleRate: diarize.SampleRate,
		Samples:    samples,
	}
}

func runStage(t *testing.T, s *Stage, tracker *Tracker, chunks []chunker.Chunk) []DiarizedChunk {
	t.Helper()
	in := make(chan chunker.Chunk, len(chunks))
	out := make(chan DiarizedChunk, len(chunks))
	for _, c := range chunks {
		in <- c
	}
	close(in)

	if err := s.Run(context.Background(), in, out, tracker); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var results []DiarizedChunk
	for r := range out {
		results = append(results, r)
	}
	return results
}

func TestStageAssignsGlobalIdsAcrossChunks(t *testing.T) {
	// One synthetic speaker across two chunks: both chunks must report the
	// same global id.
	dz := &diarizemock.Diarizer{
		DiarizeFunc: func(ctx context.Context, samples []float32) ([]diarize.Turn, error) {
			return []diarize.Turn{
				{Label: 0, Start: 0.5, End: 4.5, Confidence: 0.9, Embedding: []float32{1, 0, 0}},
			}, nil
		},
	}
	s := New(testConfig(), dz, WithBackoff(resilience.NewBackoff(time.Millisecond, time.Millisecond)))
	tracker := NewTracker(0.7, 0.3)

	results := runStage(t, s, tracker, []chunker.Chunk{
		toneChunk("j_chunk_000", 0, 0, 5),
		toneChunk("j_chunk_001", 1, 4, 5),
	})

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Index != 0 || results[1].Index != 1 {
		t.Fatalf("results out of index order: %d, %d", results[0].Index, results[1].Index)
	}
	id0 := results[0].Turns[0].Speaker
	id1 := results[1].Turns[0].Speaker
	if id0 != id1 {
		t.Errorf("same voice got ids %q and %q across chunks", id0, id1)
	}

	// Turn times are translated into global coordinates.
	if got := results[1].Turns[0].Start; got != 4.5 {
		t.Errorf("second chunk turn starts at %.2f global, want 4.5", got)
	}
}

func TestStageDropsShortAndLowConfidenceTurns(t *testing.T) {
	dz := &diarizemock.Diarizer{
		DiarizeFunc: func(ctx context.Context, samples []float32) ([]diarize.Turn, error) {
			return []diarize.Turn{
				{Label: 0, Start: 0, End: 0.4, Confidence: 0.9, Embedding: []float32{1, 0}},  // too short
				{Label: 0, Start: 1, End: 3, Confidence: 0.2, Embedding: []float32{1, 0}},   // low confidence
				{Label: 0, Start: 3, End: 5, Confidence: 0.9, Embedding: []float32{1, 0}},   // kept
			}, nil
		},
	}
	s := New(testConfig(), dz)
	results := runStage(t, s, NewTracker(0.7, 0.3), []chunker.Chunk{toneChunk("j_chunk_000", 0, 0, 5)})

	if len(results[0].Turns) != 1 {
		t.Fatalf("got %d turns, want 1", len(results[0].Turns))
	}
	if got := results[0].Turns[0].Start; got != 3 {
		t.Errorf("surviving turn starts at %.2f, want 3", got)
	}
}

func TestStageTopKSpeakersBySpeakingTime(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSpeakers = 2
	dz := &diarizemock.Diarizer{
		DiarizeFunc: func(ctx context.Context, samples []float32) ([]diarize.Turn, error) {
			return []diarize.Turn{
				{Label: 0, Start: 0, End: 4, Confidence: 0.9, Embedding: []float32{1, 0, 0}},
				{Label: 1, Start: 4, End: 7, Confidence: 0.9, Embedding: []float32{0, 1, 0}},
				{Label: 2, Start: 7, End: 8.2, Confidence: 0.9, Embedding: []float32{0, 0, 1}},
			}, nil
		},
	}
	s := New(cfg, dz)
	results := runStage(t, s, NewTracker(0.7, 0.3), []chunker.Chunk{toneChunk("j_chunk_000", 0, 0, 9)})

	if len(results[0].Speakers) != 2 {
		t.Fatalf("kept %d speakers, want top 2", len(results[0].Speakers))
	}
	for _, turn := range results[0].Turns {
		if turn.Start >= 7 {
			t.Errorf("least-speaking label's turn survived: %+v", turn)
		}
	}
}

func TestStageSequencerOrdersManyChunks(t *testing.T) {
	dz := &diarizemock.Diarizer{
		DiarizeFunc: func(ctx context.Context, samples []float32) ([]diarize.Turn, error) {
			return []diarize.Turn{
				{Label: 0, Start: 0, End: 2, Confidence: 0.9, Embedding: []float32{1, 0}},
			}, nil
		},
	}
	s := New(testConfig(), dz)

	var chunks []chunker.Chunk
	for i := 0; i < 12; i++ {
		chunks = append(chunks, toneChunk("j", i, float64(i*4), 5))
	}
	results := runStage(t, s, NewTracker(0.7, 0.3), chunks)

	if len(results) != 12 {
		t.Fatalf("got %d results, want 12", len(results))
	}
	for i, r := range results {
		if r.Index != i {
			t.Errorf("result %d has index %d", i, r.Index)
		}
	}
}

func TestStageRetriesThenRecordsError(t *testing.T) {
	dz := &diarizemock.Diarizer{
		DiarizeFunc: func(ctx context.Context, samples []float32) ([]diarize.Turn, error) {
			return nil, errors.New("model not loaded")
		},
	}
	s := New(testConfig(), dz, WithBackoff(resilience.NewBackoff(time.Millisecond, time.Millisecond)))
	results := runStage(t, s, NewTracker(0.7, 0.3), []chunker.Chunk{toneChunk("j_chunk_000", 0, 0, 5)})

	if results[0].Error == "" {
		t.Error("chunk error not recorded")
	}
	if len(results[0].Turns) != 0 {
		t.Errorf("failed chunk has %d turns", len(results[0].Turns))
	}
	if dz.Calls() != 3 {
		t.Errorf("diarizer called %d times, want 3 (1 + 2 retries)", dz.Calls())
	}
}

func TestStageSkipsSilentChunks(t *testing.T) {
	dz := &diarizemock.Diarizer{}
	s := New(testConfig(), dz)

	chunk := toneChunk("j_chunk_000", 0, 0, 5)
	chunk.IsSilent = true
	results := runStage(t, s, NewTracker(0.7, 0.3), []chunker.Chunk{chunk})

	if dz.Calls() != 0 {
		t.Errorf("diarizer called %d times for a silent chunk", dz.Calls())
	}
	if len(results[0].Turns) != 0 {
		t.Errorf("silent chunk has %d turns", len(results[0].Turns))
	}
}

func TestFallbackEmbeddingWhenBackendOmitsThem(t *testing.T) {
	dz := &diarizemock.Diarizer{
		DiarizeFunc: func(ctx context.Context, samples []float32) ([]diarize.Turn, error) {
			// No embeddings: the stage must derive feature vectors itself.
			return []diarize.Turn{
				{Label: 0, Start: 0.5, End: 4, Confidence: 0.9},
			}, nil
		},
	}
	s := New(testConfig(), dz)
	tracker := NewTracker(0.7, 0.3)

	results := runStage(t, s, tracker, []chunker.Chunk{
		toneChunk("j_chunk_000", 0, 0, 5),
		toneChunk("j_chunk_001", 1, 4, 5),
	})

	// Identical tone in both chunks: the fallback features must still map
	// them to one speaker.
	if results[0].Turns[0].Speaker != results[1].Turns[0].Speaker {
		t.Errorf("fallback embeddings split one voice into %q and %q",
			results[0].Turns[0].Speaker, results[1].Turns[0].Speaker)
	}
	if len(tracker.Speakers()) != 1 {
		t.Errorf("minted %d speakers, want 1", len(tracker.Speakers()))
	}
}
