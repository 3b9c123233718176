package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/echoscribe/internal/config"
	"github.com/MrWong99/echoscribe/internal/governor"
	"github.com/MrWong99/echoscribe/internal/job"
	"github.com/MrWong99/echoscribe/internal/merger"
	"github.com/MrWong99/echoscribe/pkg/provider/asr"
	asrmock "github.com/MrWong99/echoscribe/pkg/provider/asr/mock"
	"github.com/MrWong99/echoscribe/pkg/provider/diarize"
	diarizemock "github.com/MrWong99/echoscribe/pkg/provider/diarize/mock"
	mediamock "github.com/MrWong99/echoscribe/pkg/provider/mediaio/mock"
)

func testEstimateConfig() config.EstimateConfig {
	return config.EstimateConfig{
		LongThresholdMinutes: 60,
		LongCoefficient:      0.3,
		LongBaseGB:           10,
		ShortCoefficient:     0.15,
		ShortBaseGB:          6,
	}
}

func TestEstimateMemoryGB(t *testing.T) {
	cfg := testEstimateConfig()
	cases := []struct {
		audio time.Duration
		want  float64
	}{
		{30 * time.Minute, 0.5*0.15 + 6},
		{60 * time.Minute, 1*0.15 + 6}, // exactly at the threshold stays short
		{2 * time.Hour, 2*0.3 + 10},
		{10 * time.Second, (10.0/3600)*0.15 + 6},
	}
	for _, tc := range cases {
		if got := EstimateMemoryGB(cfg, tc.audio); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("EstimateMemoryGB(%v) = %v, want %v", tc.audio, got, tc.want)
		}
	}
}

func TestJobDeadline(t *testing.T) {
	cases := []struct {
		name  string
		cfg   config.TimeoutConfig
		audio time.Duration
		want  time.Duration
	}{
		{"none disables", config.TimeoutConfig{Mode: config.TimeoutNone}, time.Hour, 0},
		{"multiplier doubles", config.TimeoutConfig{Mode: config.TimeoutMultiplier}, 10 * time.Minute, 20 * time.Minute},
		{"custom factor", config.TimeoutConfig{Mode: config.TimeoutCustom, CustomMultiplier: 3}, 10 * time.Minute, 30 * time.Minute},
		{"floor for short audio", config.TimeoutConfig{Mode: config.TimeoutMultiplier}, 30 * time.Second, 5 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := jobDeadline(tc.cfg, tc.audio); got != tc.want {
				t.Errorf("jobDeadline = %v, want %v", got, tc.want)
			}
		})
	}
}

// tone returns seconds of a 220 Hz tone at 16 kHz with the given amplitude.
func tone(seconds, amplitude float64) []float32 {
	n := int(seconds * asr.SampleRate)
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*220*float64(i)/asr.SampleRate))
	}
	return out
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := *config.Default()
	cfg.Governor.MaxMemoryGB = 16
	cfg.Governor.MaxConcurrentJobs = 2
	cfg.Governor.SampleIntervalSeconds = 0.05
	cfg.Transcriber.Workers = 1
	cfg.Transcriber.MaxRetries = 0
	cfg.Transcriber.Timeout.Mode = config.TimeoutNone
	cfg.Diarizer.Workers = 1
	return cfg
}

type testHarness struct {
	orch   *Orchestrator
	loader *mediamock.Loader
	rec    *asrmock.Recognizer
	dz     *diarizemock.Diarizer
	source string
	outDir string
}

func newHarness(t *testing.T, cfg config.Config, seconds, amplitude float64) *testHarness {
	t.Helper()
	dir := t.TempDir()
	source := filepath.Join(dir, "meeting.wav")
	if err := os.WriteFile(source, []byte("placeholder"), 0o644); err != nil {
		t.Fatal(err)
	}

	h := &testHarness{
		loader: &mediamock.Loader{
			DurationFunc: func(ctx context.Context, path string) (time.Duration, error) {
				return time.Duration(seconds * float64(time.Second)), nil
			},
			LoadFunc: func(ctx context.Context, path string, rate int) ([]float32, int, error) {
				return tone(seconds, amplitude), asr.SampleRate, nil
			},
		},
		rec:    &asrmock.Recognizer{},
		dz:     &diarizemock.Diarizer{},
		source: source,
		outDir: filepath.Join(dir, "out"),
	}

	gov := governor.New(cfg.Governor, governor.WithSampler(func() (float64, float64, error) {
		return 1, 10, nil
	}))
	h.orch = New(cfg, Providers{
		Loader:     h.loader,
		Recognizer: h.rec,
		Diarizer:   h.dz,
	}, WithGovernor(gov))
	return h
}

func waitTerminal(t *testing.T, o *Orchestrator, id string) job.Snapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := o.Status(id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state in time")
	return job.Snapshot{}
}

func TestSubmitRejectsMissingFile(t *testing.T) {
	h := newHarness(t, testConfig(t), 12, 0.4)
	if _, err := h.orch.Submit(context.Background(), "/nonexistent/audio.wav", "", job.PriorityNormal); err == nil {
		t.Error("missing file accepted")
	}
}

func TestSubmitRejectsOversizedJob(t *testing.T) {
	cfg := testConfig(t)
	cfg.Governor.MaxMemoryGB = 4 // below the 6 GB short-audio base
	h := newHarness(t, cfg, 12, 0.4)

	_, err := h.orch.Submit(context.Background(), h.source, h.outDir, job.PriorityNormal)
	if !errors.Is(err, governor.ErrInsufficientCapacity) {
		t.Errorf("err = %v, want ErrInsufficientCapacity", err)
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	h := newHarness(t, testConfig(t), 12, 0.4)
	h.rec.TranscribeFunc = func(ctx context.Context, samples []float32, opts asr.Options) (*asr.Result, error) {
		return &asr.Result{
			Text:     "hello there general greetings",
			Language: "en",
			Segments: []asr.Segment{
				{Start: 0, End: 5, Text: "hello there"},
				{Start: 6, End: 11, Text: "general greetings"},
			},
		}, nil
	}
	h.dz.DiarizeFunc = func(ctx context.Context, samples []float32) ([]diarize.Turn, error) {
		return []diarize.Turn{
			{Label: 0, Start: 0, End: 5.5, Confidence: 0.9, Embedding: []float32{1, 0}},
			{Label: 1, Start: 5.5, End: 12, Confidence: 0.9, Embedding: []float32{0, 1}},
		}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.orch.Run(ctx)
		close(done)
	}()

	snap, err := h.orch.Submit(ctx, h.source, h.outDir, job.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitTerminal(t, h.orch, snap.ID)
	if final.State != job.StateCompleted {
		t.Fatalf("state = %s (err %q), want completed", final.State, final.Error)
	}
	if final.Progress.Percent != 100 {
		t.Errorf("final progress = %.0f, want 100", final.Progress.Percent)
	}

	// All artifacts present.
	for _, name := range []string{
		"chunks_metadata.json",
		"whisper_results.json",
		"diarization_results.json",
		"final_transcription.json",
		"transcription.srt",
	} {
		if _, err := os.Stat(filepath.Join(h.outDir, name)); err != nil {
			t.Errorf("artifact %s: %v", name, err)
		}
	}
	wavs, err := filepath.Glob(filepath.Join(h.outDir, "chunks", "*.wav"))
	if err != nil || len(wavs) == 0 {
		t.Errorf("no chunk WAVs written: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(h.outDir, "final_transcription.json"))
	if err != nil {
		t.Fatal(err)
	}
	var result merger.MergedTranscription
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("final transcription is not valid JSON: %v", err)
	}
	if len(result.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(result.Segments))
	}
	if result.Segments[0].Speaker == result.Segments[1].Speaker {
		t.Error("both segments attributed to one speaker")
	}
	if result.Language != "en" {
		t.Errorf("language = %q, want en", result.Language)
	}

	cancel()
	<-done
}

func TestPipelineFailureLeavesPartialArtifacts(t *testing.T) {
	h := newHarness(t, testConfig(t), 12, 0.4)
	h.rec.TranscribeFunc = func(ctx context.Context, samples []float32, opts asr.Options) (*asr.Result, error) {
		return nil, errors.New("model exploded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.orch.Run(ctx)

	snap, err := h.orch.Submit(ctx, h.source, h.outDir, job.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitTerminal(t, h.orch, snap.ID)
	if final.State != job.StateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	if final.Error == "" {
		t.Error("failed job has no error recorded")
	}

	// Chunk and stage artifacts survive the failure.
	for _, name := range []string{"chunks_metadata.json", "whisper_results.json"} {
		if _, err := os.Stat(filepath.Join(h.outDir, name)); err != nil {
			t.Errorf("partial artifact %s: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(h.outDir, "final_transcription.json")); err == nil {
		t.Error("final transcription written for a failed job")
	}
}

func TestAllSilentAudioCompletesEmpty(t *testing.T) {
	// Near-silent tone: classified silent everywhere, but still valid audio.
	h := newHarness(t, testConfig(t), 12, 1e-5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.orch.Run(ctx)

	snap, err := h.orch.Submit(ctx, h.source, h.outDir, job.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	final := waitTerminal(t, h.orch, snap.ID)
	if final.State != job.StateCompleted {
		t.Fatalf("state = %s (err %q), want completed", final.State, final.Error)
	}
	if h.rec.Calls() != 0 {
		t.Errorf("recognizer called %d times for silent audio", h.rec.Calls())
	}

	data, err := os.ReadFile(filepath.Join(h.outDir, "final_transcription.json"))
	if err != nil {
		t.Fatal(err)
	}
	var result merger.MergedTranscription
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Segments) != 0 {
		t.Errorf("silent audio produced %d segments", len(result.Segments))
	}
}

func TestCancelQueuedJob(t *testing.T) {
	// Without Run the dispatch loop never drains the queue.
	h := newHarness(t, testConfig(t), 12, 0.4)

	snap, err := h.orch.Submit(context.Background(), h.source, h.outDir, job.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := h.orch.Cancel(snap.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := h.orch.Status(snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateCancelled {
		t.Errorf("state = %s, want cancelled", got.State)
	}

	// A second cancel is an error.
	if err := h.orch.Cancel(snap.ID); err == nil {
		t.Error("cancelling a terminal job succeeded")
	}
}

func TestCancelRunningJob(t *testing.T) {
	h := newHarness(t, testConfig(t), 12, 0.4)
	started := make(chan struct{})
	var once bool
	h.rec.TranscribeFunc = func(ctx context.Context, samples []float32, opts asr.Options) (*asr.Result, error) {
		if !once {
			once = true
			close(started)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.orch.Run(ctx)

	snap, err := h.orch.Submit(ctx, h.source, h.outDir, job.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started transcribing")
	}
	if err := h.orch.Cancel(snap.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	final := waitTerminal(t, h.orch, snap.ID)
	if final.State != job.StateCancelled {
		t.Errorf("state = %s, want cancelled", final.State)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	h := newHarness(t, testConfig(t), 12, 0.4)
	if err := h.orch.Cancel("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("err = %v, want ErrUnknownJob", err)
	}
}

func TestSystemStatusCountsHistory(t *testing.T) {
	h := newHarness(t, testConfig(t), 12, 0.4)
	h.rec.TranscribeFunc = func(ctx context.Context, samples []float32, opts asr.Options) (*asr.Result, error) {
		return &asr.Result{Text: "short meeting", Language: "en"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.orch.Run(ctx)

	snap, err := h.orch.Submit(ctx, h.source, h.outDir, job.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, h.orch, snap.ID)

	st := h.orch.SystemStatus()
	if st.HistorySize != 1 {
		t.Errorf("history size = %d, want 1", st.HistorySize)
	}
	if st.QueuedJobs != 0 {
		t.Errorf("queued = %d, want 0", st.QueuedJobs)
	}
	if len(st.RunningJobs) != 0 {
		t.Errorf("running = %d, want 0", len(st.RunningJobs))
	}
}

func TestEvictHistoryRespectsLimitAndTTL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Jobs.HistoryLimit = 1
	h := newHarness(t, cfg, 12, 0.4)

	// Two terminal jobs injected directly.
	old := job.New("old", h.source, h.outDir, job.PriorityNormal)
	old.SetState(job.StateCompleted)
	time.Sleep(2 * time.Millisecond)
	recent := job.New("recent", h.source, h.outDir, job.PriorityNormal)
	recent.SetState(job.StateCompleted)
	h.orch.mu.Lock()
	h.orch.jobs["old"] = old
	h.orch.jobs["recent"] = recent
	h.orch.mu.Unlock()

	if n := h.orch.evictHistory(time.Time{}); n != 1 {
		t.Errorf("evicted %d jobs over the limit, want 1", n)
	}
	if _, err := h.orch.Status("old"); !errors.Is(err, ErrUnknownJob) {
		t.Error("oldest job survived limit eviction")
	}
	if _, err := h.orch.Status("recent"); err != nil {
		t.Errorf("newest job evicted: %v", err)
	}

	// TTL cutoff in the future evicts the remainder.
	if n := h.orch.evictHistory(time.Now().Add(time.Hour)); n != 1 {
		t.Errorf("evicted %d jobs past TTL, want 1", n)
	}
}

func TestApplyConfigSwapsTunablesAndLimits(t *testing.T) {
	h := newHarness(t, testConfig(t), 12, 0.4)
	orch := h.orch

	before, beforeDiar := orch.tunables()

	next := testConfig(t)
	next.Governor.MaxMemoryGB = 64
	next.Merger.Vocabulary = []string{"kubernetes"}
	next.Diarizer.MatchThreshold = 0.9
	orch.ApplyConfig(&next)

	if err := orch.Governor().CanEverRun(40); err != nil {
		t.Fatalf("40 GB rejected after raising the ceiling: %v", err)
	}
	after, afterDiar := orch.tunables()
	if after == before {
		t.Error("merger not rebuilt on reload")
	}
	if afterDiar.MatchThreshold != 0.9 || beforeDiar.MatchThreshold == 0.9 {
		t.Errorf("diarizer match threshold = %v, want 0.9", afterDiar.MatchThreshold)
	}
}

func TestExpireQueuedFailsStaleJobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Jobs.QueueTimeoutMinutes = 5
	h := newHarness(t, cfg, 12, 0.4)

	// The engine is not running, so the job sits in the queue.
	snap, err := h.orch.Submit(context.Background(), h.source, h.outDir, job.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Within the timeout nothing happens.
	h.orch.expireQueued(time.Now())
	if got, _ := h.orch.Status(snap.ID); got.State != job.StatePending {
		t.Fatalf("job state = %s before the timeout, want pending", got.State)
	}

	h.orch.expireQueued(time.Now().Add(10 * time.Minute))
	got, err := h.orch.Status(snap.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.State != job.StateFailed {
		t.Errorf("job state = %s after the timeout, want failed", got.State)
	}
	if got.Error == "" {
		t.Error("expired job carries no error")
	}
	if n := h.orch.SystemStatus().QueuedJobs; n != 0 {
		t.Errorf("queue length = %d after expiry, want 0", n)
	}
}

func TestExpireQueuedDisabledByDefault(t *testing.T) {
	h := newHarness(t, testConfig(t), 12, 0.4)

	snap, err := h.orch.Submit(context.Background(), h.source, h.outDir, job.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.orch.expireQueued(time.Now().Add(24 * time.Hour))
	if got, _ := h.orch.Status(snap.ID); got.State != job.StatePending {
		t.Errorf("job state = %s with expiry disabled, want pending", got.State)
	}
}

func TestPrioritySchedulingSingleSlot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Governor.MaxConcurrentJobs = 1
	h := newHarness(t, cfg, 12, 0.4)
	h.rec.TranscribeFunc = func(ctx context.Context, samples []float32, opts asr.Options) (*asr.Result, error) {
		return &asr.Result{
			Text:     "status update",
			Language: "en",
			Segments: []asr.Segment{{Start: 0, End: 11, Text: "status update"}},
		}, nil
	}
	h.dz.DiarizeFunc = func(ctx context.Context, samples []float32) ([]diarize.Turn, error) {
		return []diarize.Turn{{Label: 0, Start: 0, End: 12, Confidence: 0.9, Embedding: []float32{1, 0}}}, nil
	}

	// Enqueue the normal job first so only priority can explain the order
	// the single slot serves them in.
	normal, err := h.orch.Submit(context.Background(), h.source, filepath.Join(h.outDir, "normal"), job.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit normal: %v", err)
	}
	high, err := h.orch.Submit(context.Background(), h.source, filepath.Join(h.outDir, "high"), job.PriorityHigh)
	if err != nil {
		t.Fatalf("Submit high: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.orch.Run(ctx)
		close(done)
	}()

	highFinal := waitTerminal(t, h.orch, high.ID)
	normalFinal := waitTerminal(t, h.orch, normal.ID)

	if highFinal.State != job.StateCompleted {
		t.Fatalf("high job state = %s (err %q), want completed", highFinal.State, highFinal.Error)
	}
	if normalFinal.State != job.StateCompleted {
		t.Fatalf("normal job state = %s (err %q), want completed", normalFinal.State, normalFinal.Error)
	}
	if !normalFinal.StartedAt.After(highFinal.StartedAt) {
		t.Errorf("normal started at %v, before the high job at %v",
			normalFinal.StartedAt, highFinal.StartedAt)
	}

	cancel()
	<-done
}
