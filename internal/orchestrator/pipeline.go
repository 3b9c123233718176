package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echoscribe/internal/chunker"
	"github.com/MrWong99/echoscribe/internal/config"
	"github.com/MrWong99/echoscribe/internal/diarizer"
	"github.com/MrWong99/echoscribe/internal/job"
	"github.com/MrWong99/echoscribe/internal/transcriber"
	"github.com/MrWong99/echoscribe/pkg/audio"
	"github.com/MrWong99/echoscribe/pkg/provider/asr"
)

// ErrNoSegments is returned when a job with audible content produces an empty
// timeline, typically because every chunk failed transcription.
var ErrNoSegments = errors.New("orchestrator: no segments produced")

// runPipeline executes the four stages for one job and writes the artifacts.
// Chunk WAVs and stage results are flushed as soon as they exist, so a failed
// job still leaves partial artifacts behind for inspection.
func (o *Orchestrator) runPipeline(ctx context.Context, j *job.Job) error {
	j.SetProgress(job.Progress{Stage: job.StageChunking, Percent: 10, Message: "loading audio"})

	samples, rate, err := o.providers.Loader.Load(ctx, j.SourcePath, asr.SampleRate)
	if err != nil {
		return fmt.Errorf("orchestrator: load %q: %w", j.SourcePath, err)
	}
	totalDuration := audio.Duration(samples, rate)

	if d := jobDeadline(o.cfg.Transcriber.Timeout, j.EstimatedDuration); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	chunkStart := time.Now()
	j.SetProgress(job.Progress{Stage: job.StageChunking, Percent: 15, Message: "splitting audio"})
	chunks, err := o.chunk.Split(j.ID, samples, rate)
	if err != nil {
		return fmt.Errorf("orchestrator: chunk %q: %w", j.SourcePath, err)
	}
	o.metrics.RecordStage(ctx, "chunk", time.Since(chunkStart).Seconds())

	if err := o.writeChunkArtifacts(j.OutputDir, chunks); err != nil {
		return err
	}
	j.SetProgress(job.Progress{
		Stage:   job.StageTranscribing,
		Percent: 30,
		Message: fmt.Sprintf("transcribing %d chunks", len(chunks)),
	})

	mergeStage, diarCfg := o.tunables()
	tracker := diarizer.NewTracker(diarCfg.MatchThreshold, diarCfg.EMAAlpha)
	transcribed, diarized, stageErr := o.runStages(ctx, j, chunks, diarCfg, tracker)

	// Stage outputs are written even when the run broke off part-way.
	if err := writeJSONArtifact(j.OutputDir, whisperResultsFile, transcribed); err != nil {
		o.log.Warn("writing transcription results failed", "job_id", j.ID, "err", err)
	}
	if err := writeJSONArtifact(j.OutputDir, diarizationResultsFile, diarized); err != nil {
		o.log.Warn("writing diarization results failed", "job_id", j.ID, "err", err)
	}
	if stageErr != nil {
		return stageErr
	}

	j.SetProgress(job.Progress{Stage: job.StageMerging, Percent: 85, Message: "merging timeline"})
	mergeStart := time.Now()
	result := mergeStage.Merge(j.SourcePath, totalDuration, chunks, transcribed, diarized)
	result.Stats.ProcessingSeconds = time.Since(j.StartedAt()).Seconds()
	o.metrics.RecordStage(ctx, "merge", time.Since(mergeStart).Seconds())

	if len(result.Segments) == 0 && !allSilent(chunks) {
		return fmt.Errorf("%w: %d of %d chunks failed", ErrNoSegments, result.Stats.FailedChunks, len(chunks))
	}

	if err := writeFinalArtifacts(j.OutputDir, result); err != nil {
		return err
	}

	// Archiving is best effort: the transcription already lives on disk, so a
	// database outage must not fail the job.
	if err := o.store.SaveTranscription(ctx, j.ID, result); err != nil {
		o.log.Warn("archiving transcription failed", "job_id", j.ID, "err", err)
	} else if err := o.store.SaveSpeakerPrototypes(ctx, j.ID, tracker.Prototypes()); err != nil {
		o.log.Warn("archiving speaker prototypes failed", "job_id", j.ID, "err", err)
	}
	return nil
}

// runStages fans chunks out to the transcriber and diarizer concurrently and
// collects both result streams, tracking progress as chunks complete.
func (o *Orchestrator) runStages(
	ctx context.Context,
	j *job.Job,
	chunks []chunker.Chunk,
	diarCfg config.DiarizerConfig,
	tracker *diarizer.Tracker,
) ([]transcriber.TranscribedChunk, []diarizer.DiarizedChunk, error) {
	capacity := o.cfg.Jobs.ChannelCapacity
	transIn := make(chan chunker.Chunk, capacity)
	diarIn := make(chan chunker.Chunk, capacity)
	transOut := make(chan transcriber.TranscribedChunk, capacity)
	diarOut := make(chan diarizer.DiarizedChunk, capacity)

	tStage := transcriber.New(o.cfg.Transcriber, o.providers.Recognizer, o.cache,
		transcriber.WithLogger(o.log))
	dStage := diarizer.New(diarCfg, o.providers.Diarizer,
		diarizer.WithLogger(o.log))

	var transcribed []transcriber.TranscribedChunk
	var diarized []diarizer.DiarizedChunk
	total := float64(len(chunks))
	stageStart := time.Now()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(transIn)
		defer close(diarIn)
		for _, c := range chunks {
			select {
			case transIn <- c:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case diarIn <- c:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error { return tStage.Run(gctx, transIn, transOut) })
	g.Go(func() error { return dStage.Run(gctx, diarIn, diarOut, tracker) })

	g.Go(func() error {
		for r := range transOut {
			transcribed = append(transcribed, r)
			o.metrics.RecordChunk(gctx, chunkOutcome(r))
			j.SetProgress(job.Progress{
				Stage:   job.StageTranscribing,
				Percent: 30 + 30*float64(len(transcribed))/total,
				Message: fmt.Sprintf("transcribed %d/%d chunks", len(transcribed), len(chunks)),
			})
		}
		o.metrics.RecordStage(gctx, "transcribe", time.Since(stageStart).Seconds())
		return nil
	})
	g.Go(func() error {
		for r := range diarOut {
			diarized = append(diarized, r)
			j.SetProgress(job.Progress{
				Stage:   job.StageDiarizing,
				Percent: 60 + 25*float64(len(diarized))/total,
				Message: fmt.Sprintf("diarized %d/%d chunks", len(diarized), len(chunks)),
			})
		}
		o.metrics.RecordStage(gctx, "diarize", time.Since(stageStart).Seconds())
		return nil
	})

	err := g.Wait()

	sort.Slice(transcribed, func(i, k int) bool { return transcribed[i].Index < transcribed[k].Index })
	sort.Slice(diarized, func(i, k int) bool { return diarized[i].Index < diarized[k].Index })
	return transcribed, diarized, err
}

func chunkOutcome(r transcriber.TranscribedChunk) string {
	switch {
	case r.Error != "":
		return "failed"
	case r.FromCache:
		return "cached"
	case r.Text == "" && len(r.Segments) == 0:
		return "silent"
	default:
		return "ok"
	}
}

func allSilent(chunks []chunker.Chunk) bool {
	for _, c := range chunks {
		if !c.IsSilent {
			return false
		}
	}
	return len(chunks) > 0
}
