// Package orchestrator owns the job lifecycle: submission, admission through
// the governor, pipeline execution, cancellation, and history retention.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/echoscribe/internal/archive"
	"github.com/MrWong99/echoscribe/internal/chunker"
	"github.com/MrWong99/echoscribe/internal/config"
	"github.com/MrWong99/echoscribe/internal/governor"
	"github.com/MrWong99/echoscribe/internal/job"
	"github.com/MrWong99/echoscribe/internal/merger"
	"github.com/MrWong99/echoscribe/internal/observe"
	"github.com/MrWong99/echoscribe/internal/transcriber"
	"github.com/MrWong99/echoscribe/pkg/provider/asr"
	"github.com/MrWong99/echoscribe/pkg/provider/diarize"
	"github.com/MrWong99/echoscribe/pkg/provider/mediaio"
)

// ErrUnknownJob is returned by Status and Cancel for ids the orchestrator has
// never seen or has already evicted from history.
var ErrUnknownJob = errors.New("orchestrator: unknown job")

// Providers bundles the external collaborators a pipeline run needs.
type Providers struct {
	Loader     mediaio.Loader
	Recognizer asr.Recognizer
	Diarizer   diarize.Diarizer
}

// SystemStatus is the engine-wide snapshot served by the status endpoint.
type SystemStatus struct {
	Governor    governor.Stats `json:"governor"`
	QueuedJobs  int            `json:"queued_jobs"`
	RunningJobs []job.Snapshot `json:"running_jobs"`
	HistorySize int            `json:"history_size"`
}

// Orchestrator coordinates submissions, the governor, and pipeline runs. It
// is safe for concurrent use.
type Orchestrator struct {
	cfg       config.Config
	providers Providers
	queue     *job.Queue
	gov       *governor.Governor
	chunk     *chunker.Chunker
	cache     *transcriber.Cache
	merge     *merger.Merger
	store     *archive.Store
	metrics   *observe.Metrics
	log       *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*job.Job
	cancels map[string]context.CancelFunc

	running sync.WaitGroup
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithGovernor replaces the governor built from the config. Intended for
// tests that need a scripted sampler.
func WithGovernor(g *governor.Governor) Option {
	return func(o *Orchestrator) { o.gov = g }
}

// WithArchive sets the transcript archive. A nil store (the default) disables
// archiving; pipeline runs then skip the persistence step entirely.
func WithArchive(s *archive.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// New creates an orchestrator. Run must be called before submissions are
// dispatched.
func New(cfg config.Config, providers Providers, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		providers: providers,
		queue:     job.NewQueue(),
		chunk:     chunker.New(cfg.Chunker),
		cache:     transcriber.NewCache(cfg.Transcriber.CacheCapacity),
		merge:     merger.New(cfg.Merger),
		log:       slog.Default(),
		jobs:      make(map[string]*job.Job),
		cancels:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.gov == nil {
		o.gov = governor.New(cfg.Governor, governor.WithLogger(o.log))
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	o.gov.RegisterPressure(o.onPressure)
	return o
}

// Governor exposes the admission controller for status reporting.
func (o *Orchestrator) Governor() *governor.Governor { return o.gov }

// ApplyConfig applies the hot-reloadable parts of a new configuration:
// governor limits, merger tunables and vocabulary, and diarizer thresholds.
// Changes take effect for jobs that start after the call; running jobs keep
// the tunables they launched with. Provider and worker-pool changes require
// a restart and are ignored here.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	o.gov.UpdateLimits(cfg.Governor)

	o.mu.Lock()
	o.cfg.Governor = cfg.Governor
	o.cfg.Merger = cfg.Merger
	o.cfg.Diarizer = cfg.Diarizer
	o.merge = merger.New(cfg.Merger)
	o.mu.Unlock()

	o.log.Info("configuration reloaded",
		"vocabulary_terms", len(cfg.Merger.Vocabulary),
		"max_memory_gb", cfg.Governor.MaxMemoryGB)
}

// tunables snapshots the hot-reloadable pipeline collaborators so one job
// sees a consistent set even if ApplyConfig runs mid-flight.
func (o *Orchestrator) tunables() (*merger.Merger, config.DiarizerConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.merge, o.cfg.Diarizer
}

// onPressure reacts to governor memory-pressure events. Critical pressure
// drops the transcription cache and trims completed-job history immediately.
func (o *Orchestrator) onPressure(level governor.PressureLevel) {
	if level != governor.PressureCritical {
		return
	}
	dropped := o.cache.Len()
	o.cache.Purge()
	evicted := o.evictHistory(time.Time{})
	o.log.Warn("critical memory pressure: released cacheable state",
		"cache_entries", dropped,
		"history_evicted", evicted,
	)
}

// Submit validates the source file, estimates resources, and enqueues a job.
// Jobs that could never fit the configured ceilings are rejected here rather
// than left to starve in the queue.
func (o *Orchestrator) Submit(ctx context.Context, sourcePath, outputDir string, priority job.Priority) (job.Snapshot, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return job.Snapshot{}, fmt.Errorf("orchestrator: source: %w", err)
	}
	if info.IsDir() {
		return job.Snapshot{}, fmt.Errorf("orchestrator: source %q is a directory", sourcePath)
	}
	if !priority.IsValid() {
		return job.Snapshot{}, fmt.Errorf("orchestrator: invalid priority %d", int(priority))
	}

	audioDur, err := o.providers.Loader.Duration(ctx, sourcePath)
	if err != nil {
		return job.Snapshot{}, fmt.Errorf("orchestrator: probe %q: %w", sourcePath, err)
	}

	est := EstimateMemoryGB(o.cfg.Estimate, audioDur)
	if err := o.gov.CanEverRun(est); err != nil {
		return job.Snapshot{}, err
	}

	if outputDir == "" {
		stem := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
		outputDir = filepath.Join(filepath.Dir(sourcePath), stem+"_transcription")
	}

	j := job.New(uuid.NewString(), sourcePath, outputDir, priority)
	j.EstimatedMemoryGB = est
	j.EstimatedDuration = audioDur

	o.mu.Lock()
	o.jobs[j.ID] = j
	o.mu.Unlock()

	o.queue.Enqueue(j)
	o.metrics.QueuedJobs.Add(ctx, 1)
	o.log.Info("job submitted",
		"job_id", j.ID,
		"source", sourcePath,
		"priority", priority.String(),
		"audio_duration", audioDur,
		"estimated_gb", est,
	)
	return j.Snapshot(), nil
}

// Status returns the snapshot for a job id.
func (o *Orchestrator) Status(id string) (job.Snapshot, error) {
	o.mu.Lock()
	j, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return job.Snapshot{}, fmt.Errorf("%w: %q", ErrUnknownJob, id)
	}
	return j.Snapshot(), nil
}

// Jobs returns snapshots of all known jobs, newest submission first.
func (o *Orchestrator) Jobs() []job.Snapshot {
	o.mu.Lock()
	out := make([]job.Snapshot, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, j.Snapshot())
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].SubmittedAt.After(out[k].SubmittedAt) })
	return out
}

// Cancel stops a job. Queued jobs are removed immediately; running jobs have
// their context cancelled and wind down at the next stage boundary. Cancelling
// a terminal or unknown job is an error.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	j, ok := o.jobs[id]
	cancel := o.cancels[id]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, id)
	}
	if j.State().Terminal() {
		return fmt.Errorf("orchestrator: job %q already %s", id, j.State())
	}

	if removed := o.queue.Remove(id); removed != nil {
		removed.SetState(job.StateCancelled)
		o.metrics.QueuedJobs.Add(context.Background(), -1)
		o.metrics.RecordJobFinished(context.Background(), string(job.StateCancelled), 0)
		o.log.Info("queued job cancelled", "job_id", id)
		return nil
	}

	j.SetState(job.StateCancelled)
	if cancel != nil {
		cancel()
	}
	o.log.Info("running job cancelled", "job_id", id)
	return nil
}

// Status of the whole engine.
func (o *Orchestrator) SystemStatus() SystemStatus {
	st := SystemStatus{
		Governor:   o.gov.Stats(),
		QueuedJobs: o.queue.Len(),
	}
	o.mu.Lock()
	for _, j := range o.jobs {
		switch j.State() {
		case job.StateRunning, job.StateAdmitted:
			st.RunningJobs = append(st.RunningJobs, j.Snapshot())
		case job.StateCompleted, job.StateFailed, job.StateCancelled:
			st.HistorySize++
		}
	}
	o.mu.Unlock()
	sort.Slice(st.RunningJobs, func(i, k int) bool {
		return st.RunningJobs[i].SubmittedAt.Before(st.RunningJobs[k].SubmittedAt)
	})
	return st
}

// Run drives the governor's sampling loop, the dispatch loop, and the history
// monitor until ctx is done, then waits for running jobs to wind down.
func (o *Orchestrator) Run(ctx context.Context) {
	var loops sync.WaitGroup
	loops.Add(3)
	go func() {
		defer loops.Done()
		o.gov.Run(ctx)
	}()
	go func() {
		defer loops.Done()
		o.dispatch(ctx)
	}()
	go func() {
		defer loops.Done()
		o.monitor(ctx)
	}()

	loops.Wait()
	o.running.Wait()
}

// dispatch pulls jobs off the queue and runs them once the governor admits
// them. A deferred job returns to the head of its band and the loop blocks
// until the governor signals that headroom may have grown.
func (o *Orchestrator) dispatch(ctx context.Context) {
	for {
		j, err := o.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		if j.State().Terminal() {
			// Cancelled while queued.
			continue
		}

		switch o.gov.Admit(j.ID, j.EstimatedMemoryGB) {
		case governor.Admitted:
			j.SetState(job.StateAdmitted)
			o.metrics.QueuedJobs.Add(ctx, -1)
			o.metrics.RunningJobs.Add(ctx, 1)
			o.metrics.PledgedMemoryGB.Add(ctx, j.EstimatedMemoryGB)
			o.running.Add(1)
			go o.execute(ctx, j)

		case governor.Deferred:
			o.metrics.AdmissionDeferrals.Add(ctx, 1)
			o.queue.PushFront(j)
			select {
			case <-ctx.Done():
				return
			case <-o.gov.Wake():
			}
		}
	}
}

// monitor periodically evicts stale history and logs a heartbeat.
func (o *Orchestrator) monitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			o.expireQueued(now)
			evicted := o.evictHistory(now.Add(-o.cfg.Jobs.HistoryTTL()))
			stats := o.gov.Stats()
			o.log.Debug("orchestrator heartbeat",
				"queued", o.queue.Len(),
				"running", stats.RunningJobs,
				"completed", stats.CompletedJobs,
				"failed", stats.FailedJobs,
				"history_evicted", evicted,
			)
		}
	}
}

// expireQueued fails jobs that have waited in the queue longer than the
// configured queue timeout, typically because their memory estimate never
// fits under the governor ceiling. A zero timeout disables expiry.
func (o *Orchestrator) expireQueued(now time.Time) {
	timeout := o.cfg.Jobs.QueueTimeout()
	if timeout <= 0 {
		return
	}

	var stale []*job.Job
	o.mu.Lock()
	for _, j := range o.jobs {
		if j.State() == job.StatePending && now.Sub(j.SubmittedAt) > timeout {
			stale = append(stale, j)
		}
	}
	o.mu.Unlock()

	for _, j := range stale {
		// Dispatch may have dequeued the job in the meantime; only fail
		// jobs we actually removed from the queue.
		if removed := o.queue.Remove(j.ID); removed == nil {
			continue
		}
		j.Fail(fmt.Errorf("orchestrator: queued longer than %s", timeout))
		o.metrics.QueuedJobs.Add(context.Background(), -1)
		o.metrics.RecordJobFinished(context.Background(), string(job.StateFailed), 0)
		o.log.Warn("queued job timed out",
			"job_id", j.ID,
			"waited", now.Sub(j.SubmittedAt).Round(time.Second),
			"estimated_memory_gb", j.EstimatedMemoryGB,
		)
	}
}

// evictHistory drops terminal jobs finished before cutoff, and oldest-first
// beyond the history limit. A zero cutoff evicts all terminal jobs beyond the
// limit only.
func (o *Orchestrator) evictHistory(cutoff time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	var terminal []*job.Job
	evicted := 0
	for id, j := range o.jobs {
		if !j.State().Terminal() {
			continue
		}
		if !cutoff.IsZero() && j.FinishedAt().Before(cutoff) {
			delete(o.jobs, id)
			evicted++
			continue
		}
		terminal = append(terminal, j)
	}

	if over := len(terminal) - o.cfg.Jobs.HistoryLimit; over > 0 {
		sort.Slice(terminal, func(i, k int) bool {
			return terminal[i].FinishedAt().Before(terminal[k].FinishedAt())
		})
		for _, j := range terminal[:over] {
			delete(o.jobs, j.ID)
			evicted++
		}
	}
	return evicted
}

// execute runs one admitted job to completion and settles the accounting.
func (o *Orchestrator) execute(ctx context.Context, j *job.Job) {
	defer o.running.Done()

	jctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[j.ID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, j.ID)
		o.mu.Unlock()
	}()

	o.gov.OnStart(j.ID)
	j.SetState(job.StateRunning)
	start := time.Now()

	err := o.runPipeline(jctx, j)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		j.SetProgress(job.Progress{Stage: job.StageCompleted, Percent: 100, Message: "done"})
		j.SetState(job.StateCompleted)
		o.log.Info("job completed", "job_id", j.ID, "elapsed", elapsed)
	case j.State() == job.StateCancelled:
		// Cancel already moved the job to its terminal state.
		o.log.Info("job wound down after cancel", "job_id", j.ID)
	default:
		j.SetProgress(job.Progress{Stage: job.StageFailed, Message: err.Error()})
		j.Fail(err)
		o.log.Error("job failed", "job_id", j.ID, "err", err)
	}

	state := j.State()
	o.gov.OnFinish(j.ID, state == job.StateCompleted, elapsed)
	o.metrics.RunningJobs.Add(ctx, -1)
	o.metrics.PledgedMemoryGB.Add(ctx, -j.EstimatedMemoryGB)
	o.metrics.RecordJobFinished(ctx, string(state), elapsed.Seconds())
}
