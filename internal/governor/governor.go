// Package governor implements the resource admission controller. It samples
// system memory and CPU, admits or defers jobs against static ceilings, and
// emits pressure signals when headroom shrinks.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/MrWong99/echoscribe/internal/config"
)

// ErrInsufficientCapacity is returned at submit time for jobs whose resource
// estimate can never fit the configured ceilings.
var ErrInsufficientCapacity = errors.New("governor: insufficient capacity")

// PressureLevel classifies a memory-pressure event.
type PressureLevel int

const (
	// PressureAlert fires when sampled memory exceeds the alert threshold.
	// Components should stop growing caches.
	PressureAlert PressureLevel = iota

	// PressureCritical fires when sampled memory exceeds the critical
	// threshold. Components must release cacheable state.
	PressureCritical
)

// String returns the human-readable name of the pressure level.
func (p PressureLevel) String() string {
	if p == PressureCritical {
		return "critical"
	}
	return "alert"
}

// Decision is the outcome of an admission check.
type Decision int

const (
	Admitted Decision = iota
	Deferred
)

// Stats is a snapshot of the governor's bookkeeping.
type Stats struct {
	RunningJobs       int     `json:"running_jobs"`
	PledgedMemoryGB   float64 `json:"pledged_memory_gb"`
	SampledMemoryGB   float64 `json:"sampled_memory_gb"`
	SampledCPUPercent float64 `json:"sampled_cpu_percent"`
	CompletedJobs     uint64  `json:"completed_jobs"`
	FailedJobs        uint64  `json:"failed_jobs"`
	PeakMemoryGB      float64 `json:"peak_memory_gb"`
	// AvgProcessingSeconds is a moving average over finished jobs.
	AvgProcessingSeconds float64 `json:"avg_processing_seconds"`
}

// sampleFunc reads current system usage: resident memory in GB and CPU
// utilisation in percent. Swappable for tests.
type sampleFunc func() (memGB, cpuPercent float64, err error)

// Governor tracks resource headroom and decides job admission. A single lock
// guards the running set, pledges, and statistics; the sampling loop runs in
// its own goroutine via [Governor.Run].
type Governor struct {
	cfg    config.GovernorConfig
	log    *slog.Logger
	sample sampleFunc

	mu        sync.Mutex
	pledges   map[string]float64 // job id → pledged memory GB
	stats     Stats
	avgCount  uint64
	callbacks []func(PressureLevel)

	// wake is signalled when headroom may have grown (job finished or a
	// sampling tick passed), so the dispatch loop re-checks deferred jobs.
	wake chan struct{}
}

// Option configures a [Governor].
type Option func(*Governor)

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(g *Governor) { g.log = log }
}

// WithSampler overrides the system usage sampler. Intended for tests.
func WithSampler(fn func() (memGB, cpuPercent float64, err error)) Option {
	return func(g *Governor) { g.sample = fn }
}

// New creates a governor with the given limits.
func New(cfg config.GovernorConfig, opts ...Option) *Governor {
	g := &Governor{
		cfg:     cfg,
		log:     slog.Default(),
		sample:  sampleSystem,
		pledges: make(map[string]float64),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// sampleSystem reads real usage via gopsutil. CPU percent is computed since
// the previous call (interval 0), which suits a periodic sampler.
func sampleSystem() (float64, float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, fmt.Errorf("governor: sample memory: %w", err)
	}
	memGB := float64(vm.Used) / (1 << 30)

	pcts, err := cpu.Percent(0, false)
	if err != nil {
		return memGB, 0, fmt.Errorf("governor: sample cpu: %w", err)
	}
	var cpuPct float64
	if len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	return memGB, cpuPct, nil
}

// CanEverRun reports whether a job with the given memory estimate could run
// on an otherwise idle system. Jobs that cannot are rejected synchronously at
// submit with [ErrInsufficientCapacity].
func (g *Governor) CanEverRun(estimatedGB float64) error {
	g.mu.Lock()
	ceiling := g.cfg.MaxMemoryGB
	g.mu.Unlock()
	if estimatedGB > ceiling {
		return fmt.Errorf("%w: job needs %.1f GB, ceiling is %.1f GB",
			ErrInsufficientCapacity, estimatedGB, ceiling)
	}
	return nil
}

// UpdateLimits replaces the admission ceilings at runtime. Pledges already
// made are untouched; the new limits apply from the next admission check.
// The sampling interval is fixed at Run time and is not affected.
func (g *Governor) UpdateLimits(cfg config.GovernorConfig) {
	g.mu.Lock()
	old := g.cfg
	g.cfg = cfg
	g.mu.Unlock()

	if old != cfg {
		g.log.Info("governor limits updated",
			"max_memory_gb", cfg.MaxMemoryGB,
			"max_concurrent_jobs", cfg.MaxConcurrentJobs,
			"max_cpu_percent", cfg.MaxCPUPercent)
	}
	g.signal()
}

// Admit decides whether a job with the given memory estimate may start now.
// Admission pledges the memory immediately; the caller must pair it with
// [Governor.OnFinish] (after [Governor.OnStart]) or release via OnFinish on
// early abort.
func (g *Governor) Admit(jobID string, estimatedGB float64) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.pledges) >= g.cfg.MaxConcurrentJobs {
		return Deferred
	}
	pledged := g.pledgedLocked()
	if pledged+estimatedGB > g.cfg.MaxMemoryGB {
		return Deferred
	}
	if g.cfg.MaxCPUPercent > 0 && g.stats.SampledCPUPercent > g.cfg.MaxCPUPercent {
		return Deferred
	}
	if g.stats.SampledMemoryGB > g.cfg.MemoryAlertThreshold*g.cfg.MaxMemoryGB {
		// Under pressure: refuse new admissions this tick.
		return Deferred
	}

	g.pledges[jobID] = estimatedGB
	g.stats.RunningJobs = len(g.pledges)
	g.stats.PledgedMemoryGB = g.pledgedLocked()
	return Admitted
}

// OnStart records that an admitted job began running.
func (g *Governor) OnStart(jobID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pledges[jobID]; !ok {
		g.log.Warn("governor: OnStart for unadmitted job", "job_id", jobID)
	}
}

// OnFinish releases a job's pledge and folds its outcome into the statistics.
func (g *Governor) OnFinish(jobID string, success bool, processing time.Duration) {
	g.mu.Lock()
	delete(g.pledges, jobID)
	g.stats.RunningJobs = len(g.pledges)
	g.stats.PledgedMemoryGB = g.pledgedLocked()
	if success {
		g.stats.CompletedJobs++
	} else {
		g.stats.FailedJobs++
	}
	if processing > 0 {
		g.avgCount++
		secs := processing.Seconds()
		g.stats.AvgProcessingSeconds += (secs - g.stats.AvgProcessingSeconds) / float64(g.avgCount)
	}
	g.mu.Unlock()

	g.signal()
}

// RegisterPressure adds a callback invoked on memory-pressure events.
// Callbacks run on the sampling goroutine and must not block.
func (g *Governor) RegisterPressure(fn func(PressureLevel)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks = append(g.callbacks, fn)
}

// Wake returns a channel signalled whenever headroom may have grown.
func (g *Governor) Wake() <-chan struct{} {
	return g.wake
}

// Stats returns a copy of the current statistics.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Run executes the sampling loop until ctx is done. Sampling failures are
// logged and the previous reading retained.
func (g *Governor) Run(ctx context.Context) {
	g.tick() // prime readings before the first interval elapses

	ticker := time.NewTicker(g.cfg.SampleInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick()
		}
	}
}

// tick samples system usage, updates readings, and fires pressure callbacks.
func (g *Governor) tick() {
	memGB, cpuPct, err := g.sample()
	if err != nil {
		g.log.Warn("governor: sampling failed, retaining previous reading", "err", err)
		g.signal()
		return
	}

	g.mu.Lock()
	g.stats.SampledMemoryGB = memGB
	g.stats.SampledCPUPercent = cpuPct
	if memGB > g.stats.PeakMemoryGB {
		g.stats.PeakMemoryGB = memGB
	}
	cfg := g.cfg
	callbacks := make([]func(PressureLevel), len(g.callbacks))
	copy(callbacks, g.callbacks)
	g.mu.Unlock()

	switch {
	case memGB > cfg.MemoryCriticalThreshold*cfg.MaxMemoryGB:
		g.log.Error("governor: memory critical", "sampled_gb", memGB, "ceiling_gb", cfg.MaxMemoryGB)
		for _, fn := range callbacks {
			fn(PressureCritical)
		}
	case memGB > cfg.MemoryAlertThreshold*cfg.MaxMemoryGB:
		g.log.Warn("governor: memory pressure", "sampled_gb", memGB, "ceiling_gb", cfg.MaxMemoryGB)
		for _, fn := range callbacks {
			fn(PressureAlert)
		}
	}

	g.signal()
}

func (g *Governor) pledgedLocked() float64 {
	var sum float64
	for _, gb := range g.pledges {
		sum += gb
	}
	return sum
}

func (g *Governor) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}
