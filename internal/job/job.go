// Package job defines the transcription job model and the priority queue
// that feeds the orchestrator's dispatch loop.
package job

import (
	"fmt"
	"sync"
	"time"
)

// Priority orders jobs at admission. Lower values dequeue first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow

	numPriorities
)

// String returns the human-readable name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// IsValid reports whether p is a recognised priority.
func (p Priority) IsValid() bool {
	return p >= PriorityCritical && p < numPriorities
}

// ParsePriority maps a priority name to its value. The empty string means
// Normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("job: unknown priority %q", s)
}

// State is a job's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateAdmitted  State = "admitted"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Stage identifies the pipeline stage a job is currently in.
type Stage string

const (
	StageChunking     Stage = "chunking"
	StageTranscribing Stage = "transcribing"
	StageDiarizing    Stage = "diarizing"
	StageMerging      Stage = "merging"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// Progress is a point-in-time progress record. Percent is a coarse function
// of the stage; Message carries fine detail.
type Progress struct {
	Stage   Stage   `json:"stage"`
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
}

// Job is a single transcription submission. All mutable fields are guarded by
// the job's own lock; the orchestrator is the only writer.
type Job struct {
	// Immutable after creation.
	ID                string
	SourcePath        string
	OutputDir         string
	Priority          Priority
	EstimatedMemoryGB float64
	EstimatedDuration time.Duration
	SubmittedAt       time.Time

	mu         sync.Mutex
	state      State
	progress   Progress
	startedAt  time.Time
	finishedAt time.Time
	err        error
}

// New creates a Pending job. The caller supplies a unique id.
func New(id, sourcePath, outputDir string, priority Priority) *Job {
	return &Job{
		ID:          id,
		SourcePath:  sourcePath,
		OutputDir:   outputDir,
		Priority:    priority,
		SubmittedAt: time.Now(),
		state:       StatePending,
	}
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// SetState transitions the job. Transitions out of a terminal state are
// ignored so that a late failure cannot resurrect a cancelled job.
func (j *Job) SetState(s State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	j.state = s
	switch s {
	case StateRunning:
		j.startedAt = time.Now()
	case StateCompleted, StateFailed, StateCancelled:
		j.finishedAt = time.Now()
	}
}

// Progress returns the latest progress record.
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// SetProgress records progress. Percent is clamped so it never regresses
// within a job; stage and message always update.
func (j *Job) SetProgress(p Progress) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if p.Percent < j.progress.Percent {
		p.Percent = j.progress.Percent
	}
	j.progress = p
}

// Fail records the first error and transitions to Failed. Later errors are
// kept out so the root cause survives.
func (j *Job) Fail(err error) {
	j.mu.Lock()
	if j.err == nil {
		j.err = err
	}
	j.mu.Unlock()
	j.SetState(StateFailed)
}

// Err returns the recorded terminal error, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// StartedAt returns when the job entered Running (zero until then).
func (j *Job) StartedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt
}

// FinishedAt returns when the job reached a terminal state (zero until then).
func (j *Job) FinishedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt
}

// Snapshot is an immutable copy of a job's observable state, safe to hand to
// HTTP handlers and the CLI.
type Snapshot struct {
	ID                string    `json:"id"`
	SourcePath        string    `json:"source_path"`
	OutputDir         string    `json:"output_dir"`
	Priority          string    `json:"priority"`
	State             State     `json:"state"`
	Progress          Progress  `json:"progress"`
	EstimatedMemoryGB float64   `json:"estimated_memory_gb"`
	SubmittedAt       time.Time `json:"submitted_at"`
	StartedAt         time.Time `json:"started_at,omitzero"`
	FinishedAt        time.Time `json:"finished_at,omitzero"`
	Error             string    `json:"error,omitempty"`
}

// Snapshot captures the job's current observable state under the job lock.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := Snapshot{
		ID:                j.ID,
		SourcePath:        j.SourcePath,
		OutputDir:         j.OutputDir,
		Priority:          j.Priority.String(),
		State:             j.state,
		Progress:          j.progress,
		EstimatedMemoryGB: j.EstimatedMemoryGB,
		SubmittedAt:       j.SubmittedAt,
		StartedAt:         j.startedAt,
		FinishedAt:        j.finishedAt,
	}
	if j.err != nil {
		snap.Error = j.err.Error()
	}
	return snap
}
