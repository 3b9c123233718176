// Package config provides the configuration schema, loader, and provider
// registry for the echoscribe transcription engine.
package config

import "time"

// LogLevel controls log verbosity for the engine.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TimeoutMode selects how whole-job deadlines are derived.
type TimeoutMode string

const (
	// TimeoutNone disables whole-job timeouts entirely.
	TimeoutNone TimeoutMode = "none"

	// TimeoutMultiplier derives the deadline from audio duration using the
	// built-in multiplier, clamped to the configured floor and ceiling.
	TimeoutMultiplier TimeoutMode = "multiplier"

	// TimeoutCustom is like multiplier but uses a caller-supplied factor.
	TimeoutCustom TimeoutMode = "custom"
)

// IsValid reports whether m is a recognised timeout mode.
func (m TimeoutMode) IsValid() bool {
	switch m {
	case TimeoutNone, TimeoutMultiplier, TimeoutCustom:
		return true
	}
	return false
}

// Config is the root configuration structure for echoscribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Governor    GovernorConfig    `yaml:"governor"`
	Estimate    EstimateConfig    `yaml:"estimate"`
	Chunker     ChunkerConfig     `yaml:"chunker"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	Diarizer    DiarizerConfig    `yaml:"diarizer"`
	Merger      MergerConfig      `yaml:"merger"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Archive     ArchiveConfig     `yaml:"archive"`
}

// ServerConfig holds network and logging settings for the status server.
type ServerConfig struct {
	// ListenAddr is the TCP address the status server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// GovernorConfig bounds concurrent resource usage across jobs.
type GovernorConfig struct {
	// MaxMemoryGB is the total memory the engine may pledge to running jobs.
	MaxMemoryGB float64 `yaml:"max_memory_gb"`

	// MaxCPUPercent defers admissions while system CPU utilisation is above it.
	MaxCPUPercent float64 `yaml:"max_cpu_percent"`

	// MaxConcurrentJobs caps the number of simultaneously running jobs.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// MemoryAlertThreshold is the fraction of MaxMemoryGB at which pressure
	// callbacks fire (e.g., 0.8).
	MemoryAlertThreshold float64 `yaml:"memory_alert_threshold"`

	// MemoryCriticalThreshold is the fraction of MaxMemoryGB at which
	// emergency cleanup runs (e.g., 0.9).
	MemoryCriticalThreshold float64 `yaml:"memory_critical_threshold"`

	// SampleIntervalSeconds is how often system memory and CPU are sampled.
	SampleIntervalSeconds float64 `yaml:"sample_interval_seconds"`
}

// SampleInterval returns the sampling period as a duration.
func (g GovernorConfig) SampleInterval() time.Duration {
	return time.Duration(g.SampleIntervalSeconds * float64(time.Second))
}

// EstimateConfig holds the piecewise memory-estimate coefficients. Estimated
// peak memory is hours·coefficient + base, with the long-audio pair applied
// above LongThresholdMinutes.
type EstimateConfig struct {
	LongThresholdMinutes float64 `yaml:"long_threshold_minutes"`
	LongCoefficient      float64 `yaml:"long_coefficient"`
	LongBaseGB           float64 `yaml:"long_base_gb"`
	ShortCoefficient     float64 `yaml:"short_coefficient"`
	ShortBaseGB          float64 `yaml:"short_base_gb"`
}

// ChunkerConfig controls how audio is split into overlapping windows.
type ChunkerConfig struct {
	// WindowSeconds is the nominal chunk length.
	WindowSeconds float64 `yaml:"window_seconds"`

	// OverlapSeconds is the overlap between consecutive chunks.
	OverlapSeconds float64 `yaml:"overlap_seconds"`

	// SilenceThresholdDB classifies a frame as silent when its RMS level is
	// below this value (negative dBFS).
	SilenceThresholdDB float64 `yaml:"silence_threshold_db"`

	// MinSilenceSeconds discards silent intervals shorter than this.
	MinSilenceSeconds float64 `yaml:"min_silence_seconds"`
}

// TimeoutConfig derives per-chunk and whole-job deadlines.
type TimeoutConfig struct {
	// Mode selects the whole-job timeout regime.
	Mode TimeoutMode `yaml:"mode"`

	// CustomMultiplier is the audio-duration factor used when Mode is custom.
	CustomMultiplier float64 `yaml:"custom_multiplier"`

	// WallClockPerAudioMinuteSeconds scales the per-chunk recogniser timeout:
	// seconds of wall clock granted per minute of chunk audio.
	WallClockPerAudioMinuteSeconds float64 `yaml:"wall_clock_per_audio_minute_seconds"`

	// FloorSeconds and CeilingSeconds clamp the derived per-chunk timeout.
	FloorSeconds   float64 `yaml:"floor_seconds"`
	CeilingSeconds float64 `yaml:"ceiling_seconds"`
}

// Floor returns the per-chunk timeout floor as a duration.
func (t TimeoutConfig) Floor() time.Duration {
	return time.Duration(t.FloorSeconds * float64(time.Second))
}

// Ceiling returns the per-chunk timeout ceiling as a duration.
func (t TimeoutConfig) Ceiling() time.Duration {
	return time.Duration(t.CeilingSeconds * float64(time.Second))
}

// TranscriberConfig controls the recogniser stage.
type TranscriberConfig struct {
	// Workers is the per-job chunk concurrency.
	Workers int `yaml:"workers"`

	// MaxRetries bounds per-chunk retry attempts after the first.
	MaxRetries int `yaml:"max_retries"`

	// Language is the recogniser language hint ("" for auto-detect).
	Language string `yaml:"language"`

	// CacheCapacity is the number of per-chunk results kept in the LRU cache.
	CacheCapacity int `yaml:"cache_capacity"`

	// MaxWordRepeats marks an output invalid when any word longer than three
	// characters repeats more than this many times.
	MaxWordRepeats int `yaml:"max_word_repeats"`

	Timeout TimeoutConfig `yaml:"timeout"`
}

// DiarizerConfig controls the diarizer stage and cross-chunk speaker tracking.
type DiarizerConfig struct {
	// Workers is the per-job chunk concurrency. Diarization is heavier than
	// transcription; 1 or 2 is appropriate.
	Workers int `yaml:"workers"`

	// MaxSpeakers retains only the top-K local speakers per chunk by
	// speaking time.
	MaxSpeakers int `yaml:"max_speakers"`

	// MinSpeakerSeconds drops turns shorter than this.
	MinSpeakerSeconds float64 `yaml:"min_speaker_seconds"`

	// ConfidenceThreshold drops turns below this confidence.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// MatchThreshold is the minimum cosine similarity for reusing an
	// existing global speaker id across chunks.
	MatchThreshold float64 `yaml:"match_threshold"`

	// EMAAlpha is the exponential-moving-average weight applied to a
	// prototype embedding when a chunk's speaker is matched to it.
	EMAAlpha float64 `yaml:"ema_alpha"`
}

// MergerConfig controls timeline fusion.
type MergerConfig struct {
	// MinSegmentSeconds drops merged sub-segments shorter than this.
	MinSegmentSeconds float64 `yaml:"min_segment_seconds"`

	// ConfidenceThreshold drops sub-segments below this confidence.
	// Confidence is a mean log-probability, so the threshold is ≤ 0.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// MaxGapSeconds merges adjacent same-speaker segments separated by at
	// most this gap.
	MaxGapSeconds float64 `yaml:"max_gap_seconds"`

	// OverlapThresholdSeconds splits overlapping segments at the midpoint
	// when they overlap by more than this; smaller overlaps shift the later
	// segment.
	OverlapThresholdSeconds float64 `yaml:"overlap_threshold_seconds"`

	// SpeakerOverlapRatio is the minimum fraction of a sub-segment a
	// diarizer turn must cover to claim it.
	SpeakerOverlapRatio float64 `yaml:"speaker_overlap_ratio"`

	// Vocabulary lists domain terms (proper nouns) used for phonetic
	// correction of recognised text. Empty disables correction.
	Vocabulary []string `yaml:"vocabulary"`
}

// JobsConfig bounds job bookkeeping.
type JobsConfig struct {
	// HistoryLimit caps retained completed jobs.
	HistoryLimit int `yaml:"history_limit"`

	// HistoryTTLMinutes evicts completed jobs older than this.
	HistoryTTLMinutes float64 `yaml:"history_ttl_minutes"`

	// ChannelCapacity is the bounded stage-to-stage channel size.
	ChannelCapacity int `yaml:"channel_capacity"`

	// QueueTimeoutMinutes fails a job that has waited in the queue longer
	// than this, e.g. because its memory estimate never fits under the
	// governor ceiling. Zero disables the timeout.
	QueueTimeoutMinutes float64 `yaml:"queue_timeout_minutes"`
}

// HistoryTTL returns the completed-job retention window as a duration.
func (j JobsConfig) HistoryTTL() time.Duration {
	return time.Duration(j.HistoryTTLMinutes * float64(time.Minute))
}

// QueueTimeout returns the maximum queue wait as a duration.
func (j JobsConfig) QueueTimeout() time.Duration {
	return time.Duration(j.QueueTimeoutMinutes * float64(time.Minute))
}

// ProvidersConfig declares which provider implementation to use for each
// external collaborator. Each field selects a named provider registered in
// the [Registry].
type ProvidersConfig struct {
	Recognizer ProviderEntry `yaml:"recognizer"`
	Diarizer   ProviderEntry `yaml:"diarizer"`
	Media      ProviderEntry `yaml:"media"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "whisper-native", "openai", "energy").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Left empty, API providers fall back to their usual environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider: a .bin path for
	// whisper-native, a model name for API providers.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// ArchiveConfig holds settings for the optional Postgres transcript archive.
type ArchiveConfig struct {
	// PostgresDSN is the PostgreSQL connection string for the pgvector-backed
	// archive. Empty disables archiving.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingDimensions is the vector dimension of stored speaker
	// prototypes. Must match the diarizer's embedding size.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}
