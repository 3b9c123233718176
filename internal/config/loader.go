package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"recognizer": {"whisper-native", "openai", "mock"},
	"diarizer":   {"energy", "mock"},
	"media":      {"wav", "mock"},
}

// Environment variables honoured by [ApplyEnv].
const (
	EnvTimeoutMode       = "TRANSCRIPTION_TIMEOUT_MODE"
	EnvCustomTimeoutMult = "CUSTOM_TIMEOUT_MULTIPLIER"
)

// Default returns a configuration with every field set to its default value.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides timeout settings from the process environment. Values
// are read once at startup; malformed values are rejected rather than
// silently ignored.
func ApplyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvTimeoutMode); ok {
		mode := TimeoutMode(v)
		if !mode.IsValid() {
			return fmt.Errorf("config: %s %q is invalid; valid values: none, multiplier, custom", EnvTimeoutMode, v)
		}
		cfg.Transcriber.Timeout.Mode = mode
	}
	if v, ok := os.LookupEnv(EnvCustomTimeoutMult); ok {
		mult, err := strconv.ParseFloat(v, 64)
		if err != nil || mult <= 0 {
			return fmt.Errorf("config: %s %q is not a positive number", EnvCustomTimeoutMult, v)
		}
		cfg.Transcriber.Timeout.CustomMultiplier = mult
	}
	return nil
}

// applyDefaults fills zero-valued fields with production defaults. Explicit
// zero and "unset" are indistinguishable for numeric knobs, so all defaults
// are non-zero values.
func applyDefaults(cfg *Config) {
	srv := &cfg.Server
	if srv.ListenAddr == "" {
		srv.ListenAddr = ":8080"
	}
	if srv.LogLevel == "" {
		srv.LogLevel = LogInfo
	}

	gov := &cfg.Governor
	if gov.MaxMemoryGB == 0 {
		gov.MaxMemoryGB = 16
	}
	if gov.MaxCPUPercent == 0 {
		gov.MaxCPUPercent = 90
	}
	if gov.MaxConcurrentJobs == 0 {
		gov.MaxConcurrentJobs = 2
	}
	if gov.MemoryAlertThreshold == 0 {
		gov.MemoryAlertThreshold = 0.8
	}
	if gov.MemoryCriticalThreshold == 0 {
		gov.MemoryCriticalThreshold = 0.9
	}
	if gov.SampleIntervalSeconds == 0 {
		gov.SampleIntervalSeconds = 30
	}

	est := &cfg.Estimate
	if est.LongThresholdMinutes == 0 {
		est.LongThresholdMinutes = 60
	}
	if est.LongCoefficient == 0 {
		est.LongCoefficient = 0.3
	}
	if est.LongBaseGB == 0 {
		est.LongBaseGB = 10
	}
	if est.ShortCoefficient == 0 {
		est.ShortCoefficient = 0.15
	}
	if est.ShortBaseGB == 0 {
		est.ShortBaseGB = 6
	}

	ch := &cfg.Chunker
	if ch.WindowSeconds == 0 {
		ch.WindowSeconds = 30
	}
	if ch.OverlapSeconds == 0 {
		ch.OverlapSeconds = 5
	}
	if ch.SilenceThresholdDB == 0 {
		ch.SilenceThresholdDB = -40
	}
	if ch.MinSilenceSeconds == 0 {
		ch.MinSilenceSeconds = 0.5
	}

	tr := &cfg.Transcriber
	if tr.Workers == 0 {
		tr.Workers = 2
	}
	if tr.MaxRetries == 0 {
		tr.MaxRetries = 3
	}
	if tr.CacheCapacity == 0 {
		tr.CacheCapacity = 128
	}
	if tr.MaxWordRepeats == 0 {
		tr.MaxWordRepeats = 8
	}
	if tr.Timeout.Mode == "" {
		tr.Timeout.Mode = TimeoutMultiplier
	}
	if tr.Timeout.CustomMultiplier == 0 {
		tr.Timeout.CustomMultiplier = 2
	}
	if tr.Timeout.WallClockPerAudioMinuteSeconds == 0 {
		tr.Timeout.WallClockPerAudioMinuteSeconds = 30
	}
	if tr.Timeout.FloorSeconds == 0 {
		tr.Timeout.FloorSeconds = 30
	}
	if tr.Timeout.CeilingSeconds == 0 {
		tr.Timeout.CeilingSeconds = 300
	}

	di := &cfg.Diarizer
	if di.Workers == 0 {
		di.Workers = 1
	}
	if di.MaxSpeakers == 0 {
		di.MaxSpeakers = 8
	}
	if di.MinSpeakerSeconds == 0 {
		di.MinSpeakerSeconds = 1
	}
	if di.ConfidenceThreshold == 0 {
		di.ConfidenceThreshold = 0.5
	}
	if di.MatchThreshold == 0 {
		di.MatchThreshold = 0.7
	}
	if di.EMAAlpha == 0 {
		di.EMAAlpha = 0.3
	}

	mg := &cfg.Merger
	if mg.MinSegmentSeconds == 0 {
		mg.MinSegmentSeconds = 0.5
	}
	if mg.ConfidenceThreshold == 0 {
		mg.ConfidenceThreshold = -2.5
	}
	if mg.MaxGapSeconds == 0 {
		mg.MaxGapSeconds = 2
	}
	if mg.OverlapThresholdSeconds == 0 {
		mg.OverlapThresholdSeconds = 0.5
	}
	if mg.SpeakerOverlapRatio == 0 {
		mg.SpeakerOverlapRatio = 0.3
	}

	jb := &cfg.Jobs
	if jb.HistoryLimit == 0 {
		jb.HistoryLimit = 50
	}
	if jb.HistoryTTLMinutes == 0 {
		jb.HistoryTTLMinutes = 30
	}
	if jb.ChannelCapacity == 0 {
		jb.ChannelCapacity = 4
	}

	if cfg.Providers.Diarizer.Name == "" {
		cfg.Providers.Diarizer.Name = "energy"
	}
	if cfg.Providers.Media.Name == "" {
		cfg.Providers.Media.Name = "wav"
	}
	if cfg.Archive.EmbeddingDimensions == 0 {
		cfg.Archive.EmbeddingDimensions = 8
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Governor
	gov := cfg.Governor
	if gov.MaxMemoryGB < 0 {
		errs = append(errs, fmt.Errorf("governor.max_memory_gb %.1f must not be negative", gov.MaxMemoryGB))
	}
	if gov.MaxCPUPercent < 0 || gov.MaxCPUPercent > 100 {
		errs = append(errs, fmt.Errorf("governor.max_cpu_percent %.1f is out of range [0, 100]", gov.MaxCPUPercent))
	}
	if gov.MaxConcurrentJobs < 1 {
		errs = append(errs, fmt.Errorf("governor.max_concurrent_jobs %d must be at least 1", gov.MaxConcurrentJobs))
	}
	if gov.MemoryAlertThreshold <= 0 || gov.MemoryAlertThreshold > 1 {
		errs = append(errs, fmt.Errorf("governor.memory_alert_threshold %.2f is out of range (0, 1]", gov.MemoryAlertThreshold))
	}
	if gov.MemoryCriticalThreshold <= 0 || gov.MemoryCriticalThreshold > 1 {
		errs = append(errs, fmt.Errorf("governor.memory_critical_threshold %.2f is out of range (0, 1]", gov.MemoryCriticalThreshold))
	}
	if gov.MemoryCriticalThreshold < gov.MemoryAlertThreshold {
		errs = append(errs, fmt.Errorf("governor.memory_critical_threshold %.2f is below memory_alert_threshold %.2f", gov.MemoryCriticalThreshold, gov.MemoryAlertThreshold))
	}

	// Chunker
	ch := cfg.Chunker
	if ch.WindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("chunker.window_seconds %.1f must be positive", ch.WindowSeconds))
	}
	if ch.OverlapSeconds < 0 || ch.OverlapSeconds >= ch.WindowSeconds {
		errs = append(errs, fmt.Errorf("chunker.overlap_seconds %.1f must be in [0, window_seconds)", ch.OverlapSeconds))
	}
	if ch.SilenceThresholdDB >= 0 {
		errs = append(errs, fmt.Errorf("chunker.silence_threshold_db %.1f must be negative (dBFS)", ch.SilenceThresholdDB))
	}

	// Transcriber
	tr := cfg.Transcriber
	if tr.Workers < 1 {
		errs = append(errs, fmt.Errorf("transcriber.workers %d must be at least 1", tr.Workers))
	}
	if tr.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("transcriber.max_retries %d must not be negative", tr.MaxRetries))
	}
	if !tr.Timeout.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("transcriber.timeout.mode %q is invalid; valid values: none, multiplier, custom", tr.Timeout.Mode))
	}
	if tr.Timeout.Mode == TimeoutCustom && tr.Timeout.CustomMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("transcriber.timeout.custom_multiplier %.2f must be positive when mode is custom", tr.Timeout.CustomMultiplier))
	}
	if tr.Timeout.FloorSeconds > tr.Timeout.CeilingSeconds {
		errs = append(errs, fmt.Errorf("transcriber.timeout.floor_seconds %.1f exceeds ceiling_seconds %.1f", tr.Timeout.FloorSeconds, tr.Timeout.CeilingSeconds))
	}

	// Diarizer
	di := cfg.Diarizer
	if di.Workers < 1 {
		errs = append(errs, fmt.Errorf("diarizer.workers %d must be at least 1", di.Workers))
	}
	if di.MatchThreshold <= 0 || di.MatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("diarizer.match_threshold %.2f is out of range (0, 1]", di.MatchThreshold))
	}
	if di.EMAAlpha <= 0 || di.EMAAlpha > 1 {
		errs = append(errs, fmt.Errorf("diarizer.ema_alpha %.2f is out of range (0, 1]", di.EMAAlpha))
	}

	// Merger
	mg := cfg.Merger
	if mg.SpeakerOverlapRatio <= 0 || mg.SpeakerOverlapRatio > 1 {
		errs = append(errs, fmt.Errorf("merger.speaker_overlap_ratio %.2f is out of range (0, 1]", mg.SpeakerOverlapRatio))
	}
	if mg.ConfidenceThreshold > 0 {
		errs = append(errs, fmt.Errorf("merger.confidence_threshold %.2f must not be positive (mean log-probability)", mg.ConfidenceThreshold))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("recognizer", cfg.Providers.Recognizer.Name)
	validateProviderName("diarizer", cfg.Providers.Diarizer.Name)
	validateProviderName("media", cfg.Providers.Media.Name)

	if cfg.Providers.Recognizer.Name == "" {
		errs = append(errs, errors.New("providers.recognizer.name is required"))
	}

	// Archive availability
	if cfg.Archive.PostgresDSN == "" {
		slog.Debug("archive.postgres_dsn is empty; completed transcriptions will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
