package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// worker-pool changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VocabularyChanged is true when the merger's phonetic-correction word
	// list changed.
	VocabularyChanged bool

	// GovernorChanged is true when any admission limit changed.
	GovernorChanged bool

	// TunablesChanged is true when a merger or diarizer threshold changed.
	TunablesChanged bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.VocabularyChanged || d.GovernorChanged || d.TunablesChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !equalStrings(old.Merger.Vocabulary, new.Merger.Vocabulary) {
		d.VocabularyChanged = true
	}

	if old.Governor != new.Governor {
		d.GovernorChanged = true
	}

	if !reflect.DeepEqual(mergerTunables(old.Merger), mergerTunables(new.Merger)) || old.Diarizer != new.Diarizer {
		d.TunablesChanged = true
	}

	return d
}

// mergerTunables strips the Vocabulary slice, which is diffed separately, so
// the remaining MergerConfig fields can be compared.
func mergerTunables(m MergerConfig) MergerConfig {
	m.Vocabulary = nil
	return m
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
