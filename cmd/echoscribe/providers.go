package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/MrWong99/echoscribe/internal/config"
	"github.com/MrWong99/echoscribe/internal/orchestrator"
	"github.com/MrWong99/echoscribe/internal/resilience"
	"github.com/MrWong99/echoscribe/pkg/provider/asr"
	asrmock "github.com/MrWong99/echoscribe/pkg/provider/asr/mock"
	asropenai "github.com/MrWong99/echoscribe/pkg/provider/asr/openai"
	"github.com/MrWong99/echoscribe/pkg/provider/asr/whisper"
	"github.com/MrWong99/echoscribe/pkg/provider/diarize"
	"github.com/MrWong99/echoscribe/pkg/provider/diarize/energy"
	diarizemock "github.com/MrWong99/echoscribe/pkg/provider/diarize/mock"
	"github.com/MrWong99/echoscribe/pkg/provider/mediaio"
	mediamock "github.com/MrWong99/echoscribe/pkg/provider/mediaio/mock"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Recognizers ───────────────────────────────────────────────────────────

	reg.RegisterRecognizer("whisper-native", func(entry config.ProviderEntry) (asr.Recognizer, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(modelPath, opts...)
	})

	reg.RegisterRecognizer("openai", func(entry config.ProviderEntry) (asr.Recognizer, error) {
		apiKey := entry.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		var opts []asropenai.Option
		if entry.Model != "" {
			opts = append(opts, asropenai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, asropenai.WithBaseURL(entry.BaseURL))
		}
		return asropenai.New(apiKey, opts...)
	})

	reg.RegisterRecognizer("mock", func(config.ProviderEntry) (asr.Recognizer, error) {
		return &asrmock.Recognizer{}, nil
	})

	// ── Diarizers ─────────────────────────────────────────────────────────────

	reg.RegisterDiarizer("energy", func(entry config.ProviderEntry) (diarize.Diarizer, error) {
		var opts []energy.Option
		if d, ok := optFloat(entry.Options, "change_distance"); ok {
			opts = append(opts, energy.WithChangeDistance(d))
		}
		if s, ok := optFloat(entry.Options, "cluster_similarity"); ok {
			opts = append(opts, energy.WithClusterSimilarity(s))
		}
		return energy.New(opts...), nil
	})

	reg.RegisterDiarizer("mock", func(config.ProviderEntry) (diarize.Diarizer, error) {
		return &diarizemock.Diarizer{}, nil
	})

	// ── Media loaders ─────────────────────────────────────────────────────────

	reg.RegisterMedia("wav", func(config.ProviderEntry) (mediaio.Loader, error) {
		return mediaio.NewWAVLoader(), nil
	})

	reg.RegisterMedia("mock", func(config.ProviderEntry) (mediaio.Loader, error) {
		return &mediamock.Loader{}, nil
	})
}

// buildProviders instantiates the providers named in cfg. All three kinds are
// required for a pipeline run, so an unknown name is an error rather than a
// skipped provider.
func buildProviders(cfg *config.Config, reg *config.Registry) (orchestrator.Providers, error) {
	var ps orchestrator.Providers

	if cfg.Providers.Recognizer.Name == "" {
		return ps, fmt.Errorf("no recognizer configured; set providers.recognizer.name in the config file")
	}
	rec, err := reg.CreateRecognizer(cfg.Providers.Recognizer)
	if err != nil {
		return ps, fmt.Errorf("create recognizer %q: %w", cfg.Providers.Recognizer.Name, err)
	}
	ps.Recognizer, err = wrapRecognizer(reg, cfg.Providers.Recognizer, rec)
	if err != nil {
		return ps, err
	}
	slog.Info("provider created", "kind", "recognizer", "name", cfg.Providers.Recognizer.Name)

	dz, err := reg.CreateDiarizer(cfg.Providers.Diarizer)
	if err != nil {
		return ps, fmt.Errorf("create diarizer %q: %w", cfg.Providers.Diarizer.Name, err)
	}
	ps.Diarizer, err = wrapDiarizer(reg, cfg.Providers.Diarizer, dz)
	if err != nil {
		return ps, err
	}
	slog.Info("provider created", "kind", "diarizer", "name", cfg.Providers.Diarizer.Name)

	loader, err := reg.CreateMedia(cfg.Providers.Media)
	if err != nil {
		return ps, fmt.Errorf("create media loader %q: %w", cfg.Providers.Media.Name, err)
	}
	ps.Loader = loader
	slog.Info("provider created", "kind", "media", "name", cfg.Providers.Media.Name)

	return ps, nil
}

// wrapRecognizer puts the recognizer behind a per-backend circuit breaker.
// An optional secondary backend, named by the provider's options.fallback
// key, is tried when the primary fails or its breaker is open.
func wrapRecognizer(reg *config.Registry, entry config.ProviderEntry, primary asr.Recognizer) (asr.Recognizer, error) {
	fb := resilience.NewRecognizerFallback(primary, entry.Name, resilience.BreakerConfig{})
	if name := optString(entry.Options, "fallback"); name != "" {
		sec, err := reg.CreateRecognizer(config.ProviderEntry{Name: name})
		if err != nil {
			return nil, fmt.Errorf("create fallback recognizer %q: %w", name, err)
		}
		fb.AddFallback(name, sec)
	}
	return fb, nil
}

// wrapDiarizer is the diarizer counterpart of wrapRecognizer.
func wrapDiarizer(reg *config.Registry, entry config.ProviderEntry, primary diarize.Diarizer) (diarize.Diarizer, error) {
	fb := resilience.NewDiarizerFallback(primary, entry.Name, resilience.BreakerConfig{})
	if name := optString(entry.Options, "fallback"); name != "" {
		sec, err := reg.CreateDiarizer(config.ProviderEntry{Name: name})
		if err != nil {
			return nil, fmt.Errorf("create fallback diarizer %q: %w", name, err)
		}
		fb.AddFallback(name, sec)
	}
	return fb, nil
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a numeric value from a provider Options map. YAML decodes
// numbers as float64 or int depending on their spelling.
func optFloat(opts map[string]any, key string) (float64, bool) {
	if opts == nil {
		return 0, false
	}
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
