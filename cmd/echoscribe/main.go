// Command echoscribe is the entry point for the transcription engine. It
// offers a one-shot CLI mode (transcribe) and a long-running server mode
// (serve) with the HTTP status surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MrWong99/echoscribe/internal/archive"
	"github.com/MrWong99/echoscribe/internal/config"
	"github.com/MrWong99/echoscribe/internal/health"
	"github.com/MrWong99/echoscribe/internal/job"
	"github.com/MrWong99/echoscribe/internal/merger"
	"github.com/MrWong99/echoscribe/internal/observe"
	"github.com/MrWong99/echoscribe/internal/orchestrator"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "echoscribe:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "echoscribe",
		Short: "Resource-aware audio transcription engine",
		Long: "Echoscribe transcribes and diarizes audio recordings through a\n" +
			"chunked, concurrency-limited pipeline. Use 'transcribe' for a single\n" +
			"file or 'serve' to run the queue-fed engine with its HTTP API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "config.yaml", "path to the YAML configuration file")
	root.AddCommand(newTranscribeCmd(), newServeCmd())
	return root
}

// loadConfig resolves the configuration for a subcommand. A missing file is
// only an error when --config was given explicitly; otherwise the built-in
// defaults apply, so the one-shot CLI works without any setup.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg = config.Default()
	} else if err != nil {
		return nil, "", err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// ── transcribe ────────────────────────────────────────────────────────────────

// cliResult is the single JSON record the transcribe command writes to
// standard output. Logs go to stderr so stdout stays machine-readable.
type cliResult struct {
	Status                string  `json:"status"`
	Text                  string  `json:"text,omitempty"`
	Language              string  `json:"language,omitempty"`
	ProcessingType        string  `json:"processing_type,omitempty"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds,omitempty"`
	Error                 string  `json:"error,omitempty"`
	Timestamp             string  `json:"timestamp"`
}

func newTranscribeCmd() *cobra.Command {
	var priorityName string

	cmd := &cobra.Command{
		Use:   "transcribe <path> [output_dir]",
		Short: "Transcribe one audio file and print the result as JSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputDir := ""
			if len(args) == 2 {
				outputDir = args[1]
			}
			if err := runTranscribe(cmd, args[0], outputDir, priorityName); err != nil {
				printResult(cliResult{Status: "error", Error: err.Error()})
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&priorityName, "priority", "normal", "job priority: critical, high, normal, or low")
	return cmd
}

func runTranscribe(cmd *cobra.Command, sourcePath, outputDir, priorityName string) error {
	_ = godotenv.Load()

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Server.LogLevel, nil)
	slog.SetDefault(logger)

	priority, err := job.ParsePriority(priorityName)
	if err != nil {
		return err
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := archive.NewStore(ctx, cfg.Archive)
	if err != nil {
		logger.Warn("archive unavailable, continuing without it", "err", err)
		store = nil
	}
	defer store.Close()

	orch := orchestrator.New(*cfg, providers,
		orchestrator.WithLogger(logger),
		orchestrator.WithArchive(store))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		orch.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	start := time.Now()
	snap, err := orch.Submit(ctx, sourcePath, outputDir, priority)
	if err != nil {
		return err
	}

	snap, err = awaitJob(ctx, orch, snap.ID)
	if err != nil {
		return err
	}
	switch snap.State {
	case job.StateCompleted:
	case job.StateCancelled:
		return errors.New("transcription cancelled")
	default:
		return errors.New(snap.Error)
	}

	result, err := readFinalTranscription(snap.OutputDir)
	if err != nil {
		return err
	}
	printResult(cliResult{
		Status:                "success",
		Text:                  result.Text(),
		Language:              result.Language,
		ProcessingType:        "chunked",
		ProcessingTimeSeconds: time.Since(start).Seconds(),
	})
	return nil
}

// awaitJob polls until the job reaches a terminal state. On signal it cancels
// the job and keeps polling so the engine can wind down cleanly.
func awaitJob(ctx context.Context, orch *orchestrator.Orchestrator, id string) (job.Snapshot, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	cancelled := false
	for {
		snap, err := orch.Status(id)
		if err != nil {
			return job.Snapshot{}, err
		}
		if snap.State.Terminal() {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			if !cancelled {
				cancelled = true
				if err := orch.Cancel(id); err != nil {
					return job.Snapshot{}, err
				}
			}
			<-ticker.C
		case <-ticker.C:
		}
	}
}

func readFinalTranscription(outputDir string) (*merger.MergedTranscription, error) {
	f, err := os.Open(filepath.Join(outputDir, "final_transcription.json"))
	if err != nil {
		return nil, fmt.Errorf("read transcription: %w", err)
	}
	defer f.Close()

	var t merger.MergedTranscription
	if err := json.NewDecoder(f).Decode(&t); err != nil {
		return nil, fmt.Errorf("decode transcription: %w", err)
	}
	return &t, nil
}

func printResult(r cliResult) {
	r.Timestamp = time.Now().UTC().Format(time.RFC3339)
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(r)
}

// ── serve ─────────────────────────────────────────────────────────────────────

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the HTTP status and job API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	level := new(slog.LevelVar)
	logger := newLogger(cfg.Server.LogLevel, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	store, err := archive.NewStore(ctx, cfg.Archive)
	if err != nil {
		logger.Warn("archive unavailable, continuing without it", "err", err)
		store = nil
	}
	defer store.Close()

	orch := orchestrator.New(*cfg, providers,
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithArchive(store))

	// Hot reload: governor limits, merger vocabulary and tunables, and the
	// log level follow the config file while the engine runs.
	watcher, err := config.NewWatcher(configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if !d.Any() {
			return
		}
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			logger.Info("log level changed", "level", d.NewLogLevel)
		}
		orch.ApplyConfig(new)
	})
	if err != nil {
		logger.Debug("config watcher disabled", "path", configPath, "err", err)
	} else {
		defer watcher.Stop()
	}

	var checkers []health.Checker
	if store != nil {
		checkers = append(checkers, health.Checker{Name: "archive", Check: store.Ping})
	}
	mux := http.NewServeMux()
	health.NewServer(orch, logger, checkers...).Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		orch.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("echoscribe serving", "listen_addr", cfg.Server.ListenAddr, "config", configPath)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		stop()
		<-engineDone
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "err", err)
	}
	<-engineDone
	logger.Info("goodbye")
	return nil
}

// ── logger ────────────────────────────────────────────────────────────────────

// newLogger builds the process logger writing to stderr. When level is
// non-nil it becomes the handler's dynamic level so it can be changed at
// runtime.
func newLogger(cfgLevel config.LogLevel, level *slog.LevelVar) *slog.Logger {
	if level == nil {
		level = new(slog.LevelVar)
	}
	level.Set(slogLevel(cfgLevel))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
