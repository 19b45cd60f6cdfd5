package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"llmcouncil/internal/config"
	"llmcouncil/internal/council"
	"llmcouncil/internal/history"
	"llmcouncil/internal/lifecycle"
	"llmcouncil/internal/logging"
	"llmcouncil/internal/metrics"
	"llmcouncil/internal/stage"
	"llmcouncil/internal/telemetry"
)

type appConfig struct {
	config.Config
	configPath string
	ask        string
}

// configPathFromArgs finds -config before the file is loaded, since the file supplies the
// defaults of every other flag.
func configPathFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		for _, prefix := range []string{"-config", "--config"} {
			if arg == prefix && i+1 < len(args) {
				return args[i+1]
			}
			if strings.HasPrefix(arg, prefix+"=") {
				return strings.TrimPrefix(arg, prefix+"=")
			}
		}
	}
	return ""
}

func parseFlags(args []string, stderr io.Writer) (appConfig, error) {
	var cfg appConfig
	cfg.configPath = configPathFromArgs(args)
	loaded, err := config.Load(cfg.configPath)
	if err != nil {
		return cfg, err
	}
	cfg.Config = *loaded

	fs := flag.NewFlagSet("council-tui", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.configPath, "config", cfg.configPath, "Config file (default: $COUNCIL_CONFIG or ./council.yaml)")
	fs.StringVar(&cfg.ask, "ask", "", "Ask one question, print the council's answer and exit")
	config.BindFlags(fs, &cfg.Config)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if rest := strings.TrimSpace(strings.Join(fs.Args(), " ")); cfg.ask == "" && rest != "" {
		cfg.ask = rest
	}
	if err := cfg.Normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := parseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "council-tui: %v\n", err)
		return 2
	}
	oneShot := strings.TrimSpace(cfg.ask) != ""

	var logger zerolog.Logger
	if oneShot {
		logger, err = logging.Console(os.Stderr, cfg.Log.Level)
	} else {
		var closer io.Closer
		logger, closer, err = logging.File(cfg.Log.File, cfg.Log.Level)
		if closer != nil {
			defer closer.Close()
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "council-tui: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := startTracing(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("tracing disabled")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("trace flush failed")
			}
		}()
	}

	m := metrics.New()
	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Addr, m, logger); err != nil {
			logger.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("metrics listener stopped")
		}
	}()

	backend, err := history.Open(ctx, cfg.Storage.Backend, cfg.Storage.Path, cfg.Storage.RedisURL)
	if err != nil {
		// history is best effort; an unusable store must not block asking questions
		logger.Error().Err(err).Str("backend", cfg.Storage.Backend).Msg("history storage unavailable, keeping conversation in memory")
		backend = history.NewMemoryBackend()
	}
	store := history.NewStore(backend,
		history.WithKey(cfg.Storage.Key),
		history.WithLogger(logger),
		history.WithFailureHook(func(op string, _ error) { m.ObservePersistenceFailure(op) }),
	)
	defer store.Close()

	client := council.NewClient(cfg.API.BaseURL,
		council.WithTimeout(cfg.Timeout()),
		council.WithLogger(logger),
	)
	sim := stage.New(cfg.StageInterval())

	if oneShot {
		return runAsk(ctx, cfg, client, store, sim, m, logger, os.Stdout)
	}

	updates := make(chan struct{}, 1)
	ctrl := lifecycle.New(ctx, client, store, sim,
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(m),
		lifecycle.WithObserver(notifier(updates)),
	)
	logger.Info().
		Str("api", cfg.API.BaseURL).
		Str("storage", cfg.Storage.Backend).
		Int("turns", len(ctrl.Snapshot().History)).
		Msg("council-tui started")

	opts := []tea.ProgramOption{tea.WithMouseCellMotion(), tea.WithContext(ctx)}
	if cfg.UI.AltScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	p := tea.NewProgram(newModel(cfg.Config, ctrl, updates, logger), opts...)
	final, err := p.Run()
	if fm, ok := final.(model); ok {
		fm.abandonPending(2 * time.Second)
	}
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		fmt.Fprintf(os.Stderr, "council-tui fatal error: %v\n", err)
		return 1
	}
	return 0
}

func startTracing(cfg appConfig, logger zerolog.Logger) (func(context.Context) error, error) {
	if cfg.Telemetry.TraceFile == "" {
		return telemetry.InitTracer("council-tui", nil, logger)
	}
	f, err := os.OpenFile(cfg.Telemetry.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	shutdown, err := telemetry.InitTracer("council-tui", f, logger)
	if err != nil {
		f.Close()
		return nil, err
	}
	return func(ctx context.Context) error {
		err := shutdown(ctx)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}

// runAsk answers one question without the TUI. Stage progress goes to the logger and the
// answer to out.
func runAsk(ctx context.Context, cfg appConfig, client lifecycle.Querier, store lifecycle.HistoryStore, sim lifecycle.Simulator, m *metrics.Metrics, logger zerolog.Logger, out io.Writer) int {
	lastStage := stage.None
	observer := func(snap lifecycle.Snapshot) {
		if !snap.IsSubmitting || snap.SimulatedStage == lastStage {
			return
		}
		lastStage = snap.SimulatedStage
		for _, info := range stage.Stages {
			if info.ID == snap.SimulatedStage {
				logger.Info().Int("stage", info.ID).Str("name", info.Name).Msg(info.Description)
			}
		}
	}
	ctrl := lifecycle.New(ctx, client, store, sim,
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(m),
		lifecycle.WithObserver(observer),
	)
	if err := ctrl.RefreshHealth(ctx); err == nil {
		if h := ctrl.Snapshot().Health; h != nil {
			logger.Info().Str("status", h.Status).Msg(healthLabel(h))
		}
	}

	ch, err := ctrl.Submit(ctx, cfg.ask)
	if err != nil {
		logger.Error().Err(err).Msg("question rejected")
		return 2
	}
	res := <-ch
	switch {
	case res.Abandoned:
		logger.Warn().Msg("interrupted before the council answered")
		return 130
	case res.Err != nil:
		fmt.Fprintln(out, lifecycle.ErrorPrefix+lifecycle.FailureMessage(res.Err))
		return 1
	}
	fmt.Fprintln(out, formatResultPlain(res.Assistant.Result, 100, &markdownCache{}, cfg.UI.Markdown))
	return 0
}
