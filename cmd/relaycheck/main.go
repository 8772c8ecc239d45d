package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"

	"relaycheck/internal/config"
	"relaycheck/internal/metrics"
	"relaycheck/internal/monitor"
	"relaycheck/internal/probe"
	"relaycheck/internal/server"
	"relaycheck/internal/session"
	"relaycheck/internal/storage"
)

const usage = `usage: relaycheck <command> [flags]

commands:
  check    run one check of every stale relay and exit
  serve    check periodically and serve the HTTP API
  stats    print the relay report
  import   add relay URLs read from a file or stdin
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "check":
		err = runCheck(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	case "stats":
		err = runStats(ctx, args, os.Stdout)
	case "import":
		err = runImport(ctx, args, os.Stdin)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("relaycheck failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// env is what every command needs: configuration, a logger and the store.
type env struct {
	cfg    config.Config
	logger *slog.Logger
	store  *storage.Store
}

func setup(ctx context.Context, fs *flag.FlagSet, args []string) (*env, error) {
	configPath := fs.String("config", "config.yaml", "path to configuration file (YAML)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	store, err := storage.Open(ctx, cfg.DatabasePath, otel.Tracer("relaycheck/storage"))
	if err != nil {
		return nil, fmt.Errorf("open relay store: %w", err)
	}
	return &env{cfg: cfg, logger: logger, store: store}, nil
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// buildMonitor wires the probing pipeline on top of e.store.
func buildMonitor(e *env, reg prometheus.Registerer) (*monitor.Monitor, *storage.RunHistory, func(), error) {
	sessions, err := session.NewManager(e.cfg.ProxyAddress, e.logger.With(slog.String("component", "session")))
	if err != nil {
		return nil, nil, nil, err
	}
	runs, err := storage.NewRunHistory(e.cfg.RunHistoryPath(), e.cfg.HistoryLimit)
	if err != nil {
		_ = sessions.Close()
		return nil, nil, nil, fmt.Errorf("open run history: %w", err)
	}

	m := metrics.NewProbeMetrics(reg)
	prober := probe.New(sessions, probe.Config{
		StandardTimeout:  e.cfg.StandardTimeout(),
		AnonymityTimeout: e.cfg.AnonymityTimeout(),
	})
	logger := e.logger.With(slog.String("component", "monitor"))

	mon := monitor.New(monitor.Config{
		Interval:        e.cfg.Interval(),
		StalenessWindow: e.cfg.StalenessWindow(),
		ProxyAddress:    e.cfg.ProxyAddress,
		Source:          e.store,
		Scheduler:       monitor.NewScheduler(e.cfg.MaxConcurrent, m, logger),
		Checker:         monitor.NewChecker(prober, e.store, nil, m, logger),
		Runs:            runs,
		Metrics:         m,
		Logger:          logger,
	})
	cleanup := func() {
		if err := sessions.Close(); err != nil {
			e.logger.Warn("close sessions", slog.Any("error", err))
		}
	}
	return mon, runs, cleanup, nil
}

func runCheck(ctx context.Context, args []string) error {
	e, err := setup(ctx, flag.NewFlagSet("check", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	defer e.store.Close()

	mon, _, cleanup, err := buildMonitor(e, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer cleanup()

	_, err = mon.RunOnce(ctx)
	return err
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "address for the web server (overrides listen_addr)")
	e, err := setup(ctx, fs, args)
	if err != nil {
		return err
	}
	defer e.store.Close()
	if *addr != "" {
		e.cfg.ListenAddr = *addr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mon, runs, cleanup, err := buildMonitor(e, reg)
	if err != nil {
		return err
	}
	defer cleanup()

	mon.Start()
	defer mon.Stop()

	srv := server.New(e.cfg.ListenAddr, e.store, runs, reg, e.cfg.HistoryLimit, e.logger.With(slog.String("component", "server")))
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn("server shutdown", slog.Any("error", err))
		}
	}()

	e.logger.Info("relaycheck listening",
		slog.String("addr", e.cfg.ListenAddr),
		slog.Duration("interval", e.cfg.Interval()),
		slog.Int("max_concurrent", e.cfg.MaxConcurrent))
	if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func runStats(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	top := fs.Int("top", metrics.DefaultTopImplementations, "number of implementations to list")
	e, err := setup(ctx, fs, args)
	if err != nil {
		return err
	}
	defer e.store.Close()

	counts, err := e.store.Counts(ctx)
	if err != nil {
		return err
	}
	docs, err := e.store.InfoDocuments(ctx)
	if err != nil {
		return err
	}
	printStats(out, metrics.ComputeRelayStats(counts, docs, *top))
	return nil
}

func printStats(w io.Writer, s metrics.RelayStats) {
	fmt.Fprintf(w, "Total relays:        %d\n", s.TotalRelays)
	fmt.Fprintf(w, "Checked relays:      %d (%.2f%%)\n", s.CheckedRelays, s.CheckedPercent)
	fmt.Fprintf(w, "Reachable relays:    %d (%.2f%% of checked)\n", s.ReachableRelays, s.ReachablePercent)
	fmt.Fprintf(w, "Negentropy support:  %d (%.2f%% of reachable)\n", s.SyncSupported, s.SyncSupportedPercent)
	if len(s.Implementations) == 0 {
		return
	}
	fmt.Fprintf(w, "\nImplementations (%d relays with NIP-11):\n", s.DocumentedRelays)
	for _, impl := range s.Implementations {
		fmt.Fprintf(w, "  %-40s %6d (%.2f%%)\n", impl.Software, impl.Count, impl.Percent)
	}
	if s.OtherImplementations > 0 {
		fmt.Fprintf(w, "  ... and %d more\n", s.OtherImplementations)
	}
}

func runImport(ctx context.Context, args []string, stdin io.Reader) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	file := fs.String("file", "", "file with one relay URL per line (default stdin)")
	e, err := setup(ctx, fs, args)
	if err != nil {
		return err
	}
	defer e.store.Close()

	in := stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	res, err := importRelays(ctx, in, e.store)
	if err != nil {
		return err
	}
	e.logger.Info("import finished",
		slog.Int("added", res.Added),
		slog.Int("known", res.Known),
		slog.Int("local", res.Local),
		slog.Int("invalid", res.Invalid))
	return nil
}
