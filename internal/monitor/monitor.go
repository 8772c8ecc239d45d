package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"relaycheck/internal/metrics"
	"relaycheck/internal/models"
	"relaycheck/internal/probe"
)

const (
	// DefaultStalenessWindow is how long a check result stays fresh.
	DefaultStalenessWindow = 7 * 24 * time.Hour

	proxyCheckTimeout = 4 * time.Second
)

// TargetSource lists relays due for a check.
type TargetSource interface {
	ListStale(ctx context.Context, cutoff time.Time) ([]models.Relay, error)
}

// RunRecorder keeps summaries of finished runs.
type RunRecorder interface {
	Append(run models.RunSummary) error
}

// Config wires a Monitor. Runs, Metrics and ProxyAddress are optional.
type Config struct {
	Interval        time.Duration
	StalenessWindow time.Duration
	ProxyAddress    string

	Source    TargetSource
	Scheduler *Scheduler
	Checker   *Checker
	Runs      RunRecorder
	Clock     clock.Clock
	Metrics   *metrics.ProbeMetrics
	Logger    *slog.Logger
}

// Monitor periodically checks stale relays and records a summary per run.
type Monitor struct {
	interval  time.Duration
	staleness time.Duration
	proxyAddr string

	source    TargetSource
	scheduler *Scheduler
	checker   *Checker
	runs      RunRecorder
	clock     clock.Clock
	metrics   *metrics.ProbeMetrics
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a monitor from cfg.
func New(cfg Config) *Monitor {
	if cfg.Interval < time.Minute {
		cfg.Interval = time.Minute
	}
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = DefaultStalenessWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Monitor{
		interval:  cfg.Interval,
		staleness: cfg.StalenessWindow,
		proxyAddr: cfg.ProxyAddress,
		source:    cfg.Source,
		scheduler: cfg.Scheduler,
		checker:   cfg.Checker,
		runs:      cfg.Runs,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the monitoring loop in a goroutine.
// Start after Stop, or a second Start, is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	go m.run()
}

// Stop requests graceful loop termination and waits until it is done.
// A run in progress stops admitting relays and waits for those already
// being checked.
// It is safe to call without Start and from several goroutines.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stopCh)
	}
	started := m.started
	m.mu.Unlock()

	if started {
		<-m.doneCh
	}
}

// RunOnce checks every relay whose last check is older than the staleness
// window and returns the run summary. Per-relay failures only show up in
// the summary; an error means the run itself could not happen or could not
// be recorded.
func (m *Monitor) RunOnce(ctx context.Context) (models.RunSummary, error) {
	startedAt := m.clock.Now()
	run := models.RunSummary{ID: uuid.NewString(), StartedAt: startedAt.UTC()}

	if m.proxyAddr != "" {
		status := probe.CheckProxy(ctx, m.proxyAddr, proxyCheckTimeout)
		if !status.OK {
			m.logger.Warn("anonymity proxy unreachable, onion relays will fail",
				slog.String("proxy", m.proxyAddr), slog.String("error", status.Error))
		}
	}

	cutoff := startedAt.Add(-m.staleness)
	relays, err := m.source.ListStale(ctx, cutoff)
	if err != nil {
		return run, fmt.Errorf("list stale relays: %w", err)
	}
	m.logger.Info("starting run",
		slog.String("run_id", run.ID),
		slog.Int("relays", len(relays)),
		slog.Int("concurrency", m.scheduler.Limit()),
		slog.Time("cutoff", cutoff))

	summary := m.scheduler.Run(ctx, relays, m.checker.Check)
	summary.ID = run.ID
	summary.StartedAt = run.StartedAt
	summary.FinishedAt = m.clock.Now().UTC()

	elapsed := summary.FinishedAt.Sub(summary.StartedAt)
	if m.metrics != nil {
		m.metrics.ObserveRun(summary.Total, elapsed)
	}
	m.logger.Info("run finished",
		slog.String("run_id", summary.ID),
		slog.Int("total", summary.Total),
		slog.Int("reachable", summary.Reachable),
		slog.Int("unreachable", summary.Unreachable),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped),
		slog.Duration("elapsed", elapsed))

	if m.runs != nil {
		if err := m.runs.Append(summary); err != nil {
			return summary, fmt.Errorf("record run: %w", err)
		}
	}
	return summary, nil
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	if _, err := m.RunOnce(ctx); err != nil {
		m.logger.Error("initial run failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.logger.Error("scheduled run failed", slog.Any("error", err))
			}
		case <-m.stopCh:
			return
		}
	}
}
