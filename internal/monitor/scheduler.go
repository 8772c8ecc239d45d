package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"relaycheck/internal/metrics"
	"relaycheck/internal/models"
	"relaycheck/internal/probe"
	"relaycheck/internal/storage"
)

// DefaultMaxConcurrent bounds the number of relays checked at once.
const DefaultMaxConcurrent = 50

// CheckFunc runs the pipeline for a single relay.
type CheckFunc func(ctx context.Context, relay models.Relay) (models.Outcome, error)

// Scheduler fans a batch of relays out to pipelines under a concurrency cap.
type Scheduler struct {
	limit   int
	logger  *slog.Logger
	metrics *metrics.ProbeMetrics
}

// NewScheduler returns a scheduler admitting at most limit pipelines at a
// time. A non-positive limit falls back to DefaultMaxConcurrent.
func NewScheduler(limit int, m *metrics.ProbeMetrics, logger *slog.Logger) *Scheduler {
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{limit: limit, logger: logger, metrics: m}
}

// Limit reports the concurrency cap.
func (s *Scheduler) Limit() int { return s.limit }

// Run checks every relay and returns once all admitted pipelines finished.
// Pipeline errors are logged and tallied, never returned. Cancelling ctx
// stops admission; relays not yet admitted are counted as skipped while
// admitted pipelines run to completion under their own deadlines.
func (s *Scheduler) Run(ctx context.Context, relays []models.Relay, check CheckFunc) models.RunSummary {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	sem := semaphore.NewWeighted(int64(s.limit))
	summary := models.RunSummary{Total: len(relays)}
	pipelineCtx := context.WithoutCancel(ctx)

	for i, relay := range relays {
		// The slot is taken before the goroutine exists, so at most limit
		// pipelines are ever live.
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			summary.Skipped = len(relays) - i
			mu.Unlock()
			s.logger.Warn("run cancelled, skipping remaining relays",
				slog.Int("skipped", len(relays)-i), slog.Any("error", err))
			break
		}

		wg.Add(1)
		go func(i int, relay models.Relay) {
			defer wg.Done()
			defer sem.Release(1)

			start := time.Now()
			outcome, err := s.runPipeline(pipelineCtx, relay, check)
			s.report(i, len(relays), relay, outcome, err)
			if s.metrics != nil {
				s.metrics.ObserveCheck(outcomeLabel(err), time.Since(start))
			}

			mu.Lock()
			tally(&summary, outcome, err)
			mu.Unlock()
		}(i, relay)
	}

	wg.Wait()
	return summary
}

// runPipeline isolates a single pipeline so that a panic only fails that
// relay.
func (s *Scheduler) runPipeline(ctx context.Context, relay models.Relay, check CheckFunc) (outcome models.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	if s.metrics == nil {
		return check(ctx, relay)
	}
	s.metrics.TrackCheck(func() {
		outcome, err = check(ctx, relay)
	})
	return outcome, err
}

func (s *Scheduler) report(i, total int, relay models.Relay, outcome models.Outcome, err error) {
	logger := s.logger.With(
		slog.String("progress", fmt.Sprintf("%d/%d", i+1, total)),
		slog.Int64("relay_id", relay.ID),
		slog.String("relay", relay.URL),
	)

	var connErr *probe.ConnectionError
	switch {
	case err == nil:
		logger.Info("relay reachable",
			slog.Bool("nip11", outcome.InfoDocument),
			slog.Bool("negentropy", outcome.SyncSupport))
	case errors.As(err, &connErr) && !isPersistence(err):
		logger.Info("relay unreachable",
			slog.String("class", connErr.Class.String()),
			slog.Bool("timeout", connErr.Timeout()),
			slog.Any("error", connErr.Cause))
	default:
		logger.Error("relay check failed", slog.Any("error", err))
	}
}

func tally(summary *models.RunSummary, outcome models.Outcome, err error) {
	var connErr *probe.ConnectionError
	switch {
	case err == nil:
		summary.Reachable++
	case isPersistence(err):
		summary.Failed++
	case errors.As(err, &connErr):
		summary.Unreachable++
	default:
		summary.Failed++
	}
	if outcome.InfoDocument {
		summary.InfoDocuments++
	}
	if outcome.SyncSupport {
		summary.SyncSupported++
	}
}

func isPersistence(err error) bool {
	var persistErr *storage.PersistenceError
	return errors.As(err, &persistErr)
}
