package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"relaycheck/internal/metrics"
	"relaycheck/internal/models"
	"relaycheck/internal/probe"
	"relaycheck/internal/relayurl"
	"relaycheck/internal/storage"
)

// Prober opens relay sessions. probe.Prober is the production implementation.
type Prober interface {
	Connect(ctx context.Context, u relayurl.URL) (probe.Session, error)
}

// ResultSink persists the independent parts of a check outcome.
type ResultSink interface {
	RecordConnection(ctx context.Context, id int64, checkedAt time.Time, reachable bool) error
	RecordInfoDocument(ctx context.Context, id int64, doc []byte) error
	RecordSyncSupport(ctx context.Context, id int64, supported bool) error
}

// Checker runs the per-relay pipeline: connect, record reachability, then
// run both capability probes on the open session.
type Checker struct {
	prober  Prober
	sink    ResultSink
	clock   clock.Clock
	metrics *metrics.ProbeMetrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewChecker wires a checker. A nil clock uses wall time.
func NewChecker(prober Prober, sink ResultSink, clk clock.Clock, m *metrics.ProbeMetrics, logger *slog.Logger) *Checker {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		prober:  prober,
		sink:    sink,
		clock:   clk,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("relaycheck/monitor"),
	}
}

// Check probes a single relay and persists what it observed.
//
// A relay that cannot be parsed or connected to is recorded as unreachable
// and its capability fields are left untouched. Capability probe failures
// are swallowed: a failed info document fetch keeps the previous document,
// a failed sync probe records false. Persistence errors end the pipeline.
// The session is released on every path.
func (c *Checker) Check(ctx context.Context, relay models.Relay) (models.Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "monitor.check_relay", trace.WithAttributes(
		attribute.Int64("relay_id", relay.ID),
		attribute.String("relay_url", relay.URL),
	))
	defer span.End()

	outcome, err := c.check(ctx, relay)
	span.SetAttributes(attribute.Bool("reachable", outcome.Reachable))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (c *Checker) check(ctx context.Context, relay models.Relay) (models.Outcome, error) {
	u, err := relayurl.Parse(relay.URL)
	if err != nil {
		return models.Outcome{}, c.recordUnreachable(ctx, relay, err)
	}

	sess, err := c.prober.Connect(ctx, u)
	if err != nil {
		return models.Outcome{}, c.recordUnreachable(ctx, relay, err)
	}
	defer sess.Release()

	outcome := models.Outcome{Reachable: true}
	if err := c.sink.RecordConnection(ctx, relay.ID, c.clock.Now(), true); err != nil {
		return outcome, err
	}

	logger := c.logger.With(slog.String("relay", u.String()))
	var (
		g      errgroup.Group
		infoOK bool
		syncOK bool
	)
	g.Go(func() error {
		doc, err := sess.FetchInfoDocument(ctx)
		c.observeCapability(probe.CapabilityInfoDocument, err == nil)
		if err != nil {
			logger.Debug("info document unavailable", slog.Any("error", err))
			return nil
		}
		if err := c.sink.RecordInfoDocument(ctx, relay.ID, doc); err != nil {
			return err
		}
		infoOK = true
		return nil
	})
	g.Go(func() error {
		err := sess.ProbeSync(ctx)
		c.observeCapability(probe.CapabilitySync, err == nil)
		if err != nil {
			logger.Debug("negentropy not supported", slog.Any("error", err))
		}
		if err := c.sink.RecordSyncSupport(ctx, relay.ID, err == nil); err != nil {
			return err
		}
		syncOK = err == nil
		return nil
	})
	err = g.Wait()

	outcome.InfoDocument = infoOK
	outcome.SyncSupport = syncOK
	return outcome, err
}

// recordUnreachable refreshes last_check with reachable=false and returns
// cause, joined with the write error if persisting failed too.
func (c *Checker) recordUnreachable(ctx context.Context, relay models.Relay, cause error) error {
	if err := c.sink.RecordConnection(ctx, relay.ID, c.clock.Now(), false); err != nil {
		return multierr.Combine(cause, err)
	}
	return cause
}

func (c *Checker) observeCapability(which probe.Capability, ok bool) {
	if c.metrics != nil {
		c.metrics.ObserveCapability(string(which), ok)
	}
}

// outcomeLabel maps a check result onto the metrics outcome label.
func outcomeLabel(err error) string {
	var (
		persistErr *storage.PersistenceError
		connErr    *probe.ConnectionError
		parseErr   *relayurl.AddressParseError
	)
	switch {
	case err == nil:
		return metrics.OutcomeReachable
	case errors.As(err, &persistErr):
		return metrics.OutcomeError
	case errors.As(err, &connErr):
		return metrics.OutcomeUnreachable
	case errors.As(err, &parseErr):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeError
	}
}
