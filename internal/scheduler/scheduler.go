// Package scheduler runs attribution and delivery sweeps, either on demand or
// from ticker loops, and guarantees a sweep kind never overlaps itself.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/solatis/attributor/internal/attribution"
	"github.com/solatis/attributor/internal/core/config"
	"github.com/solatis/attributor/internal/delivery"
	"github.com/solatis/attributor/internal/types"
	"golang.org/x/sync/errgroup"
)

// Sweep kinds, also used as metric and log labels.
const (
	KindAttribution       = "attribution"
	KindEventDelivery     = "event_delivery"
	KindAggregateDelivery = "aggregate_delivery"
)

// ErrSweepRunning is returned when a sweep of the same kind is in progress.
var ErrSweepRunning = errors.New("sweep already running")

// Runner owns the per-kind locks shared by the admin API and the ticker loops.
type Runner struct {
	engine   *attribution.Engine
	delivery *delivery.Handler
	cfg      config.Snapshot
	logger   zerolog.Logger

	attributionMu sync.Mutex
	eventMu       sync.Mutex
	aggregateMu   sync.Mutex
}

// NewRunner wires a runner around an engine and a delivery handler.
// cfg is copied and handed to every sweep.
func NewRunner(engine *attribution.Engine, handler *delivery.Handler, cfg config.Snapshot, logger zerolog.Logger) *Runner {
	return &Runner{
		engine:   engine,
		delivery: handler,
		cfg:      cfg,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Snapshot returns the engine configuration the runner sweeps with.
func (r *Runner) Snapshot() config.Snapshot {
	return r.cfg
}

// Engine exposes the attribution engine for registration calls.
func (r *Runner) Engine() *attribution.Engine {
	return r.engine
}

// RunAttribution performs one attribution sweep. It fails fast with
// ErrSweepRunning rather than queueing behind an in-flight sweep.
func (r *Runner) RunAttribution(ctx context.Context) (attribution.SweepResult, error) {
	if !r.attributionMu.TryLock() {
		return attribution.SweepResult{}, ErrSweepRunning
	}
	defer r.attributionMu.Unlock()
	return r.engine.ProcessPending(ctx, r.cfg)
}

// DeliverEventReports performs one event-report delivery sweep.
func (r *Runner) DeliverEventReports(ctx context.Context) (delivery.Result, error) {
	if !r.eventMu.TryLock() {
		return delivery.Result{}, ErrSweepRunning
	}
	defer r.eventMu.Unlock()
	return r.delivery.DeliverEventReports(ctx, r.cfg)
}

// DeliverAggregateReports performs one aggregate-report delivery sweep.
func (r *Runner) DeliverAggregateReports(ctx context.Context) (delivery.Result, error) {
	if !r.aggregateMu.TryLock() {
		return delivery.Result{}, ErrSweepRunning
	}
	defer r.aggregateMu.Unlock()
	return r.delivery.DeliverAggregateReports(ctx, r.cfg)
}

// DeliverEventReport sends one event report now, ignoring its report time.
func (r *Runner) DeliverEventReport(ctx context.Context, id types.ReportID) (string, error) {
	if !r.eventMu.TryLock() {
		return "", ErrSweepRunning
	}
	defer r.eventMu.Unlock()
	return r.delivery.DeliverEventReport(ctx, id)
}

// DeliverAggregateReport sends one aggregate report now.
func (r *Runner) DeliverAggregateReport(ctx context.Context, id types.ReportID) (string, error) {
	if !r.aggregateMu.TryLock() {
		return "", ErrSweepRunning
	}
	defer r.aggregateMu.Unlock()
	return r.delivery.DeliverAggregateReport(ctx, id)
}

// Run starts one ticker loop per sweep kind with a positive interval and
// blocks until ctx is cancelled. Sweep errors are logged; the loop keeps
// ticking so a transient datastore failure is retried on the next tick.
func (r *Runner) Run(ctx context.Context, sched config.ScheduleConfig) error {
	g, ctx := errgroup.WithContext(ctx)

	loops := []struct {
		kind     string
		interval time.Duration
		sweep    func(context.Context) error
	}{
		{KindAttribution, sched.Attribution, func(ctx context.Context) error {
			_, err := r.RunAttribution(ctx)
			return err
		}},
		{KindEventDelivery, sched.EventDelivery, func(ctx context.Context) error {
			_, err := r.DeliverEventReports(ctx)
			return err
		}},
		{KindAggregateDelivery, sched.AggregateDelivery, func(ctx context.Context) error {
			_, err := r.DeliverAggregateReports(ctx)
			return err
		}},
	}

	for _, l := range loops {
		if l.interval <= 0 {
			r.logger.Info().Str("kind", l.kind).Msg("sweep loop disabled")
			continue
		}
		l := l
		g.Go(func() error {
			r.loop(ctx, l.kind, l.interval, l.sweep)
			return nil
		})
	}

	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, kind string, interval time.Duration, sweep func(context.Context) error) {
	logger := r.logger.With().Str("kind", kind).Dur("interval", interval).Logger()
	logger.Info().Msg("sweep loop started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("sweep loop stopped")
			return
		case <-ticker.C:
			err := sweep(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrSweepRunning):
				logger.Debug().Msg("previous sweep still running, skipping tick")
			case ctx.Err() != nil:
				return
			default:
				logger.Error().Err(err).Msg("scheduled sweep failed")
			}
		}
	}
}
