// Package attribution matches pending triggers against registered sources and
// writes event-level and aggregate reports.
package attribution

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/solatis/attributor/internal/core/config"
	"github.com/solatis/attributor/internal/filters"
	"github.com/solatis/attributor/internal/metrics"
	"github.com/solatis/attributor/internal/privacy"
	"github.com/solatis/attributor/internal/store"
	"github.com/solatis/attributor/internal/types"
)

/*
 * Attribution sweep.
 *
 * ProcessPending drains pending triggers in batches. Each trigger is one
 * transaction (Attribute):
 *   1. Load the trigger; anything but PENDING is a no-op.
 *   2. Load sources for (destination, reporting origin) whose lifetime covers
 *      the trigger time, ordered by priority then event time, both descending.
 *   3. Drop sources failing the trigger's top-level filters.
 *   4. Event path (event.go): first (event trigger, source) pair that
 *      matches wins; guards may refuse it.
 *   5. Aggregate path (aggregate.go): every remaining source with keys and
 *      budget contributes.
 *   6. Trigger becomes ATTRIBUTED if either path attributed, else IGNORED.
 *
 * An error inside the transaction rolls back every write for that trigger
 * and stops the sweep; the next sweep retries it from scratch. Cancellation
 * is honoured between triggers only.
 */

// Randomizer supplies randomized-response decisions and uniform draws.
// *privacy.Noise implements it.
type Randomizer interface {
	Decide(params privacy.Params) (privacy.Decision, error)
	Float64() float64
}

// Engine runs attribution and registration against a datastore.
type Engine struct {
	store    store.Datastore
	clock    store.Clock
	noise    Randomizer
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewEngine wires an engine. A nil clock reads the wall clock; a nil noise
// source draws from a crypto-seeded generator.
func NewEngine(ds store.Datastore, clock store.Clock, noise Randomizer, logger zerolog.Logger) *Engine {
	if clock == nil {
		clock = store.SystemClock{}
	}
	if noise == nil {
		noise = privacy.NewNoise(nil)
	}
	return &Engine{
		store:    ds,
		clock:    clock,
		noise:    noise,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With().Str("component", "attribution").Logger(),
	}
}

// Outcome summarizes one trigger's attribution.
type Outcome struct {
	TriggerID        types.TriggerID
	Status           types.TriggerStatus
	EventReports     int
	AggregateReports int
	// Skipped is set when the trigger was no longer pending.
	Skipped bool
}

// SweepResult summarizes one ProcessPending call.
type SweepResult struct {
	Processed        int
	Attributed       int
	Ignored          int
	EventReports     int
	AggregateReports int
}

// ProcessPending attributes pending triggers until none remain, ctx is
// cancelled, or a trigger fails.
func (e *Engine) ProcessPending(ctx context.Context, cfg config.Snapshot) (SweepResult, error) {
	var result SweepResult
	if !cfg.AttributionEnabled {
		e.logger.Info().Msg("attribution disabled, skipping sweep")
		return result, nil
	}

	start := time.Now()
	defer func() {
		metrics.SweepDuration.WithLabelValues("attribution").Observe(time.Since(start).Seconds())
	}()

	for {
		var ids []types.TriggerID
		err := e.store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			ids, err = tx.PendingTriggerIDs(ctx, cfg.BatchSize)
			return err
		})
		if err != nil {
			metrics.SweepErrors.WithLabelValues("attribution").Inc()
			return result, types.DatastoreError("list pending triggers", err)
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			out, err := e.Attribute(ctx, cfg, id)
			if err != nil {
				metrics.SweepErrors.WithLabelValues("attribution").Inc()
				e.logger.Error().Err(err).Str("trigger_id", string(id)).Msg("attribution failed")
				return result, err
			}
			if out.Skipped {
				continue
			}
			result.Processed++
			result.EventReports += out.EventReports
			result.AggregateReports += out.AggregateReports
			if out.Status == types.TriggerStatusAttributed {
				result.Attributed++
			} else {
				result.Ignored++
			}
		}
	}

	e.logger.Info().
		Int("processed", result.Processed).
		Int("attributed", result.Attributed).
		Int("ignored", result.Ignored).
		Int("event_reports", result.EventReports).
		Int("aggregate_reports", result.AggregateReports).
		Dur("elapsed", time.Since(start)).
		Msg("attribution sweep complete")
	return result, nil
}

// Attribute processes one trigger in a single transaction.
func (e *Engine) Attribute(ctx context.Context, cfg config.Snapshot, id types.TriggerID) (Outcome, error) {
	out := Outcome{TriggerID: id}
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		trig, err := tx.GetTrigger(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load trigger: %w", err)
		}
		if trig.Status != types.TriggerStatusPending {
			out.Status = trig.Status
			out.Skipped = true
			return nil
		}

		sources, err := tx.MatchingSources(ctx, trig)
		if err != nil {
			return fmt.Errorf("failed to load sources: %w", err)
		}
		candidates := eligibleSources(sources, trig)

		eventAttributed := false
		if cfg.EventReportingEnabled && len(trig.EventTriggers) > 0 {
			eventAttributed, out.EventReports, err = e.attributeEvent(ctx, tx, cfg, trig, candidates)
			if err != nil {
				return err
			}
		}
		if cfg.AggregateReportingEnabled && len(trig.AggregatableValues) > 0 {
			out.AggregateReports, err = e.attributeAggregate(ctx, tx, cfg, trig, candidates)
			if err != nil {
				return err
			}
		}

		out.Status = types.TriggerStatusIgnored
		if eventAttributed || out.AggregateReports > 0 {
			out.Status = types.TriggerStatusAttributed
		}
		if err := tx.UpdateTriggerStatus(ctx, id, out.Status); err != nil {
			return fmt.Errorf("failed to update trigger status: %w", err)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, types.DatastoreError("attribute trigger "+string(id), err)
	}

	if !out.Skipped {
		metrics.TriggersProcessed.WithLabelValues(string(out.Status)).Inc()
		e.logger.Debug().
			Str("trigger_id", string(id)).
			Str("status", string(out.Status)).
			Int("event_reports", out.EventReports).
			Int("aggregate_reports", out.AggregateReports).
			Msg("trigger attributed")
	}
	return out, nil
}

// eligibleSources orders sources by priority then event time (both
// descending) and drops those failing the trigger's top-level filters.
func eligibleSources(sources []*types.Source, trig *types.Trigger) []*types.Source {
	sort.SliceStable(sources, func(i, j int) bool {
		a, b := sources[i], sources[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.EventTime.Equal(b.EventTime) {
			return a.EventTime.After(b.EventTime)
		}
		return a.ID > b.ID
	})

	out := sources[:0]
	for _, src := range sources {
		if filters.Match(filters.CandidateFor(src), trig.TriggerTime, trig.Filters, trig.NotFilters) {
			out = append(out, src)
		}
	}
	return out
}
