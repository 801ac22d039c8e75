package attribution

import (
	"context"
	"fmt"
	"time"

	"github.com/solatis/attributor/internal/aggregation"
	"github.com/solatis/attributor/internal/core/config"
	"github.com/solatis/attributor/internal/metrics"
	"github.com/solatis/attributor/internal/reports"
	"github.com/solatis/attributor/internal/store"
	"github.com/solatis/attributor/internal/types"
)

// attributeAggregate lets every candidate source with aggregation keys and
// remaining budget contribute. There is no priority selection here; each
// source is guarded and capped on its own. Returns reports written.
func (e *Engine) attributeAggregate(ctx context.Context, tx store.Tx, cfg config.Snapshot, trig *types.Trigger, candidates []*types.Source) (int, error) {
	written := 0
	for _, src := range candidates {
		contributions, err := aggregation.Build(src, trig)
		if err != nil {
			// Registration validates key pieces; a stored bad key only
			// disqualifies this source.
			e.logger.Warn().Err(err).
				Str("trigger_id", string(trig.ID)).
				Str("source_id", string(src.ID)).
				Msg("skipping source with invalid aggregation keys")
			continue
		}
		if len(contributions) == 0 {
			continue
		}

		dedupKey := aggregation.DedupKey(src, trig)
		if dedupKey != nil && src.HasAggregateDedupKey(*dedupKey) {
			e.blocked(types.RateLimitScopeAggregate, BlockDedup, src, trig)
			continue
		}

		capped, total := aggregation.Cap(contributions, aggregation.Remaining(src, cfg.AggregateBudget))
		if total == 0 {
			e.blocked(types.RateLimitScopeAggregate, BlockBudget, src, trig)
			continue
		}

		reason, err := checkRateLimits(ctx, tx, cfg, types.RateLimitScopeAggregate, src, trig)
		if err != nil {
			return written, err
		}
		if reason != "" {
			e.blocked(types.RateLimitScopeAggregate, reason, src, trig)
			continue
		}

		if cfg.MaxAggregateReportsPerDestination > 0 {
			pending, err := tx.CountPendingAggregateReports(ctx, trig.Destination)
			if err != nil {
				return written, fmt.Errorf("failed to count destination reports: %w", err)
			}
			if pending >= cfg.MaxAggregateReportsPerDestination {
				e.blocked(types.RateLimitScopeAggregate, BlockDestinationCap, src, trig)
				continue
			}
		}

		delay := aggregation.ReportDelay(e.noise.Float64(), cfg.AggregateReportMinDelay, cfg.AggregateReportMaxDelay)
		report := &types.AggregateReport{
			ID:                     types.NewReportID(),
			SourceID:               src.ID,
			TriggerID:              trig.ID,
			SourceSite:             types.Site(src.Publisher),
			Destination:            trig.Destination,
			ReportingOrigin:        trig.ReportingOrigin,
			SourceRegistrationTime: src.EventTime.UTC().Truncate(24 * time.Hour),
			ScheduledReportTime:    trig.TriggerTime.Add(delay),
			TriggerTime:            trig.TriggerTime,
			Contributions:          capped,
			APIVersion:             reports.AggregateAPIVersion,
			DedupKey:               dedupKey,
			Status:                 types.ReportStatusPending,
		}
		if err := tx.InsertAggregateReport(ctx, report); err != nil {
			return written, fmt.Errorf("failed to insert aggregate report: %w", err)
		}

		src.AggregateContributions += total
		if dedupKey != nil {
			src.AggregateReportDedupKeys = append(src.AggregateReportDedupKeys, *dedupKey)
		}
		if err := tx.UpdateSource(ctx, src); err != nil {
			return written, fmt.Errorf("failed to update source budget: %w", err)
		}
		if err := tx.InsertAttribution(ctx, newAttribution(types.RateLimitScopeAggregate, src, trig)); err != nil {
			return written, fmt.Errorf("failed to insert attribution: %w", err)
		}
		metrics.ReportsCreated.WithLabelValues("aggregate").Inc()
		written++
	}
	return written, nil
}
