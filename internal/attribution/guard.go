package attribution

import (
	"context"
	"fmt"
	"slices"

	"github.com/solatis/attributor/internal/core/config"
	"github.com/solatis/attributor/internal/metrics"
	"github.com/solatis/attributor/internal/store"
	"github.com/solatis/attributor/internal/types"
)

/*
 * Rate limit and dedup guard.
 *
 * Counters are the insert-only attributions table. Event and aggregate scopes
 * are counted independently, so exhausting one never blocks the other.
 *
 * Checks, in order, for a (source, trigger) pair at a given scope:
 *   1. attributions for (source site, destination site, reporting origin)
 *      in (trigger time - window, trigger time] below MaxAttributionsPerWindow
 *   2. distinct reporting origins for (source site, destination site) in the
 *      same window below MaxDistinctReportingOrigins, unless this origin is
 *      already among them
 *
 * Dedup keys are stored on the source itself (event and aggregate lists) and
 * checked by the callers before any write.
 */

// BlockReason names why an attribution was refused.
type BlockReason string

const (
	BlockDedup            BlockReason = "dedup"
	BlockRateLimit        BlockReason = "rate_limit"
	BlockReportingOrigins BlockReason = "reporting_origins"
	BlockReportCap        BlockReason = "report_cap"
	BlockDestinationCap   BlockReason = "destination_cap"
	BlockBudget           BlockReason = "budget"
	BlockWindow           BlockReason = "window"
)

func rateLimitQuery(cfg config.Snapshot, scope types.RateLimitScope, src *types.Source, trig *types.Trigger) store.RateLimitQuery {
	return store.RateLimitQuery{
		Scope:           scope,
		SourceSite:      types.Site(src.Publisher),
		DestinationSite: types.Site(trig.Destination),
		ReportingOrigin: trig.ReportingOrigin,
		Since:           trig.TriggerTime.Add(-cfg.RateLimitWindow),
		Until:           trig.TriggerTime,
	}
}

// checkRateLimits returns the reason the pair is blocked at scope, or "".
func checkRateLimits(ctx context.Context, tx store.Tx, cfg config.Snapshot, scope types.RateLimitScope, src *types.Source, trig *types.Trigger) (BlockReason, error) {
	q := rateLimitQuery(cfg, scope, src, trig)

	count, err := tx.CountAttributions(ctx, q)
	if err != nil {
		return "", fmt.Errorf("failed to count attributions: %w", err)
	}
	if count >= cfg.MaxAttributionsPerWindow {
		return BlockRateLimit, nil
	}

	if cfg.MaxDistinctReportingOrigins > 0 {
		origins, err := tx.DistinctReportingOrigins(ctx, q)
		if err != nil {
			return "", fmt.Errorf("failed to list reporting origins: %w", err)
		}
		if !slices.Contains(origins, trig.ReportingOrigin) && len(origins) >= cfg.MaxDistinctReportingOrigins {
			return BlockReportingOrigins, nil
		}
	}
	return "", nil
}

func newAttribution(scope types.RateLimitScope, src *types.Source, trig *types.Trigger) *types.Attribution {
	return &types.Attribution{
		ID:              types.NewAttributionID(),
		Scope:           scope,
		SourceSite:      types.Site(src.Publisher),
		DestinationSite: types.Site(trig.Destination),
		ReportingOrigin: trig.ReportingOrigin,
		Registrant:      trig.Registrant,
		TriggerTime:     trig.TriggerTime,
		SourceID:        src.ID,
		TriggerID:       trig.ID,
	}
}

func (e *Engine) blocked(scope types.RateLimitScope, reason BlockReason, src *types.Source, trig *types.Trigger) {
	metrics.AttributionsBlocked.WithLabelValues(string(scope), string(reason)).Inc()
	e.logger.Debug().
		Str("trigger_id", string(trig.ID)).
		Str("source_id", string(src.ID)).
		Str("scope", string(scope)).
		Str("reason", string(reason)).
		Msg("attribution blocked")
}
