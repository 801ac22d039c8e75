package attribution

import (
	"context"
	"fmt"
	"slices"

	"github.com/solatis/attributor/internal/core/config"
	"github.com/solatis/attributor/internal/filters"
	"github.com/solatis/attributor/internal/metrics"
	"github.com/solatis/attributor/internal/store"
	"github.com/solatis/attributor/internal/triggerspec"
	"github.com/solatis/attributor/internal/types"
)

// attributeEvent runs the event-level path. Event triggers are tried in
// declaration order against sources in priority order; the first pair whose
// filters match and whose trigger data is valid for the source is selected.
// A dedup hit moves on to the next event trigger; any other refusal ends the
// event path for this trigger.
func (e *Engine) attributeEvent(ctx context.Context, tx store.Tx, cfg config.Snapshot, trig *types.Trigger, candidates []*types.Source) (bool, int, error) {
	for _, et := range trig.EventTriggers {
		src, specs, td, err := selectSource(et, trig, candidates)
		if err != nil {
			return false, 0, err
		}
		if src == nil {
			continue
		}
		if et.DedupKey != nil && src.HasEventDedupKey(*et.DedupKey) {
			e.blocked(types.RateLimitScopeEvent, BlockDedup, src, trig)
			continue
		}
		return e.commitEvent(ctx, tx, cfg, trig, et, src, specs, td)
	}
	return false, 0, nil
}

func selectSource(et types.EventTrigger, trig *types.Trigger, candidates []*types.Source) (*types.Source, *triggerspec.TriggerSpecs, types.UnsignedLong, error) {
	for _, src := range candidates {
		if !filters.Match(filters.CandidateFor(src), trig.TriggerTime, et.Filters, et.NotFilters) {
			continue
		}
		specs, err := triggerspec.ForSource(src)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("source %s: %w", src.ID, err)
		}
		td, ok := specs.ResolveTriggerData(et.TriggerData)
		if !ok {
			continue
		}
		return src, specs, td, nil
	}
	return nil, nil, 0, nil
}

func (e *Engine) commitEvent(ctx context.Context, tx store.Tx, cfg config.Snapshot, trig *types.Trigger, et types.EventTrigger, src *types.Source, specs *triggerspec.TriggerSpecs, td types.UnsignedLong) (bool, int, error) {
	reason, err := checkRateLimits(ctx, tx, cfg, types.RateLimitScopeEvent, src, trig)
	if err != nil {
		return false, 0, err
	}
	if reason != "" {
		e.blocked(types.RateLimitScopeEvent, reason, src, trig)
		return false, 0, nil
	}

	if src.AttributionMode == types.AttributionModeUnassigned {
		if err := e.assignNoise(ctx, tx, cfg, src, specs); err != nil {
			return false, 0, err
		}
		if err := tx.UpdateSource(ctx, src); err != nil {
			return false, 0, fmt.Errorf("failed to persist attribution mode: %w", err)
		}
	}

	if src.AttributionMode != types.AttributionModeTruthfully {
		// Noised sources absorb the trigger: dedup state and the rate-limit
		// row are written as for a real report so the two are indistinguishable.
		return true, 0, e.finishEvent(ctx, tx, trig, et, src, nil)
	}

	spec, _ := specs.SpecFor(td)
	window := spec.WindowIndex(trig.TriggerTime.Sub(src.EventTime))
	if window < 0 {
		e.blocked(types.RateLimitScopeEvent, BlockWindow, src, trig)
		return false, 0, nil
	}

	existing, err := tx.EventReportsForSource(ctx, src.ID)
	if err != nil {
		return false, 0, fmt.Errorf("failed to load source reports: %w", err)
	}

	report := &types.EventReport{
		SourceID:              src.ID,
		TriggerID:             trig.ID,
		SourceEventID:         src.EventID,
		SourceType:            src.SourceType,
		Destination:           trig.Destination,
		ReportingOrigin:       trig.ReportingOrigin,
		TriggerTime:           trig.TriggerTime,
		TriggerData:           td,
		TriggerPriority:       et.Priority,
		TriggerDedupKey:       et.DedupKey,
		ReportTime:            src.EventTime.Add(spec.WindowEnd(window)).Add(cfg.EventReportDelay),
		RandomizedTriggerRate: randomizedRate(cfg, src, specs),
		Status:                types.ReportStatusPending,
	}

	at := types.AttributedTrigger{
		TriggerID:   trig.ID,
		TriggerData: td,
		Priority:    et.Priority,
		Value:       et.Value,
		DedupKey:    et.DedupKey,
	}

	if specs.Legacy() {
		written, err := e.writeLegacyReport(ctx, tx, cfg, trig, src, specs, existing, report)
		if err != nil || !written {
			return false, 0, err
		}
		return true, 1, e.finishEvent(ctx, tx, trig, et, src, nil)
	}

	if len(existing) >= specs.MaxReports() {
		e.blocked(types.RateLimitScopeEvent, BlockReportCap, src, trig)
		return false, 0, nil
	}
	written, err := e.writeFlexReports(ctx, tx, cfg, trig, src, specs, spec, at, len(existing), report)
	if err != nil {
		return false, 0, err
	}
	return true, written, e.finishEvent(ctx, tx, trig, et, src, &at)
}

// writeLegacyReport inserts report, replacing the lowest-priority pending
// report in the same window when the source is at its report cap. Nothing is
// deleted unless the replacement is also admitted.
func (e *Engine) writeLegacyReport(ctx context.Context, tx store.Tx, cfg config.Snapshot, trig *types.Trigger, src *types.Source, specs *triggerspec.TriggerSpecs, existing []*types.EventReport, report *types.EventReport) (bool, error) {
	var victim *types.EventReport
	if len(existing) >= specs.MaxReports() {
		if victim = replaceableReport(existing, report); victim == nil {
			e.blocked(types.RateLimitScopeEvent, BlockReportCap, src, trig)
			return false, nil
		}
	}

	freed := 0
	if victim != nil && victim.Destination == trig.Destination {
		freed = 1
	}
	ok, err := e.underDestinationCap(ctx, tx, cfg, trig, src, freed)
	if err != nil || !ok {
		return false, err
	}

	if victim != nil {
		if err := tx.DeleteEventReport(ctx, victim.ID); err != nil {
			return false, fmt.Errorf("failed to delete replaced report: %w", err)
		}
		if victim.TriggerDedupKey != nil {
			src.EventReportDedupKeys = slices.DeleteFunc(src.EventReportDedupKeys, func(k types.UnsignedLong) bool {
				return k == *victim.TriggerDedupKey
			})
		}
		e.logger.Debug().
			Str("source_id", string(src.ID)).
			Str("replaced_report_id", string(victim.ID)).
			Int64("priority", report.TriggerPriority).
			Msg("event report replaced by higher priority trigger")
	}

	report.ID = types.NewReportID()
	if err := tx.InsertEventReport(ctx, report); err != nil {
		return false, fmt.Errorf("failed to insert event report: %w", err)
	}
	metrics.ReportsCreated.WithLabelValues("event").Inc()
	return true, nil
}

// writeFlexReports emits one report per summary bucket newly reached by the
// attributed trigger, stopping at the report cap. Returns reports written.
func (e *Engine) writeFlexReports(ctx context.Context, tx store.Tx, cfg config.Snapshot, trig *types.Trigger, src *types.Source, specs *triggerspec.TriggerSpecs, spec triggerspec.TriggerSpec, at types.AttributedTrigger, existing int, template *types.EventReport) (int, error) {
	before := triggerspec.SummaryBucketIndex(specs.SummaryTotal(at.TriggerData), spec.SummaryBuckets)
	after := triggerspec.SummaryBucketIndex(specs.WithAttributed(at).SummaryTotal(at.TriggerData), spec.SummaryBuckets)

	written := 0
	for idx := before + 1; idx <= after; idx++ {
		if existing+written >= specs.MaxReports() {
			e.blocked(types.RateLimitScopeEvent, BlockReportCap, src, trig)
			break
		}
		ok, err := e.underDestinationCap(ctx, tx, cfg, trig, src, 0)
		if err != nil {
			return written, err
		}
		if !ok {
			break
		}
		bucket, err := triggerspec.SummaryBucketFromIndex(idx, spec.SummaryBuckets)
		if err != nil {
			return written, err
		}
		report := *template
		report.ID = types.NewReportID()
		report.TriggerSummaryBucket = &bucket
		if err := tx.InsertEventReport(ctx, &report); err != nil {
			return written, fmt.Errorf("failed to insert event report: %w", err)
		}
		metrics.ReportsCreated.WithLabelValues("event").Inc()
		written++
	}
	return written, nil
}

// underDestinationCap reports whether the trigger's destination has room for
// one more pending event report once freed pending reports are removed.
func (e *Engine) underDestinationCap(ctx context.Context, tx store.Tx, cfg config.Snapshot, trig *types.Trigger, src *types.Source, freed int) (bool, error) {
	if cfg.MaxEventReportsPerDestination <= 0 {
		return true, nil
	}
	pending, err := tx.CountPendingEventReports(ctx, trig.Destination)
	if err != nil {
		return false, fmt.Errorf("failed to count destination reports: %w", err)
	}
	if pending-freed >= cfg.MaxEventReportsPerDestination {
		e.blocked(types.RateLimitScopeEvent, BlockDestinationCap, src, trig)
		return false, nil
	}
	return true, nil
}

// replaceableReport picks the pending report in the new report's window with
// the lowest priority, if that priority is below the new one. Among equal
// priorities the most recent trigger is replaced.
func replaceableReport(existing []*types.EventReport, report *types.EventReport) *types.EventReport {
	var victim *types.EventReport
	for _, r := range existing {
		if r.Status != types.ReportStatusPending || r.Fake || !r.ReportTime.Equal(report.ReportTime) {
			continue
		}
		if victim == nil ||
			r.TriggerPriority < victim.TriggerPriority ||
			(r.TriggerPriority == victim.TriggerPriority && r.TriggerTime.After(victim.TriggerTime)) {
			victim = r
		}
	}
	if victim == nil || victim.TriggerPriority >= report.TriggerPriority {
		return nil
	}
	return victim
}

// finishEvent records dedup and flexible state on the source and writes the
// event-scope attribution row.
func (e *Engine) finishEvent(ctx context.Context, tx store.Tx, trig *types.Trigger, et types.EventTrigger, src *types.Source, at *types.AttributedTrigger) error {
	if et.DedupKey != nil {
		src.EventReportDedupKeys = append(src.EventReportDedupKeys, *et.DedupKey)
	}
	if at != nil {
		src.AttributedTriggers = append(src.AttributedTriggers, *at)
	}
	if err := tx.UpdateSource(ctx, src); err != nil {
		return fmt.Errorf("failed to update source: %w", err)
	}
	if err := tx.InsertAttribution(ctx, newAttribution(types.RateLimitScopeEvent, src, trig)); err != nil {
		return fmt.Errorf("failed to insert attribution: %w", err)
	}
	return nil
}
