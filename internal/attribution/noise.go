package attribution

import (
	"context"
	"fmt"

	"github.com/solatis/attributor/internal/core/config"
	"github.com/solatis/attributor/internal/metrics"
	"github.com/solatis/attributor/internal/privacy"
	"github.com/solatis/attributor/internal/store"
	"github.com/solatis/attributor/internal/triggerspec"
	"github.com/solatis/attributor/internal/types"
)

// randomizedRate is the flip probability reported with a source's event
// reports. Default schemas use the fixed per-type constants; flexible schemas
// derive it from their outcome space.
func randomizedRate(cfg config.Snapshot, src *types.Source, specs *triggerspec.TriggerSpecs) float64 {
	if specs.Legacy() {
		return privacy.RandomizedTriggerRate(src.SourceType, src.InstallAttributed)
	}
	return specs.PrivacyParams(cfg.Epsilon).FlipProbability
}

// assignNoise decides the source's attribution mode and writes any fake
// reports. The caller persists the updated source.
func (e *Engine) assignNoise(ctx context.Context, tx store.Tx, cfg config.Snapshot, src *types.Source, specs *triggerspec.TriggerSpecs) error {
	rate := randomizedRate(cfg, src, specs)
	params := specs.PrivacyParams(cfg.Epsilon)
	params.FlipProbability = rate

	decision, err := e.noise.Decide(params)
	if err != nil {
		return fmt.Errorf("failed to draw noise: %w", err)
	}
	src.AttributionMode = decision.Mode

	perTriggerData := make(map[types.UnsignedLong]int)
	for _, fake := range decision.FakeReports {
		td, err := specs.TriggerDataFromIndex(fake.TriggerDataIndex)
		if err != nil {
			return err
		}
		spec, _ := specs.SpecFor(td)
		windowEnd := src.EventTime.Add(spec.WindowEnd(fake.WindowIndex))

		report := &types.EventReport{
			ID:                    types.NewReportID(),
			SourceID:              src.ID,
			SourceEventID:         src.EventID,
			SourceType:            src.SourceType,
			Destination:           src.Destinations[0],
			ReportingOrigin:       src.ReportingOrigin,
			TriggerTime:           windowEnd,
			TriggerData:           td,
			ReportTime:            windowEnd.Add(cfg.EventReportDelay),
			RandomizedTriggerRate: rate,
			Status:                types.ReportStatusPending,
			Fake:                  true,
		}
		if !specs.Legacy() {
			bucket, err := triggerspec.SummaryBucketFromIndex(perTriggerData[td], spec.SummaryBuckets)
			if err != nil {
				return err
			}
			report.TriggerSummaryBucket = &bucket
			perTriggerData[td]++
		}
		if err := tx.InsertEventReport(ctx, report); err != nil {
			return fmt.Errorf("failed to insert fake report: %w", err)
		}
		metrics.ReportsCreated.WithLabelValues("fake_event").Inc()
	}

	e.logger.Debug().
		Str("source_id", string(src.ID)).
		Str("mode", string(src.AttributionMode)).
		Int("fake_reports", len(decision.FakeReports)).
		Msg("attribution mode assigned")
	return nil
}
