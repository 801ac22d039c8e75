package attribution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/solatis/attributor/internal/core/config"
	"github.com/solatis/attributor/internal/privacy"
	"github.com/solatis/attributor/internal/store"
	"github.com/solatis/attributor/internal/store/memstore"
	"github.com/solatis/attributor/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	publisher   = "https://news.publisher.example"
	destination = "https://d.example"
	reporter    = "https://adtech.example"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// stubNoise returns a fixed decision and a fixed uniform draw.
type stubNoise struct {
	decision privacy.Decision
	u        float64
}

func (s stubNoise) Decide(privacy.Params) (privacy.Decision, error) { return s.decision, nil }
func (s stubNoise) Float64() float64                                { return s.u }

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *memstore.Store
	engine *Engine
	cfg    config.Snapshot
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithNoise(t, privacy.Disabled())
}

func newFixtureWithNoise(t *testing.T, noise Randomizer) *fixture {
	st := memstore.New()
	return &fixture{
		t:      t,
		ctx:    context.Background(),
		store:  st,
		engine: NewEngine(st, store.FixedClock{T: t0}, noise, zerolog.Nop()),
		cfg:    config.DefaultSnapshot(),
	}
}

func (f *fixture) source(mutate func(*SourceRegistration)) *types.Source {
	f.t.Helper()
	req := SourceRegistration{
		EventID:         1,
		SourceType:      types.SourceTypeNavigation,
		Publisher:       publisher,
		Destinations:    []string{destination},
		ReportingOrigin: reporter,
		EventTime:       t0,
	}
	if mutate != nil {
		mutate(&req)
	}
	src, err := f.engine.RegisterSource(f.ctx, f.cfg, req)
	require.NoError(f.t, err)
	return src
}

func (f *fixture) trigger(at time.Time, mutate func(*TriggerRegistration)) *types.Trigger {
	f.t.Helper()
	req := TriggerRegistration{
		Destination:     destination,
		ReportingOrigin: reporter,
		TriggerTime:     at,
		EventTriggerData: []types.EventTrigger{
			{TriggerData: 1},
		},
	}
	if mutate != nil {
		mutate(&req)
	}
	trig, err := f.engine.RegisterTrigger(f.ctx, req)
	require.NoError(f.t, err)
	return trig
}

func (f *fixture) sweep() SweepResult {
	f.t.Helper()
	res, err := f.engine.ProcessPending(f.ctx, f.cfg)
	require.NoError(f.t, err)
	return res
}

func dedup(v uint64) *types.UnsignedLong {
	k := types.UnsignedLong(v)
	return &k
}

func TestNavigationExampleScenario(t *testing.T) {
	f := newFixture(t)
	src := f.source(func(r *SourceRegistration) { r.Priority = 100 })
	trig := f.trigger(t0.Add(10*time.Second), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 3, Priority: 10, DedupKey: dedup(1)}}
	})

	res := f.sweep()
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.EventReports)

	reports := f.store.EventReports()
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, src.ID, r.SourceID)
	assert.Equal(t, trig.ID, r.TriggerID)
	assert.Equal(t, types.UnsignedLong(3), r.TriggerData)
	assert.Equal(t, t0.Add(48*time.Hour+time.Hour), r.ReportTime)
	assert.Equal(t, privacy.NavigationNoiseProbability, r.RandomizedTriggerRate)
	assert.Equal(t, types.ReportStatusPending, r.Status)
	assert.Equal(t, types.TriggerStatusAttributed, f.store.Trigger(trig.ID).Status)

	// Replaying the same dedup key produces nothing new.
	replay := f.trigger(t0.Add(20*time.Second), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 3, Priority: 10, DedupKey: dedup(1)}}
	})
	f.sweep()
	assert.Len(t, f.store.EventReports(), 1)
	assert.Equal(t, types.TriggerStatusIgnored, f.store.Trigger(replay.ID).Status)
}

func TestTriggerDataTruncation(t *testing.T) {
	tests := []struct {
		name       string
		sourceType types.SourceType
		data       types.UnsignedLong
		want       types.UnsignedLong
	}{
		{name: "navigation mod 8", sourceType: types.SourceTypeNavigation, data: 13, want: 5},
		{name: "event mod 2", sourceType: types.SourceTypeEvent, data: 7, want: 1},
		{name: "max uint64 navigation", sourceType: types.SourceTypeNavigation, data: types.UnsignedLong(^uint64(0)), want: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.source(func(r *SourceRegistration) { r.SourceType = tt.sourceType })
			f.trigger(t0.Add(time.Hour), func(r *TriggerRegistration) {
				r.EventTriggerData = []types.EventTrigger{{TriggerData: tt.data}}
			})
			f.sweep()
			reports := f.store.EventReports()
			require.Len(t, reports, 1)
			assert.Equal(t, tt.want, reports[0].TriggerData)
		})
	}
}

func TestEventSourceReportTimeIsExpiryWindow(t *testing.T) {
	f := newFixture(t)
	f.source(func(r *SourceRegistration) {
		r.SourceType = types.SourceTypeEvent
		r.Expiry = int64((10 * 24 * time.Hour).Seconds())
	})
	f.trigger(t0.Add(time.Hour), nil)
	f.sweep()

	reports := f.store.EventReports()
	require.Len(t, reports, 1)
	assert.Equal(t, t0.Add(10*24*time.Hour+time.Hour), reports[0].ReportTime)
	assert.Equal(t, privacy.EventNoiseProbability, reports[0].RandomizedTriggerRate)
}

func TestPriorityOrdering(t *testing.T) {
	for _, highFirst := range []bool{true, false} {
		f := newFixture(t)
		register := func(p int64, at time.Time) *types.Source {
			return f.source(func(r *SourceRegistration) {
				r.Priority = p
				r.EventTime = at
			})
		}
		var high *types.Source
		if highFirst {
			high = register(10, t0)
			register(5, t0.Add(time.Minute))
		} else {
			register(5, t0)
			high = register(10, t0.Add(time.Minute))
		}

		f.trigger(t0.Add(time.Hour), nil)
		f.sweep()

		reports := f.store.EventReports()
		require.Len(t, reports, 1)
		assert.Equal(t, high.ID, reports[0].SourceID, "highFirst=%v", highFirst)
	}
}

func TestEqualPriorityPrefersMostRecentSource(t *testing.T) {
	f := newFixture(t)
	f.source(func(r *SourceRegistration) { r.EventTime = t0 })
	recent := f.source(func(r *SourceRegistration) { r.EventTime = t0.Add(time.Minute) })

	f.trigger(t0.Add(time.Hour), nil)
	f.sweep()

	reports := f.store.EventReports()
	require.Len(t, reports, 1)
	assert.Equal(t, recent.ID, reports[0].SourceID)
}

func TestFiltersSelectSource(t *testing.T) {
	f := newFixture(t)
	f.source(func(r *SourceRegistration) {
		r.Priority = 100
		r.FilterData = types.FilterMap{"product": {"hats"}}
	})
	shoes := f.source(func(r *SourceRegistration) {
		r.FilterData = types.FilterMap{"product": {"shoes"}}
	})

	f.trigger(t0.Add(time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{
			TriggerData: 2,
			Filters:     types.FilterSet{{"product": {"shoes"}}},
		}}
	})
	f.sweep()

	reports := f.store.EventReports()
	require.Len(t, reports, 1)
	assert.Equal(t, shoes.ID, reports[0].SourceID)
}

func TestEventTriggerDeclarationOrder(t *testing.T) {
	f := newFixture(t)
	f.source(func(r *SourceRegistration) { r.FilterData = types.FilterMap{"product": {"shoes"}} })

	f.trigger(t0.Add(time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{
			{TriggerData: 1, NotFilters: types.FilterSet{{"product": {"shoes"}}}},
			{TriggerData: 2, Filters: types.FilterSet{{"source_type": {"navigation"}}}},
			{TriggerData: 3},
		}
	})
	f.sweep()

	reports := f.store.EventReports()
	require.Len(t, reports, 1)
	assert.Equal(t, types.UnsignedLong(2), reports[0].TriggerData)
}

func TestDedupSkipsToNextEventTrigger(t *testing.T) {
	f := newFixture(t)
	f.source(nil)
	f.trigger(t0.Add(time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 1, DedupKey: dedup(7)}}
	})
	f.sweep()

	f.trigger(t0.Add(2*time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{
			{TriggerData: 4, DedupKey: dedup(7)},
			{TriggerData: 5, DedupKey: dedup(8)},
		}
	})
	f.sweep()

	reports := f.store.EventReports()
	require.Len(t, reports, 2)
	var data []types.UnsignedLong
	for _, r := range reports {
		data = append(data, r.TriggerData)
	}
	assert.ElementsMatch(t, []types.UnsignedLong{1, 5}, data)
}

func TestIdempotentRerun(t *testing.T) {
	f := newFixture(t)
	f.source(func(r *SourceRegistration) {
		r.AggregationKeys = map[string]string{"campaign": "0x1"}
	})
	f.trigger(t0.Add(time.Hour), func(r *TriggerRegistration) {
		r.AggregatableTriggerData = []types.AggregatableTriggerData{{KeyPiece: "0x100", SourceKeys: []string{"campaign"}}}
		r.AggregatableValues = map[string]int64{"campaign": 10}
	})

	first := f.sweep()
	assert.Equal(t, 1, first.EventReports)
	assert.Equal(t, 1, first.AggregateReports)

	second := f.sweep()
	assert.Zero(t, second.Processed)
	assert.Len(t, f.store.EventReports(), 1)
	assert.Len(t, f.store.AggregateReports(), 1)
	assert.Len(t, f.store.Attributions(), 2)
}

func TestEventRateLimit(t *testing.T) {
	const limit = 2
	f := newFixture(t)
	f.cfg.MaxAttributionsPerWindow = limit

	f.source(nil)
	var last *types.Trigger
	for i := 0; i <= limit; i++ {
		last = f.trigger(t0.Add(time.Duration(i+1)*time.Hour), func(r *TriggerRegistration) {
			r.EventTriggerData = []types.EventTrigger{{TriggerData: 1, DedupKey: dedup(uint64(i))}}
		})
	}

	res := f.sweep()
	assert.Equal(t, limit+1, res.Processed)
	assert.Equal(t, limit, res.Attributed)
	assert.Len(t, f.store.EventReports(), limit)
	assert.Equal(t, types.TriggerStatusIgnored, f.store.Trigger(last.ID).Status)
}

func TestRateLimitWindowExpires(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxAttributionsPerWindow = 1
	f.cfg.RateLimitWindow = 24 * time.Hour

	f.source(nil)
	f.trigger(t0.Add(time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 1, DedupKey: dedup(1)}}
	})
	f.trigger(t0.Add(2*time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 1, DedupKey: dedup(2)}}
	})
	f.trigger(t0.Add(26*time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 1, DedupKey: dedup(3)}}
	})

	res := f.sweep()
	assert.Equal(t, 2, res.Attributed)
	assert.Equal(t, 1, res.Ignored)
}

func TestDistinctReportingOriginCap(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxDistinctReportingOrigins = 1

	f.source(nil)
	f.source(func(r *SourceRegistration) { r.ReportingOrigin = "https://other-adtech.example" })

	f.trigger(t0.Add(time.Hour), nil)
	blocked := f.trigger(t0.Add(2*time.Hour), func(r *TriggerRegistration) {
		r.ReportingOrigin = "https://other-adtech.example"
	})
	f.sweep()

	assert.Len(t, f.store.EventReports(), 1)
	assert.Equal(t, types.TriggerStatusIgnored, f.store.Trigger(blocked.ID).Status)
}

func TestAggregateRateLimitIndependentOfEvent(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxAttributionsPerWindow = 1

	f.source(func(r *SourceRegistration) {
		r.AggregationKeys = map[string]string{"campaign": "0x1"}
	})
	// First trigger spends the event budget only.
	f.trigger(t0.Add(time.Hour), nil)
	// Second trigger is aggregate-only and still has its own budget.
	second := f.trigger(t0.Add(2*time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = nil
		r.AggregatableTriggerData = []types.AggregatableTriggerData{{KeyPiece: "0x100", SourceKeys: []string{"campaign"}}}
		r.AggregatableValues = map[string]int64{"campaign": 10}
	})
	f.sweep()

	assert.Len(t, f.store.EventReports(), 1)
	assert.Len(t, f.store.AggregateReports(), 1)
	assert.Equal(t, types.TriggerStatusAttributed, f.store.Trigger(second.ID).Status)
}

func TestAggregateBudgetTruncation(t *testing.T) {
	const budget = 1000
	f := newFixture(t)
	f.cfg.AggregateBudget = budget

	src := f.source(func(r *SourceRegistration) {
		r.AggregationKeys = map[string]string{"campaign": "0x1"}
	})
	for i := 0; i < 3; i++ {
		f.trigger(t0.Add(time.Duration(i+1)*time.Hour), func(r *TriggerRegistration) {
			r.EventTriggerData = nil
			r.AggregatableTriggerData = []types.AggregatableTriggerData{{KeyPiece: "0x100", SourceKeys: []string{"campaign"}}}
			r.AggregatableValues = map[string]int64{"campaign": budget/2 + 1}
		})
	}
	res := f.sweep()
	assert.Equal(t, 2, res.AggregateReports)
	assert.Equal(t, 1, res.Ignored)

	reports := f.store.AggregateReports()
	require.Len(t, reports, 2)
	values := []uint32{reports[0].Contributions[0].Value, reports[1].Contributions[0].Value}
	assert.ElementsMatch(t, []uint32{budget/2 + 1, budget - (budget/2 + 1)}, values)
	assert.Equal(t, int64(budget), f.store.Source(src.ID).AggregateContributions)
}

func TestAggregateMultipleSourcesContribute(t *testing.T) {
	f := newFixture(t)
	f.source(func(r *SourceRegistration) {
		r.Priority = 10
		r.AggregationKeys = map[string]string{"campaign": "0x1"}
	})
	f.source(func(r *SourceRegistration) {
		r.AggregationKeys = map[string]string{"campaign": "0x2"}
	})
	f.trigger(t0.Add(time.Hour), func(r *TriggerRegistration) {
		r.AggregatableTriggerData = []types.AggregatableTriggerData{{KeyPiece: "0x100", SourceKeys: []string{"campaign"}}}
		r.AggregatableValues = map[string]int64{"campaign": 5}
	})
	res := f.sweep()

	assert.Equal(t, 1, res.EventReports)
	assert.Equal(t, 2, res.AggregateReports)
	for _, r := range f.store.AggregateReports() {
		assert.Equal(t, "https://publisher.example", r.SourceSite)
		assert.Equal(t, t0.Truncate(24*time.Hour), r.SourceRegistrationTime)
		assert.Equal(t, t0.Add(time.Hour), r.ScheduledReportTime)
	}
}

func TestAggregateDedupKey(t *testing.T) {
	f := newFixture(t)
	f.source(func(r *SourceRegistration) {
		r.AggregationKeys = map[string]string{"campaign": "0x1"}
	})
	register := func(at time.Time) {
		f.trigger(at, func(r *TriggerRegistration) {
			r.EventTriggerData = nil
			r.AggregatableTriggerData = []types.AggregatableTriggerData{{KeyPiece: "0x100", SourceKeys: []string{"campaign"}}}
			r.AggregatableValues = map[string]int64{"campaign": 5}
			r.AggregatableDedupKeys = []types.AggregateDedupKey{{DedupKey: dedup(42)}}
		})
	}
	register(t0.Add(time.Hour))
	register(t0.Add(2 * time.Hour))
	f.sweep()

	assert.Len(t, f.store.AggregateReports(), 1)
}

func TestReportCapReplacement(t *testing.T) {
	f := newFixture(t)
	src := f.source(func(r *SourceRegistration) { r.SourceType = types.SourceTypeEvent })

	f.trigger(t0.Add(time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 0, Priority: 1, DedupKey: dedup(1)}}
	})
	f.trigger(t0.Add(2*time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 1, Priority: 5, DedupKey: dedup(2)}}
	})
	lower := f.trigger(t0.Add(3*time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 0, Priority: 2, DedupKey: dedup(3)}}
	})
	f.sweep()

	reports := f.store.EventReports()
	require.Len(t, reports, 1)
	assert.Equal(t, int64(5), reports[0].TriggerPriority)
	assert.Equal(t, types.TriggerStatusIgnored, f.store.Trigger(lower.ID).Status)

	keys := f.store.Source(src.ID).EventReportDedupKeys
	assert.Equal(t, []types.UnsignedLong{2}, keys)
}

func TestDestinationCap(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxEventReportsPerDestination = 1
	f.source(nil)
	f.source(func(r *SourceRegistration) { r.EventID = 2 })

	f.trigger(t0.Add(time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 1, DedupKey: dedup(1)}}
	})
	f.trigger(t0.Add(2*time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 1, DedupKey: dedup(2)}}
	})
	f.sweep()

	assert.Len(t, f.store.EventReports(), 1)
}

func TestReplacementRefusedByDestinationCapKeepsReport(t *testing.T) {
	const (
		secondDestination = "https://b.example"
		otherReporter     = "https://other-adtech.example"
	)
	f := newFixture(t)
	f.cfg.MaxEventReportsPerDestination = 1
	src := f.source(func(r *SourceRegistration) {
		r.SourceType = types.SourceTypeEvent
		r.Destinations = []string{destination, secondDestination}
	})
	f.source(func(r *SourceRegistration) {
		r.EventID = 2
		r.SourceType = types.SourceTypeEvent
		r.Destinations = []string{secondDestination}
		r.ReportingOrigin = otherReporter
	})

	f.trigger(t0.Add(time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 0, Priority: 1, DedupKey: dedup(1)}}
	})
	f.trigger(t0.Add(2*time.Hour), func(r *TriggerRegistration) {
		r.Destination = secondDestination
		r.ReportingOrigin = otherReporter
	})
	f.sweep()
	require.Len(t, f.store.EventReports(), 2)

	higher := f.trigger(t0.Add(3*time.Hour), func(r *TriggerRegistration) {
		r.Destination = secondDestination
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 1, Priority: 10, DedupKey: dedup(2)}}
	})
	f.sweep()

	reports := f.store.EventReports()
	assert.Len(t, reports, 2)
	kept := 0
	for _, r := range reports {
		if r.SourceID == src.ID {
			kept++
			assert.Equal(t, int64(1), r.TriggerPriority)
		}
	}
	assert.Equal(t, 1, kept, "credited report must survive a refused replacement")
	assert.Equal(t, []types.UnsignedLong{1}, f.store.Source(src.ID).EventReportDedupKeys)
	assert.Equal(t, types.TriggerStatusIgnored, f.store.Trigger(higher.ID).Status)
}

func TestReplacementInSameDestinationFreesCapSlot(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxEventReportsPerDestination = 1
	src := f.source(func(r *SourceRegistration) { r.SourceType = types.SourceTypeEvent })

	f.trigger(t0.Add(time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 0, Priority: 1, DedupKey: dedup(1)}}
	})
	f.sweep()
	f.trigger(t0.Add(2*time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 1, Priority: 10, DedupKey: dedup(2)}}
	})
	f.sweep()

	reports := f.store.EventReports()
	require.Len(t, reports, 1)
	assert.Equal(t, int64(10), reports[0].TriggerPriority)
	assert.Equal(t, []types.UnsignedLong{2}, f.store.Source(src.ID).EventReportDedupKeys)
}

func TestTriggerOutsideSourceLifetimeIgnored(t *testing.T) {
	f := newFixture(t)
	f.source(func(r *SourceRegistration) { r.Expiry = int64((2 * 24 * time.Hour).Seconds()) })

	early := f.trigger(t0.Add(-time.Minute), nil)
	late := f.trigger(t0.Add(3*24*time.Hour), nil)
	f.sweep()

	assert.Empty(t, f.store.EventReports())
	assert.Equal(t, types.TriggerStatusIgnored, f.store.Trigger(early.ID).Status)
	assert.Equal(t, types.TriggerStatusIgnored, f.store.Trigger(late.ID).Status)
}

func TestNoisedSourceWritesFakeReportsAtRegistration(t *testing.T) {
	noise := stubNoise{decision: privacy.Decision{
		Mode: types.AttributionModeFalsely,
		FakeReports: []privacy.FakeReport{
			{TriggerDataIndex: 6, WindowIndex: 1},
		},
	}}
	f := newFixtureWithNoise(t, noise)
	src := f.source(nil)

	fakes := f.store.EventReports()
	require.Len(t, fakes, 1)
	assert.True(t, fakes[0].Fake)
	assert.Equal(t, types.UnsignedLong(6), fakes[0].TriggerData)
	assert.Equal(t, t0.Add(7*24*time.Hour+time.Hour), fakes[0].ReportTime)
	assert.Equal(t, types.AttributionModeFalsely, f.store.Source(src.ID).AttributionMode)

	// Real triggers are absorbed without a real report.
	trig := f.trigger(t0.Add(time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 1, DedupKey: dedup(9)}}
	})
	f.sweep()
	assert.Len(t, f.store.EventReports(), 1)
	assert.Equal(t, types.TriggerStatusAttributed, f.store.Trigger(trig.ID).Status)
	assert.Contains(t, f.store.Source(src.ID).EventReportDedupKeys, types.UnsignedLong(9))
}

func TestNeverModeProducesNoReports(t *testing.T) {
	f := newFixtureWithNoise(t, stubNoise{decision: privacy.Decision{Mode: types.AttributionModeNever}})
	f.source(nil)
	f.trigger(t0.Add(time.Hour), nil)
	f.sweep()
	assert.Empty(t, f.store.EventReports())
}

func TestFlexibleValueSumBuckets(t *testing.T) {
	f := newFixture(t)
	src := f.source(func(r *SourceRegistration) {
		r.TriggerSpecs = []byte(`[{
			"trigger_data": [0, 1],
			"event_report_windows": {"end_times": [86400, 604800]},
			"summary_window_operator": "value_sum",
			"summary_buckets": [10, 100]
		}]`)
		r.MaxEventLevelReports = intPtr(2)
	})

	values := []int64{5, 20, 200, 1}
	for i, v := range values {
		f.trigger(t0.Add(time.Duration(i+1)*time.Hour), func(r *TriggerRegistration) {
			r.EventTriggerData = []types.EventTrigger{{TriggerData: 1, Value: v}}
		})
	}
	res := f.sweep()

	reports := f.store.EventReports()
	require.Len(t, reports, 2)
	require.NotNil(t, reports[0].TriggerSummaryBucket)
	buckets := []types.SummaryBucket{*reports[0].TriggerSummaryBucket, *reports[1].TriggerSummaryBucket}
	assert.ElementsMatch(t, []types.SummaryBucket{{Lower: 10, Upper: 100}, {Lower: 100, Upper: 4294967295}}, buckets)
	assert.Equal(t, t0.Add(24*time.Hour+time.Hour), reports[0].ReportTime)

	// The fourth trigger finds the source at its report cap.
	assert.Equal(t, 3, res.Attributed)
	assert.Len(t, f.store.Source(src.ID).AttributedTriggers, 3)
}

func TestValueSumBucketReportedOnce(t *testing.T) {
	f := newFixture(t)
	f.source(func(r *SourceRegistration) {
		r.TriggerSpecs = []byte(`[{
			"trigger_data": [1],
			"event_report_windows": {"end_times": [86400, 604800]},
			"summary_window_operator": "value_sum",
			"summary_buckets": [5, 10]
		}]`)
		r.MaxEventLevelReports = intPtr(3)
	})

	_, err := f.engine.RegisterTrigger(f.ctx, TriggerRegistration{
		Destination:      destination,
		ReportingOrigin:  reporter,
		TriggerTime:      t0.Add(2 * time.Hour),
		EventTriggerData: []types.EventTrigger{{TriggerData: 1, Value: -2}},
	})
	require.Error(t, err)

	f.trigger(t0.Add(time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 1, Value: 5}}
	})
	// Omitted value counts as 1, keeping the total inside [5, 10).
	f.trigger(t0.Add(3*time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 1}}
	})
	f.sweep()

	reports := f.store.EventReports()
	require.Len(t, reports, 1)
	assert.Equal(t, types.SummaryBucket{Lower: 5, Upper: 10}, *reports[0].TriggerSummaryBucket)
}

func TestFlexibleRejectsUnknownTriggerData(t *testing.T) {
	f := newFixture(t)
	f.source(func(r *SourceRegistration) {
		r.TriggerSpecs = []byte(`{"trigger_data": [3], "event_report_windows": {"end_times": [86400]}}`)
	})
	f.trigger(t0.Add(time.Hour), func(r *TriggerRegistration) {
		r.EventTriggerData = []types.EventTrigger{{TriggerData: 4}}
	})
	f.sweep()
	assert.Empty(t, f.store.EventReports())
}

func TestKillSwitches(t *testing.T) {
	f := newFixture(t)
	f.source(func(r *SourceRegistration) { r.AggregationKeys = map[string]string{"campaign": "0x1"} })
	trig := f.trigger(t0.Add(time.Hour), func(r *TriggerRegistration) {
		r.AggregatableTriggerData = []types.AggregatableTriggerData{{KeyPiece: "0x100", SourceKeys: []string{"campaign"}}}
		r.AggregatableValues = map[string]int64{"campaign": 5}
	})

	f.cfg.AttributionEnabled = false
	res := f.sweep()
	assert.Zero(t, res.Processed)
	assert.Equal(t, types.TriggerStatusPending, f.store.Trigger(trig.ID).Status)

	f.cfg.AttributionEnabled = true
	f.cfg.EventReportingEnabled = false
	res = f.sweep()
	assert.Zero(t, res.EventReports)
	assert.Equal(t, 1, res.AggregateReports)
}

func TestProcessPendingHonoursCancellation(t *testing.T) {
	f := newFixture(t)
	f.source(nil)
	trig := f.trigger(t0.Add(time.Hour), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.ProcessPending(ctx, f.cfg)
	require.Error(t, err)
	assert.Equal(t, types.TriggerStatusPending, f.store.Trigger(trig.ID).Status)
}

// failingStore fails every transaction after the first n.
type failingStore struct {
	*memstore.Store
	n int
}

func (s *failingStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	if s.n <= 0 {
		return errors.New("disk on fire")
	}
	s.n--
	return s.Store.WithTx(ctx, fn)
}

func TestDatastoreErrorIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.source(nil)
	f.trigger(t0.Add(time.Hour), nil)

	engine := NewEngine(&failingStore{Store: f.store, n: 1}, store.FixedClock{T: t0}, privacy.Disabled(), zerolog.Nop())
	_, err := engine.ProcessPending(f.ctx, f.cfg)
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
	assert.ErrorIs(t, err, types.ErrDatastore)
	assert.Empty(t, f.store.EventReports())
}

func TestRegisterSourceValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SourceRegistration)
		wantErr error
	}{
		{name: "missing reporting origin", mutate: func(r *SourceRegistration) { r.ReportingOrigin = "" }, wantErr: types.ErrMissingField},
		{name: "destination not a url", mutate: func(r *SourceRegistration) { r.Destinations = []string{"not a url"} }, wantErr: types.ErrInvalidOrigin},
		{name: "bad key piece", mutate: func(r *SourceRegistration) { r.AggregationKeys = map[string]string{"k": "123"} }, wantErr: types.ErrInvalidAggregateKey},
		{name: "reserved filter key", mutate: func(r *SourceRegistration) { r.FilterData = types.FilterMap{"source_type": {"x"}} }, wantErr: types.ErrReservedFilterKey},
		{name: "window beyond expiry", mutate: func(r *SourceRegistration) {
			r.Expiry = int64((2 * 24 * time.Hour).Seconds())
			r.TriggerSpecs = []byte(`{"trigger_data": [1], "event_report_windows": {"end_times": [604800]}}`)
		}, wantErr: types.ErrInvalidTriggerSpecs},
		{name: "information gain", mutate: func(r *SourceRegistration) {
			r.SourceType = types.SourceTypeEvent
			r.TriggerSpecs = []byte(`{"trigger_data": [0, 1, 2, 3, 4, 5, 6, 7], "event_report_windows": {"end_times": [3600, 86400, 604800]}, "max_event_level_reports": 5}`)
		}, wantErr: types.ErrInformationGainExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := SourceRegistration{
				SourceType:      types.SourceTypeNavigation,
				Publisher:       publisher,
				Destinations:    []string{destination},
				ReportingOrigin: reporter,
			}
			tt.mutate(&req)
			_, err := f.engine.RegisterSource(f.ctx, f.cfg, req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, types.CategoryValidation, types.CategoryOf(err))
			assert.False(t, types.IsRetryable(err))
		})
	}
}

func TestRegisterSourceDefaults(t *testing.T) {
	f := newFixture(t)
	src := f.source(func(r *SourceRegistration) {
		r.EventTime = time.Time{}
		r.Expiry = 60
	})
	assert.Equal(t, t0, src.EventTime)
	assert.Equal(t, t0.Add(types.MinSourceExpiry), src.ExpiryTime)
	assert.Equal(t, types.AttributionModeTruthfully, src.AttributionMode)
}

func TestRegisterTriggerValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TriggerRegistration)
		wantErr error
	}{
		{name: "missing destination", mutate: func(r *TriggerRegistration) { r.Destination = "" }, wantErr: types.ErrMissingField},
		{name: "bad reporting origin", mutate: func(r *TriggerRegistration) { r.ReportingOrigin = "adtech" }, wantErr: types.ErrInvalidOrigin},
		{name: "bad key piece", mutate: func(r *TriggerRegistration) {
			r.AggregatableTriggerData = []types.AggregatableTriggerData{{KeyPiece: "zz", SourceKeys: []string{"k"}}}
		}, wantErr: types.ErrInvalidAggregateKey},
		{name: "no source keys", mutate: func(r *TriggerRegistration) {
			r.AggregatableTriggerData = []types.AggregatableTriggerData{{KeyPiece: "0x1"}}
		}, wantErr: types.ErrMissingField},
		{name: "negative event value", mutate: func(r *TriggerRegistration) {
			r.EventTriggerData = []types.EventTrigger{{TriggerData: 1, Value: -2}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := TriggerRegistration{Destination: destination, ReportingOrigin: reporter}
			tt.mutate(&req)
			_, err := f.engine.RegisterTrigger(f.ctx, req)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, types.CategoryValidation, types.CategoryOf(err))
		})
	}

	t.Run("zero aggregatable value", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.RegisterTrigger(f.ctx, TriggerRegistration{
			Destination:        destination,
			ReportingOrigin:    reporter,
			AggregatableValues: map[string]int64{"k": 0},
		})
		require.Error(t, err)
		assert.Equal(t, types.CategoryValidation, types.CategoryOf(err))
	})
}

func intPtr(v int) *int { return &v }
