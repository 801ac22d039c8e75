// Package triggerspec models flexible event-report configuration: ordered
// per-bucket specs of trigger data, report windows and summary buckets, plus a
// global report cap.
package triggerspec

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/solatis/attributor/internal/privacy"
	"github.com/solatis/attributor/internal/types"
)

/*
 * Trigger spec model.
 *
 * Two parse entry points feed the same validated structure:
 *   - Parse: verbose JSON array of spec objects plus max reports
 *   - ParseCompact: single-spec shorthand object carrying its own
 *     max_event_level_reports
 * Default builds the legacy schema for a source type; legacy specs truncate
 * trigger data modulo cardinality instead of requiring an exact match.
 *
 * Flattened indexing: trigger data values are numbered in declaration order
 * across specs. The privacy module ranks outcomes over these indices, and
 * TriggerDataFromIndex maps them back.
 */

// SummaryOperator selects how triggers accumulate into summary buckets.
type SummaryOperator string

const (
	OperatorCount    SummaryOperator = "count"
	OperatorValueSum SummaryOperator = "value_sum"
)

// MaxBucketThreshold is the exclusive upper bound of the top summary bucket.
const MaxBucketThreshold int64 = math.MaxUint32

// Validation limits.
const (
	MaxTriggerDataPerSource = 32
	MaxReportWindows        = 5
	MaxReportsLimit         = 20
)

// Default schema constants.
const (
	NavigationTriggerDataCardinality = 8
	EventTriggerDataCardinality      = 2
	NavigationMaxReports             = 3
	EventMaxReports                  = 1
	InstallAttrEventMaxReports       = 2
)

// EarlyReportWindows are the default window ends before expiry for
// navigation sources. Install-attributed event sources use only the first.
var EarlyReportWindows = []time.Duration{2 * 24 * time.Hour, 7 * 24 * time.Hour}

// TriggerSpec is one bucket of the flexible schema.
type TriggerSpec struct {
	TriggerData     []types.UnsignedLong
	WindowStart     time.Duration
	WindowEnds      []time.Duration
	SummaryOperator SummaryOperator
	SummaryBuckets  []int64
}

// TriggerSpecs is the validated configuration of one source.
type TriggerSpecs struct {
	specs      []TriggerSpec
	maxReports int
	legacy     bool
	attributed []types.AttributedTrigger
	index      map[types.UnsignedLong]int
	flat       []types.UnsignedLong
}

func newTriggerSpecs(specs []TriggerSpec, maxReports int, legacy bool) (*TriggerSpecs, error) {
	t := &TriggerSpecs{
		specs:      specs,
		maxReports: maxReports,
		legacy:     legacy,
		index:      make(map[types.UnsignedLong]int),
	}
	for i := range t.specs {
		if t.specs[i].SummaryOperator == "" {
			t.specs[i].SummaryOperator = OperatorCount
		}
		if len(t.specs[i].SummaryBuckets) == 0 {
			t.specs[i].SummaryBuckets = defaultSummaryBuckets(maxReports)
		}
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	for i, spec := range t.specs {
		for _, td := range spec.TriggerData {
			t.index[td] = i
			t.flat = append(t.flat, td)
		}
	}
	return t, nil
}

// Default builds the legacy schema for a source.
func Default(sourceType types.SourceType, expiry time.Duration, installAttributed bool) *TriggerSpecs {
	cardinality, maxReports := EventTriggerDataCardinality, EventMaxReports
	var early []time.Duration
	switch {
	case sourceType == types.SourceTypeNavigation:
		cardinality, maxReports = NavigationTriggerDataCardinality, NavigationMaxReports
		early = EarlyReportWindows
	case installAttributed:
		maxReports = InstallAttrEventMaxReports
		early = EarlyReportWindows[:1]
	}

	var ends []time.Duration
	for _, w := range early {
		if w < expiry {
			ends = append(ends, w)
		}
	}
	ends = append(ends, expiry)

	data := make([]types.UnsignedLong, cardinality)
	for i := range data {
		data[i] = types.UnsignedLong(i)
	}
	t, err := newTriggerSpecs([]TriggerSpec{{
		TriggerData:     data,
		WindowEnds:      ends,
		SummaryOperator: OperatorCount,
		SummaryBuckets:  defaultSummaryBuckets(maxReports),
	}}, maxReports, true)
	if err != nil {
		// Default inputs always validate; expiry is bounded at registration.
		panic(fmt.Sprintf("default trigger specs invalid: %v", err))
	}
	return t
}

// ForSource returns the source's configured specs, or the legacy default,
// carrying the source's attributed-trigger state.
func ForSource(src *types.Source) (*TriggerSpecs, error) {
	var (
		t   *TriggerSpecs
		err error
	)
	if src.TriggerSpecs == "" {
		t = Default(src.SourceType, src.ExpiryTime.Sub(src.EventTime), src.InstallAttributed)
	} else {
		t, err = Parse([]byte(src.TriggerSpecs), src.MaxEventLevelReports)
		if err != nil {
			return nil, err
		}
	}
	t.attributed = slices.Clone(src.AttributedTriggers)
	return t, nil
}

func defaultSummaryBuckets(maxReports int) []int64 {
	buckets := make([]int64, 0, maxReports)
	for i := 1; i <= maxReports; i++ {
		buckets = append(buckets, int64(i))
	}
	return buckets
}

// Legacy reports whether trigger data is truncated instead of matched exactly.
func (t *TriggerSpecs) Legacy() bool { return t.legacy }

// MaxReports returns the global event report cap.
func (t *TriggerSpecs) MaxReports() int { return t.maxReports }

// Specs returns a copy of the per-bucket specs.
func (t *TriggerSpecs) Specs() []TriggerSpec { return slices.Clone(t.specs) }

// TriggerDataCardinality counts distinct trigger data values.
func (t *TriggerSpecs) TriggerDataCardinality() int { return len(t.flat) }

// ResolveTriggerData maps raw trigger data to the value reported. Legacy
// schemas truncate modulo cardinality; flexible schemas require an exact match.
func (t *TriggerSpecs) ResolveTriggerData(raw types.UnsignedLong) (types.UnsignedLong, bool) {
	if t.legacy {
		return raw.Mod(uint64(len(t.flat))), true
	}
	_, ok := t.index[raw]
	return raw, ok
}

// SpecFor returns the spec owning trigger data td.
func (t *TriggerSpecs) SpecFor(td types.UnsignedLong) (TriggerSpec, bool) {
	i, ok := t.index[td]
	if !ok {
		return TriggerSpec{}, false
	}
	return t.specs[i], true
}

// TriggerDataFromIndex maps a flattened index back to its trigger data.
func (t *TriggerSpecs) TriggerDataFromIndex(flatIndex int) (types.UnsignedLong, error) {
	if flatIndex < 0 || flatIndex >= len(t.flat) {
		return 0, fmt.Errorf("%w: trigger data index %d out of range", types.ErrInvalidTriggerSpecs, flatIndex)
	}
	return t.flat[flatIndex], nil
}

// SummaryBucketFromIndex returns the [lower, upper) range of bucket
// bucketIndex. The top bucket ends at MaxBucketThreshold.
func SummaryBucketFromIndex(bucketIndex int, buckets []int64) (types.SummaryBucket, error) {
	if bucketIndex < 0 || bucketIndex >= len(buckets) {
		return types.SummaryBucket{}, fmt.Errorf("%w: summary bucket index %d out of range", types.ErrInvalidTriggerSpecs, bucketIndex)
	}
	upper := MaxBucketThreshold
	if bucketIndex+1 < len(buckets) {
		upper = buckets[bucketIndex+1]
	}
	return types.SummaryBucket{Lower: buckets[bucketIndex], Upper: upper}, nil
}

// SummaryBucketIndex returns the index of the bucket containing total, or -1
// when total is below the first threshold.
func SummaryBucketIndex(total int64, buckets []int64) int {
	idx := -1
	for i, b := range buckets {
		if total >= b {
			idx = i
		}
	}
	return idx
}

// WindowIndex returns the report window containing a trigger at offset since
// the source event time, or -1 when outside every window.
func (s TriggerSpec) WindowIndex(offset time.Duration) int {
	if offset < s.WindowStart {
		return -1
	}
	for i, end := range s.WindowEnds {
		if offset < end {
			return i
		}
	}
	return -1
}

// WindowEnd returns the end of window i relative to the source event time.
func (s TriggerSpec) WindowEnd(i int) time.Duration {
	return s.WindowEnds[i]
}

// OutcomeSpace describes every report configuration these specs allow.
func (t *TriggerSpecs) OutcomeSpace() privacy.OutcomeSpace {
	space := privacy.OutcomeSpace{MaxReports: t.maxReports}
	for _, spec := range t.specs {
		for range spec.TriggerData {
			space.Windows = append(space.Windows, len(spec.WindowEnds))
			space.Caps = append(space.Caps, min(len(spec.SummaryBuckets), t.maxReports))
		}
	}
	return space
}

// PrivacyParams derives flip probability and information gain.
func (t *TriggerSpecs) PrivacyParams(epsilon float64) privacy.Params {
	return privacy.NewParams(t.OutcomeSpace(), epsilon)
}

// CheckInformationGain rejects specs that leak more than maxBits.
func (t *TriggerSpecs) CheckInformationGain(epsilon, maxBits float64) error {
	p := t.PrivacyParams(epsilon)
	if p.InformationGain > maxBits {
		return fmt.Errorf("%w: %.4f bits > %.4f", types.ErrInformationGainExceeded, p.InformationGain, maxBits)
	}
	return nil
}

// WithAttributed returns a copy carrying extra attributed-trigger state.
func (t *TriggerSpecs) WithAttributed(at types.AttributedTrigger) *TriggerSpecs {
	cp := *t
	cp.attributed = append(slices.Clone(t.attributed), at)
	return &cp
}

// SummaryTotal accumulates attributed triggers for td under the spec operator.
func (t *TriggerSpecs) SummaryTotal(td types.UnsignedLong) int64 {
	spec, ok := t.SpecFor(td)
	if !ok {
		return 0
	}
	var total int64
	for _, at := range t.attributed {
		if at.TriggerData != td {
			continue
		}
		if spec.SummaryOperator == OperatorValueSum {
			total += at.Value
		} else {
			total++
		}
	}
	return total
}

// Equal compares all fields including attributed-trigger state.
func (t *TriggerSpecs) Equal(other *TriggerSpecs) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.maxReports != other.maxReports || t.legacy != other.legacy || len(t.specs) != len(other.specs) {
		return false
	}
	for i := range t.specs {
		if !t.specs[i].equal(other.specs[i]) {
			return false
		}
	}
	return slices.EqualFunc(t.attributed, other.attributed, attributedEqual)
}

func (s TriggerSpec) equal(o TriggerSpec) bool {
	return slices.Equal(s.TriggerData, o.TriggerData) &&
		s.WindowStart == o.WindowStart &&
		slices.Equal(s.WindowEnds, o.WindowEnds) &&
		s.SummaryOperator == o.SummaryOperator &&
		slices.Equal(s.SummaryBuckets, o.SummaryBuckets)
}

func attributedEqual(a, b types.AttributedTrigger) bool {
	if a.TriggerID != b.TriggerID || a.TriggerData != b.TriggerData || a.Priority != b.Priority || a.Value != b.Value {
		return false
	}
	if (a.DedupKey == nil) != (b.DedupKey == nil) {
		return false
	}
	return a.DedupKey == nil || *a.DedupKey == *b.DedupKey
}
