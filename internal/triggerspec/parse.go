package triggerspec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/solatis/attributor/internal/types"
)

type windowsJSON struct {
	StartTime *int64  `json:"start_time,omitempty"`
	EndTimes  []int64 `json:"end_times"`
}

type specJSON struct {
	TriggerData           []types.UnsignedLong `json:"trigger_data"`
	EventReportWindows    *windowsJSON         `json:"event_report_windows,omitempty"`
	SummaryWindowOperator SummaryOperator      `json:"summary_window_operator,omitempty"`
	SummaryBuckets        []int64              `json:"summary_buckets,omitempty"`
}

type compactJSON struct {
	specJSON
	MaxEventLevelReports *int `json:"max_event_level_reports,omitempty"`
}

// Parse parses the verbose JSON array form.
func Parse(data []byte, maxReports int) (*TriggerSpecs, error) {
	var raw []specJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidTriggerSpecs, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty spec array", types.ErrInvalidTriggerSpecs)
	}
	specs := make([]TriggerSpec, 0, len(raw))
	for i, r := range raw {
		spec, err := r.toSpec()
		if err != nil {
			return nil, fmt.Errorf("spec %d: %w", i, err)
		}
		specs = append(specs, spec)
	}
	return newTriggerSpecs(specs, maxReports, false)
}

// ParseCompact parses the single-spec shorthand object. A missing
// max_event_level_reports falls back to defaultMaxReports.
func ParseCompact(data []byte, defaultMaxReports int) (*TriggerSpecs, error) {
	var raw compactJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidTriggerSpecs, err)
	}
	maxReports := defaultMaxReports
	if raw.MaxEventLevelReports != nil {
		maxReports = *raw.MaxEventLevelReports
	}
	spec, err := raw.specJSON.toSpec()
	if err != nil {
		return nil, err
	}
	return newTriggerSpecs([]TriggerSpec{spec}, maxReports, false)
}

func (r specJSON) toSpec() (TriggerSpec, error) {
	if r.EventReportWindows == nil {
		return TriggerSpec{}, fmt.Errorf("%w: event_report_windows required", types.ErrInvalidTriggerSpecs)
	}
	spec := TriggerSpec{
		TriggerData:     r.TriggerData,
		SummaryOperator: r.SummaryWindowOperator,
		SummaryBuckets:  r.SummaryBuckets,
	}
	if r.EventReportWindows.StartTime != nil {
		spec.WindowStart = time.Duration(*r.EventReportWindows.StartTime) * time.Second
	}
	for _, end := range r.EventReportWindows.EndTimes {
		spec.WindowEnds = append(spec.WindowEnds, time.Duration(end)*time.Second)
	}
	return spec, nil
}

// EncodeToJSON writes the verbose array form accepted by Parse.
func (t *TriggerSpecs) EncodeToJSON() (string, error) {
	out := make([]specJSON, 0, len(t.specs))
	for _, spec := range t.specs {
		start := int64(spec.WindowStart / time.Second)
		ends := make([]int64, 0, len(spec.WindowEnds))
		for _, e := range spec.WindowEnds {
			ends = append(ends, int64(e/time.Second))
		}
		out = append(out, specJSON{
			TriggerData:           spec.TriggerData,
			EventReportWindows:    &windowsJSON{StartTime: &start, EndTimes: ends},
			SummaryWindowOperator: spec.SummaryOperator,
			SummaryBuckets:        spec.SummaryBuckets,
		})
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// validate enforces structural limits on the parsed specs.
func (t *TriggerSpecs) validate() error {
	if t.maxReports < 1 || t.maxReports > MaxReportsLimit {
		return fmt.Errorf("%w: max_event_level_reports must be in [1, %d], got %d", types.ErrInvalidTriggerSpecs, MaxReportsLimit, t.maxReports)
	}

	seen := make(map[types.UnsignedLong]bool)
	total := 0
	for i, spec := range t.specs {
		if len(spec.TriggerData) == 0 {
			return fmt.Errorf("%w: spec %d has no trigger_data", types.ErrInvalidTriggerSpecs, i)
		}
		for _, td := range spec.TriggerData {
			if seen[td] {
				return fmt.Errorf("%w: duplicate trigger_data %s", types.ErrInvalidTriggerSpecs, td)
			}
			seen[td] = true
			total++
		}

		if spec.SummaryOperator != OperatorCount && spec.SummaryOperator != OperatorValueSum {
			return fmt.Errorf("%w: unknown summary_window_operator %q", types.ErrInvalidTriggerSpecs, spec.SummaryOperator)
		}

		if spec.WindowStart < 0 {
			return fmt.Errorf("%w: negative start_time", types.ErrInvalidTriggerSpecs)
		}
		if len(spec.WindowEnds) == 0 || len(spec.WindowEnds) > MaxReportWindows {
			return fmt.Errorf("%w: spec %d needs 1..%d end_times", types.ErrInvalidTriggerSpecs, i, MaxReportWindows)
		}
		prev := spec.WindowStart
		for _, end := range spec.WindowEnds {
			if end <= prev {
				return fmt.Errorf("%w: end_times must be strictly increasing", types.ErrInvalidTriggerSpecs)
			}
			prev = end
		}

		if len(spec.SummaryBuckets) > t.maxReports {
			return fmt.Errorf("%w: more summary_buckets than max reports", types.ErrInvalidTriggerSpecs)
		}
		var prevBucket int64
		for _, b := range spec.SummaryBuckets {
			if b <= prevBucket || b >= MaxBucketThreshold {
				return fmt.Errorf("%w: summary_buckets must be positive and strictly increasing", types.ErrInvalidTriggerSpecs)
			}
			prevBucket = b
		}
	}
	if total > MaxTriggerDataPerSource {
		return fmt.Errorf("%w: %d trigger data values exceed %d", types.ErrInvalidTriggerSpecs, total, MaxTriggerDataPerSource)
	}
	return nil
}
