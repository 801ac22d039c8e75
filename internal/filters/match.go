// internal/filters/match.go
package filters

import (
	"time"

	"github.com/solatis/attributor/internal/types"
)

/*
 * Filter matching for attribution.
 *
 * Evaluates trigger-side filter sets against source-side filter data. A filter
 * set is a disjunction of filter maps (OR of AND groups, as in DNF): the set
 * passes when any one map passes; an empty set always passes.
 *
 * Per-map semantics:
 *   - filters: every key present in both maps must share at least one value.
 *     Keys missing from the source data are wildcards.
 *   - not_filters: every shared key must share no value.
 *   - An empty value list only matches an empty value list.
 *
 * Synthetic keys:
 *   - source_type is injected from the source's own type before matching.
 *   - _lookback_window (seconds) requires the source event time to be within the
 *     window before the trigger (filters) or outside it (not_filters).
 *
 * Matching is case-sensitive with set semantics; value order is irrelevant.
 */

// Candidate is the source-side view used for matching.
type Candidate struct {
	SourceType types.SourceType
	FilterData types.FilterMap
	EventTime  time.Time
}

// CandidateFor builds a Candidate from a source record.
func CandidateFor(src *types.Source) Candidate {
	return Candidate{
		SourceType: src.SourceType,
		FilterData: src.FilterData,
		EventTime:  src.EventTime,
	}
}

// Match reports whether the candidate passes both filters and notFilters.
func Match(c Candidate, triggerTime time.Time, filters, notFilters types.FilterSet) bool {
	data := withSourceType(c.FilterData, c.SourceType)
	age := triggerTime.Sub(c.EventTime)

	if !matchSet(data, age, filters, true) {
		return false
	}
	return matchSet(data, age, notFilters, false)
}

// matchSet evaluates a disjunction of filter maps.
// Short-circuits on the first passing map.
func matchSet(data types.FilterMap, age time.Duration, set types.FilterSet, positive bool) bool {
	if len(set) == 0 {
		return true
	}
	for _, filter := range set {
		if matchOne(data, age, filter, positive) {
			return true
		}
	}
	return false
}

// matchOne evaluates a single filter map including the lookback window.
func matchOne(data types.FilterMap, age time.Duration, filter types.FilterMap, positive bool) bool {
	if window, ok := filter.LookbackWindow(); ok {
		within := age <= window
		if positive && !within {
			return false
		}
		if !positive && within {
			return false
		}
	}
	return matchKeys(data, filter, positive)
}

// matchKeys applies intersection (positive) or disjointness (negative) to every
// key present in both maps.
func matchKeys(data, filter types.FilterMap, positive bool) bool {
	for key, want := range filter {
		if key == types.FilterKeyLookbackWindow {
			continue
		}
		have, ok := data[key]
		if !ok {
			continue
		}
		if positive != keyMatches(have, want) {
			return false
		}
	}
	return true
}

func withSourceType(data types.FilterMap, sourceType types.SourceType) types.FilterMap {
	out := make(types.FilterMap, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out[types.FilterKeySourceType] = []string{string(sourceType)}
	return out
}
