// Package aggregation assembles aggregatable histogram contributions from a
// source's key pieces and a trigger's aggregatable data, and caps them to the
// source's remaining contribution budget.
package aggregation

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/solatis/attributor/internal/filters"
	"github.com/solatis/attributor/internal/types"
)

/*
 * Contribution building.
 *
 * Workflow for one (source, trigger) pair:
 *   1. Parse each source aggregation key into a 128-bit bucket.
 *   2. For every aggregatable trigger data entry whose filters match the
 *      source, OR its key piece into each listed source key.
 *   3. Emit one contribution per source key that has a positive trigger
 *      value, in key-name order.
 *
 * Budget capping truncates rather than rejects: contributions are taken in
 * order until the remaining budget runs out, and the last one is reduced to
 * fit. A source with no remaining budget contributes nothing.
 */

// DefaultBudget is the lifetime L1 contribution budget of a source.
const DefaultBudget int64 = types.MaxAggregatableValue

// Build returns the contributions src earns from trig. A nil result means the
// pair produces no aggregate report.
func Build(src *types.Source, trig *types.Trigger) ([]types.AggregateHistogramContribution, error) {
	if len(src.AggregationKeys) == 0 || len(trig.AggregatableValues) == 0 {
		return nil, nil
	}

	buckets := make(map[string]*big.Int, len(src.AggregationKeys))
	for id, piece := range src.AggregationKeys {
		v, err := types.ParseKeyPiece(piece)
		if err != nil {
			return nil, fmt.Errorf("source key %q: %w", id, err)
		}
		buckets[id] = v
	}

	candidate := filters.CandidateFor(src)
	for i, td := range trig.AggregatableTriggerData {
		if !filters.Match(candidate, trig.TriggerTime, td.Filters, td.NotFilters) {
			continue
		}
		piece, err := types.ParseKeyPiece(td.KeyPiece)
		if err != nil {
			return nil, fmt.Errorf("aggregatable trigger data %d: %w", i, err)
		}
		for _, key := range td.SourceKeys {
			if b, ok := buckets[key]; ok {
				b.Or(b, piece)
			}
		}
	}

	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []types.AggregateHistogramContribution
	for _, k := range keys {
		value, ok := trig.AggregatableValues[k]
		if !ok || value <= 0 {
			continue
		}
		if value > types.MaxAggregatableValue {
			value = types.MaxAggregatableValue
		}
		out = append(out, types.AggregateHistogramContribution{Bucket: buckets[k], Value: uint32(value)})
	}
	return out, nil
}

// Total sums contribution values.
func Total(contributions []types.AggregateHistogramContribution) int64 {
	var total int64
	for _, c := range contributions {
		total += int64(c.Value)
	}
	return total
}

// Remaining returns the budget src has left, never negative.
func Remaining(src *types.Source, budget int64) int64 {
	return max(budget-src.AggregateContributions, 0)
}

// Cap truncates contributions so their total does not exceed remaining.
// Returns the kept contributions and their total.
func Cap(contributions []types.AggregateHistogramContribution, remaining int64) ([]types.AggregateHistogramContribution, int64) {
	var (
		out   []types.AggregateHistogramContribution
		total int64
	)
	for _, c := range contributions {
		if remaining <= 0 {
			break
		}
		v := min(int64(c.Value), remaining)
		out = append(out, types.AggregateHistogramContribution{Bucket: new(big.Int).Set(c.Bucket), Value: uint32(v)})
		total += v
		remaining -= v
	}
	return out, total
}

// DedupKey returns the first aggregate dedup key whose filters match src, or
// nil when none applies.
func DedupKey(src *types.Source, trig *types.Trigger) *types.UnsignedLong {
	candidate := filters.CandidateFor(src)
	for _, dk := range trig.AggregateDedupKeys {
		if dk.DedupKey == nil {
			continue
		}
		if filters.Match(candidate, trig.TriggerTime, dk.Filters, dk.NotFilters) {
			key := *dk.DedupKey
			return &key
		}
	}
	return nil
}

// ReportDelay picks the aggregate report delay from a uniform draw u in [0, 1).
func ReportDelay(u float64, minDelay, maxDelay time.Duration) time.Duration {
	if maxDelay <= minDelay {
		return minDelay
	}
	return minDelay + time.Duration(u*float64(maxDelay-minDelay))
}
