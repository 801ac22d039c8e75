package privacy

import (
	"fmt"
	"math/big"
)

/*
 * Outcome space for randomized response.
 *
 * An outcome assigns a report count to every (trigger data, window) cell.
 * Constraints: per trigger data the counts sum to at most Caps[i]; across all
 * trigger data the counts sum to at most MaxReports. The empty assignment is
 * the "no report" outcome.
 *
 * Counting: f(i, r) = sum over s in [0, min(Caps[i], r)] of
 * compositions(Windows[i], s) * f(i+1, r-s), with f(n, r) = 1 and
 * compositions(w, s) = C(s+w-1, w-1). Without per-type caps this reduces to
 * C(cells + MaxReports, MaxReports) (stars and bars).
 *
 * Unranking walks the same recursion, so every index in [0, NumStates) maps to
 * exactly one outcome and uniform indices give uniform outcomes.
 */

// OutcomeSpace describes the report configurations a source can produce.
type OutcomeSpace struct {
	MaxReports int
	Windows    []int // windows per trigger data index
	Caps       []int // report cap per trigger data index
}

// UniformSpace builds the default-schema space: every trigger data value has
// the same windows and is capped only by maxReports.
func UniformSpace(triggerDataCardinality, windows, maxReports int) OutcomeSpace {
	space := OutcomeSpace{
		MaxReports: maxReports,
		Windows:    make([]int, triggerDataCardinality),
		Caps:       make([]int, triggerDataCardinality),
	}
	for i := range space.Windows {
		space.Windows[i] = windows
		space.Caps[i] = maxReports
	}
	return space
}

// FakeReport is one report cell of a drawn outcome.
type FakeReport struct {
	TriggerDataIndex int
	WindowIndex      int
}

// NumStates counts the outcomes in the space.
func (o OutcomeSpace) NumStates() *big.Int {
	c := newCounter(o)
	return c.count(0, o.MaxReports)
}

// Outcome decodes the outcome with the given rank.
func (o OutcomeSpace) Outcome(rank *big.Int) ([]FakeReport, error) {
	c := newCounter(o)
	if rank.Sign() < 0 || rank.Cmp(c.count(0, o.MaxReports)) >= 0 {
		return nil, fmt.Errorf("outcome rank %s out of range", rank)
	}

	idx := new(big.Int).Set(rank)
	remaining := o.MaxReports
	var reports []FakeReport

	for i := range o.Windows {
		limit := min(o.Caps[i], remaining)
		for s := 0; s <= limit; s++ {
			rest := c.count(i+1, remaining-s)
			block := new(big.Int).Mul(compositions(o.Windows[i], s), rest)
			if idx.Cmp(block) >= 0 {
				idx.Sub(idx, block)
				continue
			}
			compRank, restRank := new(big.Int).QuoRem(idx, rest, new(big.Int))
			for w, n := range unrankComposition(o.Windows[i], s, compRank) {
				for k := 0; k < n; k++ {
					reports = append(reports, FakeReport{TriggerDataIndex: i, WindowIndex: w})
				}
			}
			idx = restRank
			remaining -= s
			break
		}
	}
	return reports, nil
}

type counter struct {
	space OutcomeSpace
	memo  map[[2]int]*big.Int
}

func newCounter(space OutcomeSpace) *counter {
	return &counter{space: space, memo: make(map[[2]int]*big.Int)}
}

// count returns f(i, r): configurations of trigger data i.. with at most r reports.
func (c *counter) count(i, r int) *big.Int {
	if i >= len(c.space.Windows) {
		return big.NewInt(1)
	}
	key := [2]int{i, r}
	if v, ok := c.memo[key]; ok {
		return v
	}
	total := new(big.Int)
	limit := min(c.space.Caps[i], r)
	for s := 0; s <= limit; s++ {
		term := new(big.Int).Mul(compositions(c.space.Windows[i], s), c.count(i+1, r-s))
		total.Add(total, term)
	}
	c.memo[key] = total
	return total
}

// compositions counts ordered splits of s reports into w windows.
func compositions(w, s int) *big.Int {
	if w == 0 {
		if s == 0 {
			return big.NewInt(1)
		}
		return big.NewInt(0)
	}
	return new(big.Int).Binomial(int64(s+w-1), int64(w-1))
}

// unrankComposition returns per-window counts for the rank-th split of s into w.
func unrankComposition(w, s int, rank *big.Int) []int {
	out := make([]int, w)
	idx := new(big.Int).Set(rank)
	remaining := s
	for j := 0; j < w-1; j++ {
		for n := 0; n <= remaining; n++ {
			block := compositions(w-j-1, remaining-n)
			if idx.Cmp(block) < 0 {
				out[j] = n
				remaining -= n
				break
			}
			idx.Sub(idx, block)
		}
	}
	if w > 0 {
		out[w-1] = remaining
	}
	return out
}
