// Package privacy computes randomized-response parameters for event-level
// reports and applies noise to attribution outcomes.
package privacy

import (
	"math"
	"math/big"

	"github.com/solatis/attributor/internal/types"
)

// Randomized trigger rates for the default reporting schema, per source type
// and install attribution. The event rates and the plain navigation rate equal
// FlipProbability(NumStates, DefaultEpsilon) of the default outcome space
// (3, 15 and 2925 states). Install-attributed navigation keeps the plain
// navigation space and applies a fixed, higher rate.
const (
	EventNoiseProbability                 = 0.0000025
	NavigationNoiseProbability            = 0.0024263
	InstallAttrEventNoiseProbability      = 0.0000125
	InstallAttrNavigationNoiseProbability = 0.0084975
)

// DefaultEpsilon is the randomized-response privacy parameter.
const DefaultEpsilon = 14.0

// Information gain caps (bits) for flexible schemas.
const (
	MaxInformationGainEvent      = 6.5
	MaxInformationGainNavigation = 11.46173
)

// RandomizedTriggerRate returns the fixed noise constant for the default schema.
func RandomizedTriggerRate(sourceType types.SourceType, installAttributed bool) float64 {
	switch {
	case sourceType == types.SourceTypeNavigation && installAttributed:
		return InstallAttrNavigationNoiseProbability
	case sourceType == types.SourceTypeNavigation:
		return NavigationNoiseProbability
	case installAttributed:
		return InstallAttrEventNoiseProbability
	default:
		return EventNoiseProbability
	}
}

// MaxInformationGain returns the cap for a source type.
func MaxInformationGain(sourceType types.SourceType) float64 {
	if sourceType == types.SourceTypeNavigation {
		return MaxInformationGainNavigation
	}
	return MaxInformationGainEvent
}

// FlipProbability is k / (k + e^epsilon - 1) for k outcome states.
func FlipProbability(numStates *big.Int, epsilon float64) float64 {
	k, _ := new(big.Float).SetInt(numStates).Float64()
	if k <= 0 {
		return 0
	}
	return k / (k + math.Exp(epsilon) - 1)
}

// InformationGain is the capacity in bits of a k-ary symmetric channel that
// answers truthfully with probability 1 - flip and otherwise uniformly.
func InformationGain(numStates *big.Int, flip float64) float64 {
	k, _ := new(big.Float).SetInt(numStates).Float64()
	if k <= 1 {
		return 0
	}
	fake := flip * (k - 1) / k
	return math.Log2(k) + xlog2(1-fake, 1-fake) + xlog2(fake, fake/(k-1))
}

// xlog2 returns x*log2(y) with the 0*log(0) = 0 convention.
func xlog2(x, y float64) float64 {
	if x == 0 {
		return 0
	}
	return x * math.Log2(y)
}

// Params are the derived privacy parameters of one source.
type Params struct {
	Space           OutcomeSpace
	NumStates       *big.Int
	FlipProbability float64
	InformationGain float64
}

// NewParams derives flip probability and information gain for space.
func NewParams(space OutcomeSpace, epsilon float64) Params {
	n := space.NumStates()
	flip := FlipProbability(n, epsilon)
	return Params{
		Space:           space,
		NumStates:       n,
		FlipProbability: flip,
		InformationGain: InformationGain(n, flip),
	}
}
