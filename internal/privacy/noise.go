package privacy

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/big"
	"math/rand"
	"sync"

	"github.com/solatis/attributor/internal/types"
)

/*
 * Noise application.
 *
 * With probability FlipProbability the true attribution outcome of a source is
 * replaced by one drawn uniformly from its outcome space, which includes the
 * "no report" outcome. The draw is a pure function of the outcome space and the
 * injected random source: tests pass a seeded *rand.Rand for reproducible
 * noise, or Disabled() to always answer truthfully.
 *
 * Mode mapping:
 *   - not flipped           -> TRUTHFULLY (real triggers produce reports)
 *   - flipped, no reports   -> NEVER      (the source never reports)
 *   - flipped, with reports -> FALSELY    (fake reports only)
 */

// Decision is the randomized-response outcome for one source.
type Decision struct {
	Mode        types.AttributionMode
	FakeReports []FakeReport
}

// Noise draws randomized-response outcomes. Safe for concurrent use.
type Noise struct {
	mu       sync.Mutex
	rng      *rand.Rand
	disabled bool
}

// NewNoise wraps rng. A nil rng is seeded from crypto/rand.
func NewNoise(rng *rand.Rand) *Noise {
	if rng == nil {
		rng = rand.New(rand.NewSource(cryptoSeed()))
	}
	return &Noise{rng: rng}
}

// Disabled returns a Noise that always answers truthfully.
func Disabled() *Noise {
	return &Noise{disabled: true}
}

// Decide applies randomized response to params.
func (n *Noise) Decide(params Params) (Decision, error) {
	if n.disabled || params.FlipProbability <= 0 {
		return Decision{Mode: types.AttributionModeTruthfully}, nil
	}

	n.mu.Lock()
	flipped := n.rng.Float64() < params.FlipProbability
	var rank *big.Int
	if flipped {
		rank = new(big.Int).Rand(n.rng, params.NumStates)
	}
	n.mu.Unlock()

	if !flipped {
		return Decision{Mode: types.AttributionModeTruthfully}, nil
	}

	reports, err := params.Space.Outcome(rank)
	if err != nil {
		return Decision{}, err
	}
	if len(reports) == 0 {
		return Decision{Mode: types.AttributionModeNever}, nil
	}
	return Decision{Mode: types.AttributionModeFalsely, FakeReports: reports}, nil
}

// Float64 draws a uniform value in [0, 1), used for report delays.
func (n *Noise) Float64() float64 {
	if n.disabled {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rng.Float64()
}

func cryptoSeed() int64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		return 1
	}
	return int64(binary.BigEndian.Uint64(buf[:]) >> 1)
}
