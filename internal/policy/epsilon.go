package policy

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

const (
	// DefaultEpsilonBase is raised to a per-environment exponent.
	DefaultEpsilonBase = 0.4

	// Exponents are spread evenly over [minExponent, maxExponent].
	minExponent = 1.0
	maxExponent = 8.0
)

// EnvEpsilon returns the exploration rate for environment envID out of
// numEnvs: base^(1 + 7*envID/(numEnvs-1)). A single environment uses base.
func EnvEpsilon(base float64, envID, numEnvs int) float64 {
	if numEnvs <= 1 {
		return math.Pow(base, minExponent)
	}
	if envID < 0 {
		envID = 0
	}
	if envID >= numEnvs {
		envID = numEnvs - 1
	}
	exp := minExponent + (maxExponent-minExponent)*float64(envID)/float64(numEnvs-1)
	return math.Pow(base, exp)
}

// EpsilonGreedy picks the greedy action with probability 1-epsilon and a
// uniformly random action otherwise. Not safe for concurrent use; each
// session owns one.
type EpsilonGreedy struct {
	rng     *rand.Rand
	epsilon float64
}

// NewEpsilonGreedy creates an epsilon-greedy policy
func NewEpsilonGreedy(epsilon float64) (*EpsilonGreedy, error) {
	if epsilon < 0 || epsilon > 1 || math.IsNaN(epsilon) {
		return nil, fmt.Errorf("epsilon must be in [0,1], got %v", epsilon)
	}
	return &EpsilonGreedy{
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		epsilon: epsilon,
	}, nil
}

// Epsilon returns the exploration rate.
func (p *EpsilonGreedy) Epsilon() float64 { return p.epsilon }

// SelectAction implements Policy interface. The returned probability is the
// behaviour probability of the chosen action: epsilon/n plus 1-epsilon when
// it is also the greedy action.
func (p *EpsilonGreedy) SelectAction(qValues []float32) (int32, float32, error) {
	n := len(qValues)
	if n == 0 {
		return 0, 0, fmt.Errorf("no Q-values to select from")
	}

	greedy := 0
	for i, q := range qValues {
		if q > qValues[greedy] {
			greedy = i
		}
	}

	action := greedy
	if p.rng.Float64() < p.epsilon {
		action = p.rng.Intn(n)
	}

	prob := p.epsilon / float64(n)
	if action == greedy {
		prob += 1 - p.epsilon
	}
	return int32(action), float32(prob), nil
}
