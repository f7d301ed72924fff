package policy

import (
	"fmt"
	"math/rand"
	"time"
)

// RandomPolicy selects uniformly among a fixed number of discrete actions
type RandomPolicy struct {
	rng       *rand.Rand
	discreteN int
}

// NewRandom creates a new random policy over n actions
func NewRandom(n int) (*RandomPolicy, error) {
	if n <= 0 {
		return nil, fmt.Errorf("action count must be positive, got %d", n)
	}
	return &RandomPolicy{
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		discreteN: n,
	}, nil
}

// SelectAction implements Policy interface. The Q-values are ignored.
func (p *RandomPolicy) SelectAction(qValues []float32) (int32, float32, error) {
	return int32(p.rng.Intn(p.discreteN)), 1 / float32(p.discreteN), nil
}
