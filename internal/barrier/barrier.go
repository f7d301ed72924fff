// Package barrier implements the N-way gradient rendezvous used by the
// training replicas.
package barrier

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/exp/maps"
	"gonum.org/v1/gonum/floats"

	"github.com/cartridge/learner/internal/types"
)

var (
	// ErrReplicaOutOfRange is returned for a replica id outside [0, n).
	ErrReplicaOutOfRange = errors.New("replica out of range")

	// ErrAlreadySubmitted is returned when a replica submits twice in one round.
	ErrAlreadySubmitted = errors.New("replica already submitted this round")
)

// GradientBarrier blocks each of n replicas until all n have submitted a
// gradient set for the round, then hands every replica the element-wise sum.
//
// There is no timeout and no cancellation. If one replica never arrives, the
// others wait forever.
type GradientBarrier struct {
	n int

	mu        sync.Mutex
	slots     []types.GradientSet
	submitted []bool
	wake      []chan struct{}
	arrived   int
	template  types.GradientSet
	rounds    uint64
}

// New creates a barrier for n replicas.
func New(n int) *GradientBarrier {
	if n <= 0 {
		panic(fmt.Sprintf("barrier: participant count must be positive, got %d", n))
	}
	b := &GradientBarrier{
		n:         n,
		slots:     make([]types.GradientSet, n),
		submitted: make([]bool, n),
		wake:      make([]chan struct{}, n),
	}
	for i := range b.wake {
		b.wake[i] = make(chan struct{}, 1)
	}
	return b
}

// Participants returns n.
func (b *GradientBarrier) Participants() int { return b.n }

// Rounds returns the number of completed rounds.
func (b *GradientBarrier) Rounds() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rounds
}

// Waiting returns how many replicas have submitted in the current round.
func (b *GradientBarrier) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arrived
}

// Aggregate submits grads for replica and blocks until all replicas have
// submitted. Every caller receives its own copy of the same sum. A set whose
// names or lengths differ from the round's first submission is rejected
// before the caller counts as arrived.
func (b *GradientBarrier) Aggregate(replica int, grads types.GradientSet) (types.GradientSet, error) {
	if replica < 0 || replica >= b.n {
		return nil, fmt.Errorf("%w: %d of %d", ErrReplicaOutOfRange, replica, b.n)
	}

	b.mu.Lock()
	if b.submitted[replica] {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: replica %d", ErrAlreadySubmitted, replica)
	}
	if b.template != nil && !b.template.Conforms(grads) {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: replica %d gradients do not match this round", types.ErrShapeMismatch, replica)
	}
	if b.template == nil {
		b.template = grads
	}

	b.slots[replica] = grads
	b.submitted[replica] = true
	b.arrived++

	if b.arrived == b.n {
		sum := b.sum()
		for i := range b.slots {
			b.slots[i] = sum.Clone()
			b.submitted[i] = false
		}
		b.arrived = 0
		b.template = nil
		b.rounds++
		for i, ch := range b.wake {
			if i != replica {
				ch <- struct{}{}
			}
		}
		out := b.slots[replica]
		b.slots[replica] = nil
		b.mu.Unlock()
		return out, nil
	}
	b.mu.Unlock()

	<-b.wake[replica]

	b.mu.Lock()
	out := b.slots[replica]
	b.slots[replica] = nil
	b.mu.Unlock()
	return out, nil
}

// sum adds every slot element-wise. Caller holds mu.
func (b *GradientBarrier) sum() types.GradientSet {
	names := maps.Keys(b.slots[0])
	sort.Strings(names)

	out := make(types.GradientSet, len(names))
	for _, name := range names {
		acc := make([]float64, len(b.slots[0][name]))
		for _, set := range b.slots {
			floats.Add(acc, set[name])
		}
		out[name] = acc
	}
	return out
}
