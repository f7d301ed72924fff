// Package model defines the value-network and loss interfaces the learner
// drives, plus small reference implementations.
package model

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/learner/internal/types"
)

// Mode selects whether a forward pass records what Backward needs.
type Mode int

const (
	ModeInference Mode = iota
	ModeTraining
)

// ErrBadInput is returned when an input's dimensions are inconsistent.
var ErrBadInput = errors.New("model: bad input")

// Input is a batch of equal-length step sequences. Per-step rows are ordered
// (sequence, step).
type Input struct {
	Batch int
	Steps int
	// Observations is (Batch*Steps) x ObservationSize, scaled to [0,1].
	Observations *mat.Dense
	PrevActions  []int32
	PrevRewards  []float32
	// States holds one entry per sequence: the state entering step 0.
	States []types.RecurrentState
}

// Output is the result of a forward pass.
type Output struct {
	// Q is (Batch*Steps) x ActionSize.
	Q *mat.Dense
	// States holds one entry per sequence: the state after the last step.
	States []types.RecurrentState
}

// Model is a recurrent Q-network.
type Model interface {
	Forward(in Input, mode Mode) (Output, error)
	// Parameters returns a copy of the named parameter tensors.
	Parameters() types.GradientSet
	SetParameters(params types.GradientSet) error
	CopyParametersFrom(src Model) error
	Clone() Model
}

// Trainable is a Model that can compute and apply gradients.
type Trainable interface {
	Model
	// Backward returns parameter gradients given dLoss/dQ for the most recent
	// ModeTraining forward pass over in.
	Backward(in Input, dQ *mat.Dense) (types.GradientSet, error)
	Apply(grads types.GradientSet, learningRate float64) error
}

// LossInput covers the scored segment of a batch of windows. Row k of
// sequence b corresponds to window position Offset+k.
type LossInput struct {
	Batch   int
	Steps   int
	Offset  int
	OnlineQ *mat.Dense
	TargetQ *mat.Dense
	Actions []int32
	Rewards []float32
	Dones   []bool
	// Valid is the true length of each window, in window positions.
	Valid []int
}

// LossResult carries the scalar loss, one replay priority per sequence and
// the gradient with respect to OnlineQ.
type LossResult struct {
	Loss       float64
	Priorities []float64
	DQ         *mat.Dense
}

// LossFunction turns Q-values into a loss and per-sequence priorities.
type LossFunction interface {
	Compute(in LossInput) (LossResult, error)
}
