package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultGamma is the discount factor.
	DefaultGamma = 0.997

	// DefaultEta mixes max and mean absolute TD error into a priority.
	DefaultEta = 0.9
)

// TDLoss is a one-step bootstrapped temporal-difference loss. The step at
// row k is scored against the reward and target Q-values of row k+1, so the
// last row of each sequence, and every row at or past the window's valid
// length, only serves as a bootstrap.
type TDLoss struct {
	Gamma float64
	Eta   float64
}

// NewTDLoss returns a TDLoss with the default discount and priority mix.
func NewTDLoss() *TDLoss {
	return &TDLoss{Gamma: DefaultGamma, Eta: DefaultEta}
}

// Compute implements LossFunction.Compute
func (l *TDLoss) Compute(in LossInput) (LossResult, error) {
	rows := in.Batch * in.Steps
	if in.OnlineQ == nil || in.TargetQ == nil {
		return LossResult{}, fmt.Errorf("%w: missing Q-values", ErrBadInput)
	}
	qr, actions := in.OnlineQ.Dims()
	tr, tc := in.TargetQ.Dims()
	switch {
	case qr != rows || tr != rows || tc != actions:
		return LossResult{}, fmt.Errorf("%w: Q-values are %dx%d and %dx%d, want %d rows", ErrBadInput, qr, actions, tr, tc, rows)
	case len(in.Actions) != rows || len(in.Rewards) != rows || len(in.Dones) != rows:
		return LossResult{}, fmt.Errorf("%w: per-step fields must have %d rows", ErrBadInput, rows)
	case len(in.Valid) != in.Batch:
		return LossResult{}, fmt.Errorf("%w: need %d valid lengths, got %d", ErrBadInput, in.Batch, len(in.Valid))
	}

	dQ := mat.NewDense(rows, actions, nil)
	priorities := make([]float64, in.Batch)
	errs := make([]float64, 0, in.Steps)
	var loss float64

	for b := 0; b < in.Batch; b++ {
		errs = errs[:0]
		for k := 0; k+1 < in.Steps; k++ {
			if in.Offset+k+1 >= in.Valid[b] {
				break
			}
			row := b*in.Steps + k
			next := row + 1

			a := int(in.Actions[row])
			if a < 0 || a >= actions {
				return LossResult{}, fmt.Errorf("%w: action %d out of range", ErrBadInput, a)
			}

			target := float64(in.Rewards[next])
			if !in.Dones[next] {
				target += l.Gamma * floats.Max(in.TargetQ.RawRowView(next))
			}
			td := in.OnlineQ.At(row, a) - target

			errs = append(errs, math.Abs(td))
			loss += 0.5 * td * td
			dQ.Set(row, a, td/float64(in.Batch))
		}
		if len(errs) > 0 {
			priorities[b] = l.Eta*floats.Max(errs) + (1-l.Eta)*floats.Sum(errs)/float64(len(errs))
		}
	}

	return LossResult{
		Loss:       loss / float64(in.Batch),
		Priorities: priorities,
		DQ:         dQ,
	}, nil
}
