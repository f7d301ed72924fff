package model

import (
	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/learner/internal/types"
)

// Segment is a batch of whole windows laid out row-major by
// (sequence, position), from which forward inputs and loss inputs for
// position ranges are cut.
type Segment struct {
	Shape        types.Shape
	Batch        int
	Observations *mat.Dense // (Batch*Length) x ObservationSize
	Actions      []int32
	Rewards      []float32
	Dones        []bool
	Valid        []int
	States       []types.RecurrentState
}

// ScoredRange returns the window positions [from, to) the loss scores.
func (s Segment) ScoredRange() (int, int) {
	return s.Shape.BurnIn + 1, s.Shape.Length()
}

// BurnInRange returns the window positions [from, to) that only warm up the
// recurrent state.
func (s Segment) BurnInRange() (int, int) {
	return 1, s.Shape.BurnIn + 1
}

// Input builds a forward input over positions [from, to). The previous
// action and reward for position p come from position p-1.
func (s Segment) Input(from, to int, states []types.RecurrentState) Input {
	length := s.Shape.Length()
	steps := to - from
	rows := s.Batch * steps

	obs := mat.NewDense(rows, s.Shape.ObservationSize, nil)
	prevActions := make([]int32, rows)
	prevRewards := make([]float32, rows)
	for b := 0; b < s.Batch; b++ {
		for k := 0; k < steps; k++ {
			p := from + k
			dst := b*steps + k
			src := b*length + p
			copy(obs.RawRowView(dst), s.Observations.RawRowView(src))
			if p > 0 {
				prevActions[dst] = s.Actions[src-1]
				prevRewards[dst] = s.Rewards[src-1]
			}
		}
	}
	return Input{
		Batch:        s.Batch,
		Steps:        steps,
		Observations: obs,
		PrevActions:  prevActions,
		PrevRewards:  prevRewards,
		States:       states,
	}
}

// LossInput pairs Q-values over the scored range with the matching actions,
// rewards and done flags.
func (s Segment) LossInput(online, target *mat.Dense) LossInput {
	from, to := s.ScoredRange()
	length := s.Shape.Length()
	steps := to - from
	rows := s.Batch * steps

	in := LossInput{
		Batch:   s.Batch,
		Steps:   steps,
		Offset:  from,
		OnlineQ: online,
		TargetQ: target,
		Actions: make([]int32, 0, rows),
		Rewards: make([]float32, 0, rows),
		Dones:   make([]bool, 0, rows),
		Valid:   s.Valid,
	}
	for b := 0; b < s.Batch; b++ {
		lo, hi := b*length+from, b*length+to
		in.Actions = append(in.Actions, s.Actions[lo:hi]...)
		in.Rewards = append(in.Rewards, s.Rewards[lo:hi]...)
		in.Dones = append(in.Dones, s.Dones[lo:hi]...)
	}
	return in
}

// WindowLossInput builds a loss input from windows using their recorded
// online Q-values as both online and target estimates. Actor sessions use it
// to assign initial priorities.
func WindowLossInput(shape types.Shape, windows []*types.Window) LossInput {
	seg := Segment{
		Shape: shape,
		Batch: len(windows),
		Valid: make([]int, len(windows)),
	}
	from, to := seg.ScoredRange()
	steps := to - from
	q := mat.NewDense(len(windows)*steps, shape.ActionSize, nil)

	for b, w := range windows {
		seq := w.Sequence
		seg.Actions = append(seg.Actions, seq.Actions...)
		seg.Rewards = append(seg.Rewards, seq.Rewards...)
		seg.Dones = append(seg.Dones, seq.Dones...)
		seg.Valid[b] = seq.Valid
		for k := 0; k < steps; k++ {
			p := from + k
			row := q.RawRowView(b*steps + k)
			for a := range row {
				row[a] = float64(w.OnlineQ[p*shape.ActionSize+a])
			}
		}
	}
	return seg.LossInput(q, q)
}
