package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/learner/internal/types"
)

// Linear is a stateless linear Q head over the observation, a one-hot of the
// previous action and the previous reward. It passes recurrent state through
// unchanged.
type Linear struct {
	shape    types.Shape
	features int
	weight   *mat.Dense // ActionSize x features
	bias     []float64
}

// NewLinear creates a linear model with small random weights.
func NewLinear(shape types.Shape, rng *rand.Rand) *Linear {
	features := shape.ObservationSize + shape.ActionSize + 1
	w := make([]float64, shape.ActionSize*features)
	for i := range w {
		w[i] = rng.NormFloat64() * 0.01
	}
	return &Linear{
		shape:    shape,
		features: features,
		weight:   mat.NewDense(shape.ActionSize, features, w),
		bias:     make([]float64, shape.ActionSize),
	}
}

// Forward implements Model.Forward
func (l *Linear) Forward(in Input, mode Mode) (Output, error) {
	x, err := l.featurize(in)
	if err != nil {
		return Output{}, err
	}

	var q mat.Dense
	q.Mul(x, l.weight.T())
	rows, _ := q.Dims()
	for r := 0; r < rows; r++ {
		row := q.RawRowView(r)
		for a := range row {
			row[a] += l.bias[a]
		}
	}

	states := make([]types.RecurrentState, in.Batch)
	for b := range states {
		if b < len(in.States) && len(in.States[b].Hidden) == l.shape.HiddenSize {
			states[b] = in.States[b].Clone()
		} else {
			states[b] = types.ZeroState(l.shape.HiddenSize)
		}
	}
	return Output{Q: &q, States: states}, nil
}

// Backward implements Trainable.Backward
func (l *Linear) Backward(in Input, dQ *mat.Dense) (types.GradientSet, error) {
	x, err := l.featurize(in)
	if err != nil {
		return nil, err
	}
	rows, cols := dQ.Dims()
	if xr, _ := x.Dims(); xr != rows || cols != l.shape.ActionSize {
		return nil, fmt.Errorf("%w: dQ is %dx%d, want %dx%d", ErrBadInput, rows, cols, xr, l.shape.ActionSize)
	}

	var dW mat.Dense
	dW.Mul(dQ.T(), x)

	db := make([]float64, l.shape.ActionSize)
	for r := 0; r < rows; r++ {
		for a, v := range dQ.RawRowView(r) {
			db[a] += v
		}
	}

	return types.GradientSet{
		"weight": flatten(&dW),
		"bias":   db,
	}, nil
}

// Apply implements Trainable.Apply
func (l *Linear) Apply(grads types.GradientSet, learningRate float64) error {
	if !l.Parameters().Conforms(grads) {
		return fmt.Errorf("%w: gradient names or sizes do not match parameters", types.ErrShapeMismatch)
	}
	raw := l.weight.RawMatrix().Data
	for i, g := range grads["weight"] {
		raw[i] -= learningRate * g
	}
	for i, g := range grads["bias"] {
		l.bias[i] -= learningRate * g
	}
	return nil
}

// Parameters implements Model.Parameters
func (l *Linear) Parameters() types.GradientSet {
	return types.GradientSet{
		"weight": flatten(l.weight),
		"bias":   append([]float64(nil), l.bias...),
	}
}

// SetParameters implements Model.SetParameters
func (l *Linear) SetParameters(params types.GradientSet) error {
	if !l.Parameters().Conforms(params) {
		return fmt.Errorf("%w: parameter names or sizes do not match", types.ErrShapeMismatch)
	}
	copy(l.weight.RawMatrix().Data, params["weight"])
	copy(l.bias, params["bias"])
	return nil
}

// CopyParametersFrom implements Model.CopyParametersFrom
func (l *Linear) CopyParametersFrom(src Model) error {
	return l.SetParameters(src.Parameters())
}

// Clone implements Model.Clone
func (l *Linear) Clone() Model {
	return &Linear{
		shape:    l.shape,
		features: l.features,
		weight:   mat.DenseCopyOf(l.weight),
		bias:     append([]float64(nil), l.bias...),
	}
}

// featurize builds the (Batch*Steps) x features design matrix.
func (l *Linear) featurize(in Input) (*mat.Dense, error) {
	rows := in.Batch * in.Steps
	if in.Observations == nil {
		return nil, fmt.Errorf("%w: missing observations", ErrBadInput)
	}
	if r, c := in.Observations.Dims(); r != rows || c != l.shape.ObservationSize {
		return nil, fmt.Errorf("%w: observations are %dx%d, want %dx%d", ErrBadInput, r, c, rows, l.shape.ObservationSize)
	}
	if len(in.PrevActions) != rows || len(in.PrevRewards) != rows {
		return nil, fmt.Errorf("%w: previous action/reward must have %d rows", ErrBadInput, rows)
	}

	obsSize := l.shape.ObservationSize
	x := mat.NewDense(rows, l.features, nil)
	for r := 0; r < rows; r++ {
		row := x.RawRowView(r)
		copy(row, in.Observations.RawRowView(r))
		a := int(in.PrevActions[r])
		if a >= 0 && a < l.shape.ActionSize {
			row[obsSize+a] = 1
		}
		row[l.features-1] = float64(in.PrevRewards[r])
	}
	return x, nil
}

func flatten(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		out = append(out, m.RawRowView(i)...)
	}
	return out
}
