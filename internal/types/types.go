package types

import (
	"errors"
	"fmt"
)

// Shape fixes the dimensions shared by every window the learner handles.
type Shape struct {
	ObservationSize int `json:"observation_size" mapstructure:"observation_size"`
	ActionSize      int `json:"action_size" mapstructure:"action_size"`
	HiddenSize      int `json:"hidden_size" mapstructure:"hidden_size"`
	BurnIn          int `json:"burn_in" mapstructure:"burn_in"`
	Trace           int `json:"trace" mapstructure:"trace"`
}

// Length is the number of positions in a window: one leading step that only
// supplies the previous action and reward, the burn-in prefix and the trace.
func (s Shape) Length() int {
	return 1 + s.BurnIn + s.Trace
}

// Validate ensures the shape can hold at least one scored step.
func (s Shape) Validate() error {
	if s.ObservationSize <= 0 {
		return errors.New("observation_size must be positive")
	}
	if s.ActionSize <= 0 {
		return errors.New("action_size must be positive")
	}
	if s.HiddenSize < 0 {
		return errors.New("hidden_size must not be negative")
	}
	if s.BurnIn < 0 {
		return errors.New("burn_in must not be negative")
	}
	if s.Trace <= 0 {
		return errors.New("trace must be positive")
	}
	return nil
}

// RecurrentState is the hidden/cell pair carried between model invocations.
type RecurrentState struct {
	Hidden []float32 `json:"hidden"`
	Cell   []float32 `json:"cell"`
}

// ZeroState returns an all-zero state of the given width.
func ZeroState(size int) RecurrentState {
	return RecurrentState{
		Hidden: make([]float32, size),
		Cell:   make([]float32, size),
	}
}

// Clone deep-copies the state.
func (r RecurrentState) Clone() RecurrentState {
	return RecurrentState{
		Hidden: append([]float32(nil), r.Hidden...),
		Cell:   append([]float32(nil), r.Cell...),
	}
}

// Transition is one environment step as seen by the learner after inference.
type Transition struct {
	Observation []byte
	Action      int32
	Reward      float32
	Done        bool
	// Policy is the behaviour probability of Action.
	Policy  float32
	QValues []float32
	// State is the recurrent state the model consumed for this step.
	State RecurrentState
}

// Sequence is the subset of a window that is persisted in replay.
// Every slice holds exactly Shape.Length() positions; positions at or beyond
// Valid are zero.
type Sequence struct {
	Shape        Shape
	Valid        int
	Observations []byte
	Actions      []int32
	Rewards      []float32
	Dones        []bool
	Policies     []float32
	State        RecurrentState
}

// NewSequence allocates a zeroed sequence for the shape.
func NewSequence(shape Shape) Sequence {
	length := shape.Length()
	return Sequence{
		Shape:        shape,
		Observations: make([]byte, length*shape.ObservationSize),
		Actions:      make([]int32, length),
		Rewards:      make([]float32, length),
		Dones:        make([]bool, length),
		Policies:     make([]float32, length),
		State:        ZeroState(shape.HiddenSize),
	}
}

// Observation returns the observation bytes at position i.
func (s Sequence) Observation(i int) []byte {
	size := s.Shape.ObservationSize
	return s.Observations[i*size : (i+1)*size]
}

// TotalReward sums the rewards over the valid positions.
func (s Sequence) TotalReward() float64 {
	var total float64
	for i := 0; i < s.Valid && i < len(s.Rewards); i++ {
		total += float64(s.Rewards[i])
	}
	return total
}

// Validate checks that every field matches the declared shape.
func (s Sequence) Validate() error {
	if err := s.Shape.Validate(); err != nil {
		return err
	}
	length := s.Shape.Length()
	switch {
	case len(s.Observations) != length*s.Shape.ObservationSize:
		return fmt.Errorf("%w: observations %d, want %d", ErrShapeMismatch, len(s.Observations), length*s.Shape.ObservationSize)
	case len(s.Actions) != length, len(s.Rewards) != length, len(s.Dones) != length, len(s.Policies) != length:
		return fmt.Errorf("%w: per-step fields must hold %d positions", ErrShapeMismatch, length)
	case len(s.State.Hidden) != s.Shape.HiddenSize || len(s.State.Cell) != s.Shape.HiddenSize:
		return fmt.Errorf("%w: recurrent state must hold %d units", ErrShapeMismatch, s.Shape.HiddenSize)
	case s.Valid < 0 || s.Valid > length:
		return fmt.Errorf("%w: valid length %d outside [0,%d]", ErrShapeMismatch, s.Valid, length)
	}
	return nil
}

// Window is a sequence as produced by an actor session, with the online
// Q-values the session observed. Only the Sequence part is stored.
type Window struct {
	Sequence Sequence
	// OnlineQ is Length*ActionSize, row-major by position.
	OnlineQ []float32
}

// NewWindow allocates a zeroed window for the shape.
func NewWindow(shape Shape) *Window {
	return &Window{
		Sequence: NewSequence(shape),
		OnlineQ:  make([]float32, shape.Length()*shape.ActionSize),
	}
}

// ToStored returns the subset that replay persists.
func (w *Window) ToStored() Sequence {
	return w.Sequence
}

// ErrShapeMismatch indicates a record whose dimensions disagree with its shape.
var ErrShapeMismatch = errors.New("shape mismatch")

// GradientSet maps parameter names to flattened gradient tensors.
type GradientSet map[string][]float64

// Clone deep-copies the set.
func (g GradientSet) Clone() GradientSet {
	out := make(GradientSet, len(g))
	for name, values := range g {
		out[name] = append([]float64(nil), values...)
	}
	return out
}

// Conforms reports whether other has the same names and tensor lengths.
func (g GradientSet) Conforms(other GradientSet) bool {
	if len(g) != len(other) {
		return false
	}
	for name, values := range g {
		o, ok := other[name]
		if !ok || len(o) != len(values) {
			return false
		}
	}
	return true
}
