package types

import (
	"errors"
	"testing"
)

func testShape() Shape {
	return Shape{ObservationSize: 3, ActionSize: 2, HiddenSize: 4, BurnIn: 2, Trace: 3}
}

func TestShapeLength(t *testing.T) {
	if got := testShape().Length(); got != 6 {
		t.Fatalf("expected length 6, got %d", got)
	}
}

func TestShapeValidate(t *testing.T) {
	s := testShape()
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	s.Trace = 0
	if err := s.Validate(); err == nil {
		t.Fatalf("expected error for empty trace")
	}
}

func TestNewSequenceValidates(t *testing.T) {
	seq := NewSequence(testShape())
	if err := seq.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	seq.Actions = seq.Actions[:2]
	if err := seq.Validate(); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestTotalRewardIgnoresPadding(t *testing.T) {
	seq := NewSequence(testShape())
	seq.Valid = 2
	seq.Rewards[0] = 1
	seq.Rewards[1] = 2
	seq.Rewards[4] = 100
	if got := seq.TotalReward(); got != 3 {
		t.Fatalf("expected 3, got %v", got)
	}
}

func TestObservationSlice(t *testing.T) {
	seq := NewSequence(testShape())
	copy(seq.Observations[3:6], []byte{7, 8, 9})
	obs := seq.Observation(1)
	if obs[0] != 7 || obs[2] != 9 {
		t.Fatalf("unexpected observation %v", obs)
	}
}

func TestGradientSetConforms(t *testing.T) {
	a := GradientSet{"w": {1, 2}, "b": {3}}
	b := a.Clone()
	if !a.Conforms(b) {
		t.Fatalf("clone should conform")
	}
	b["w"][0] = 9
	if a["w"][0] != 1 {
		t.Fatalf("clone shares storage")
	}
	b["b"] = []float64{1, 2}
	if a.Conforms(b) {
		t.Fatalf("length change should not conform")
	}
}

func TestWindowToStored(t *testing.T) {
	w := NewWindow(testShape())
	if len(w.OnlineQ) != 12 {
		t.Fatalf("expected 12 q-values, got %d", len(w.OnlineQ))
	}
	w.Sequence.Valid = 6
	if w.ToStored().Valid != 6 {
		t.Fatalf("stored subset lost valid length")
	}
}
