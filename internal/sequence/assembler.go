// Package sequence cuts a per-environment step stream into fixed-length,
// overlapping training windows.
//
// A window holds 1+BurnIn+Trace positions. Position 0 only supplies the
// previous action and reward for position 1, positions 1..BurnIn warm up the
// recurrent state, and the remaining Trace positions are scored. After a full
// window is emitted, its last BurnIn+1 positions seed the next window so
// consecutive windows overlap.
package sequence

import (
	"github.com/cartridge/learner/internal/types"
)

// snapshotPosition is the position whose incoming recurrent state is stored
// with the window: the first step the recurrent unroll consumes.
const snapshotPosition = 1

// Carry is what the next inference call needs from the previous step.
type Carry struct {
	Action int32
	Reward float32
	State  types.RecurrentState
}

// Stats counts assembler activity.
type Stats struct {
	Steps     uint64 `json:"steps"`
	Emitted   uint64 `json:"emitted"`
	Discarded uint64 `json:"discarded"`
	Episodes  uint64 `json:"episodes"`
}

// Assembler is owned by exactly one environment session and is not safe for
// concurrent use.
type Assembler struct {
	shape    types.Shape
	length   int
	position int
	buf      *types.Window
	states   []types.RecurrentState
	carry    Carry
	stats    Stats
}

// New creates an assembler for the shape.
func New(shape types.Shape) *Assembler {
	a := &Assembler{
		shape:  shape,
		length: shape.Length(),
		buf:    types.NewWindow(shape),
		states: make([]types.RecurrentState, shape.Length()),
	}
	a.resetCarry()
	return a
}

// Shape returns the window shape.
func (a *Assembler) Shape() types.Shape { return a.shape }

// Position is the next write position in the current window.
func (a *Assembler) Position() int { return a.position }

// Carry returns the previous action, previous reward and recurrent state to
// feed into the next inference call.
func (a *Assembler) Carry() Carry { return a.carry }

// Stats returns a copy of the counters.
func (a *Assembler) Stats() Stats { return a.stats }

// Push records t at the current position. next is the recurrent state the
// model produced for t and becomes the carried state. When a window is
// complete, Push returns it and true.
func (a *Assembler) Push(t types.Transition, next types.RecurrentState) (*types.Window, bool) {
	a.record(t)
	a.position++
	a.stats.Steps++

	if t.Done {
		a.stats.Episodes++
		var out *types.Window
		if a.position > a.shape.BurnIn+1 {
			out = a.emit(a.position)
			a.stats.Emitted++
		} else {
			a.stats.Discarded++
		}
		a.position = 0
		a.resetCarry()
		return out, out != nil
	}

	a.carry = Carry{Action: t.Action, Reward: t.Reward, State: next.Clone()}

	if a.position == a.length {
		out := a.emit(a.length)
		a.stats.Emitted++
		a.reseed()
		return out, true
	}
	return nil, false
}

func (a *Assembler) record(t types.Transition) {
	seq := &a.buf.Sequence
	pos := a.position
	obsSize := a.shape.ObservationSize

	copy(seq.Observations[pos*obsSize:(pos+1)*obsSize], t.Observation)
	seq.Actions[pos] = t.Action
	seq.Rewards[pos] = t.Reward
	seq.Dones[pos] = t.Done
	seq.Policies[pos] = t.Policy
	copy(a.buf.OnlineQ[pos*a.shape.ActionSize:(pos+1)*a.shape.ActionSize], t.QValues)
	a.states[pos] = t.State.Clone()
}

// emit copies the buffer into a fresh window with positions >= valid zeroed.
func (a *Assembler) emit(valid int) *types.Window {
	out := types.NewWindow(a.shape)
	src := a.buf.Sequence
	dst := &out.Sequence
	obsSize := a.shape.ObservationSize
	actSize := a.shape.ActionSize

	dst.Valid = valid
	copy(dst.Observations, src.Observations[:valid*obsSize])
	copy(dst.Actions, src.Actions[:valid])
	copy(dst.Rewards, src.Rewards[:valid])
	copy(dst.Dones, src.Dones[:valid])
	copy(dst.Policies, src.Policies[:valid])
	copy(out.OnlineQ, a.buf.OnlineQ[:valid*actSize])

	if valid > snapshotPosition {
		snap := a.states[snapshotPosition]
		copy(dst.State.Hidden, snap.Hidden)
		copy(dst.State.Cell, snap.Cell)
	}
	return out
}

// reseed moves the last BurnIn+1 positions to the front of the buffer.
func (a *Assembler) reseed() {
	keep := a.shape.BurnIn + 1
	from := a.length - keep
	seq := &a.buf.Sequence
	obsSize := a.shape.ObservationSize
	actSize := a.shape.ActionSize

	copy(seq.Observations, seq.Observations[from*obsSize:])
	copy(seq.Actions, seq.Actions[from:])
	copy(seq.Rewards, seq.Rewards[from:])
	copy(seq.Dones, seq.Dones[from:])
	copy(seq.Policies, seq.Policies[from:])
	copy(a.buf.OnlineQ, a.buf.OnlineQ[from*actSize:])
	copy(a.states, a.states[from:])

	a.position = keep
}

func (a *Assembler) resetCarry() {
	a.carry = Carry{State: types.ZeroState(a.shape.HiddenSize)}
}
