// Package actor runs inference for connected environments and turns their
// step streams into prioritized replay windows.
package actor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/internal/model"
	"github.com/cartridge/learner/internal/pipeline"
	"github.com/cartridge/learner/internal/policy"
	"github.com/cartridge/learner/internal/protocol"
	"github.com/cartridge/learner/internal/sequence"
	"github.com/cartridge/learner/internal/types"
)

const (
	DefaultReturnSize   = 4
	DefaultSyncInterval = 100
)

// Sink accepts prioritized window batches without blocking.
type Sink interface {
	Enqueue(b pipeline.Batch) bool
}

// ParameterSource provides newer parameters for the inference model.
type ParameterSource interface {
	Sync(dst model.Model, have uint64) (uint64, error)
}

// Options configures the sessions a Factory opens.
type Options struct {
	Shape       types.Shape
	NumEnvs     int
	EpsilonBase float64
	// ReturnSize is the number of windows collected before a batch is
	// prioritized and enqueued.
	ReturnSize int
	// SyncInterval is the number of steps between parameter refreshes.
	SyncInterval int
	Metrics      *metrics.Collector
	Logger       zerolog.Logger
}

// Factory opens one Session per environment connection.
type Factory struct {
	base   model.Model
	loss   model.LossFunction
	params ParameterSource
	sink   Sink
	opts   Options
}

// NewFactory creates a session factory. Each session clones base for its
// own inference.
func NewFactory(base model.Model, loss model.LossFunction, params ParameterSource, sink Sink, opts Options) *Factory {
	if opts.NumEnvs <= 0 {
		opts.NumEnvs = 1
	}
	if opts.EpsilonBase <= 0 {
		opts.EpsilonBase = policy.DefaultEpsilonBase
	}
	if opts.ReturnSize <= 0 {
		opts.ReturnSize = DefaultReturnSize
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector(opts.Logger)
	}
	return &Factory{base: base, loss: loss, params: params, sink: sink, opts: opts}
}

// Open implements protocol.SessionFactory.
func (f *Factory) Open(ctx context.Context, id string, envID int32) (protocol.Session, error) {
	return f.NewSession(id, envID)
}

// NewSession creates a session for environment envID.
func (f *Factory) NewSession(id string, envID int32) (*Session, error) {
	eps := policy.EnvEpsilon(f.opts.EpsilonBase, int(envID), f.opts.NumEnvs)
	pol, err := policy.NewEpsilonGreedy(eps)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy: %w", err)
	}

	s := &Session{
		id:        id,
		envID:     envID,
		shape:     f.opts.Shape,
		model:     f.base.Clone(),
		loss:      f.loss,
		policy:    pol,
		assembler: sequence.New(f.opts.Shape),
		params:    f.params,
		sink:      f.sink,
		opts:      f.opts,
		pending:   make([]*types.Window, 0, f.opts.ReturnSize),
		obs:       make([]float64, f.opts.Shape.ObservationSize),
		logger: f.opts.Logger.With().
			Str("component", "session").
			Str("session_id", id).
			Int32("env_id", envID).
			Logger(),
	}
	if err := s.sync(); err != nil {
		return nil, err
	}

	f.opts.Metrics.SessionOpened(id, envID)
	s.logger.Info().Float64("epsilon", eps).Uint64("parameter_version", s.version).Msg("Session opened")
	return s, nil
}

// SessionStats counts a session's activity.
type SessionStats struct {
	Steps     uint64         `json:"steps"`
	Batches   uint64         `json:"batches"`
	Dropped   uint64         `json:"dropped"`
	Version   uint64         `json:"parameter_version"`
	Assembler sequence.Stats `json:"assembler"`
}

// Session serves one environment. It owns its assembler and inference model
// and is used by a single goroutine.
type Session struct {
	id        string
	envID     int32
	shape     types.Shape
	model     model.Model
	loss      model.LossFunction
	policy    policy.Policy
	assembler *sequence.Assembler
	params    ParameterSource
	sink      Sink
	opts      Options
	logger    zerolog.Logger

	pending []*types.Window
	obs     []float64
	version uint64
	steps   uint64
	batches uint64
	dropped uint64
}

// HandleStep implements protocol.Session.
func (s *Session) HandleStep(ctx context.Context, step protocol.Step) (int32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(step.Observation) != s.shape.ObservationSize {
		return 0, fmt.Errorf("%w: observation has %d bytes, want %d",
			types.ErrShapeMismatch, len(step.Observation), s.shape.ObservationSize)
	}

	carry := s.assembler.Carry()
	for i, b := range step.Observation {
		s.obs[i] = float64(b) / 255
	}
	out, err := s.model.Forward(model.Input{
		Batch:        1,
		Steps:        1,
		Observations: mat.NewDense(1, len(s.obs), s.obs),
		PrevActions:  []int32{carry.Action},
		PrevRewards:  []float32{carry.Reward},
		States:       []types.RecurrentState{carry.State},
	}, model.ModeInference)
	if err != nil {
		return 0, fmt.Errorf("inference: %w", err)
	}

	row := out.Q.RawRowView(0)
	q := make([]float32, len(row))
	for i, v := range row {
		q[i] = float32(v)
	}
	action, prob, err := s.policy.SelectAction(q)
	if err != nil {
		return 0, fmt.Errorf("select action: %w", err)
	}

	w, ok := s.assembler.Push(types.Transition{
		Observation: step.Observation,
		Action:      action,
		Reward:      step.Reward,
		Done:        step.Done,
		Policy:      prob,
		QValues:     q,
		State:       carry.State,
	}, out.States[0])
	if ok {
		s.pending = append(s.pending, w)
		if len(s.pending) >= s.opts.ReturnSize {
			if err := s.flush(); err != nil {
				return 0, err
			}
		}
	}

	s.steps++
	s.opts.Metrics.EnvStep()
	if s.steps%uint64(s.opts.SyncInterval) == 0 {
		if err := s.sync(); err != nil {
			return 0, err
		}
	}
	return action, nil
}

// flush prioritizes the pending windows and offers them to the sink.
func (s *Session) flush() error {
	if len(s.pending) == 0 {
		return nil
	}
	res, err := s.loss.Compute(model.WindowLossInput(s.shape, s.pending))
	if err != nil {
		return fmt.Errorf("compute priorities: %w", err)
	}

	if s.sink.Enqueue(pipeline.Batch{Priorities: res.Priorities, Windows: s.pending}) {
		s.batches++
	} else {
		s.dropped++
		s.logger.Debug().Int("windows", len(s.pending)).Msg("Ingestion queue full, batch dropped")
	}
	s.pending = make([]*types.Window, 0, s.opts.ReturnSize)
	return nil
}

func (s *Session) sync() error {
	if s.params == nil {
		return nil
	}
	version, err := s.params.Sync(s.model, s.version)
	if err != nil {
		return fmt.Errorf("sync parameters: %w", err)
	}
	if version != s.version {
		s.logger.Debug().Uint64("from", s.version).Uint64("to", version).Msg("Inference parameters refreshed")
		s.version = version
	}
	return nil
}

// Stats returns the session's counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		Steps:     s.steps,
		Batches:   s.batches,
		Dropped:   s.dropped,
		Version:   s.version,
		Assembler: s.assembler.Stats(),
	}
}

// Close flushes any windows still pending.
func (s *Session) Close() error {
	err := s.flush()
	s.opts.Metrics.SessionClosed(s.id, s.steps)
	s.logger.Info().
		Uint64("steps", s.steps).
		Uint64("batches", s.batches).
		Uint64("dropped", s.dropped).
		Msg("Session closed")
	return err
}
