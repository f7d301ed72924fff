package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cartridge/learner/internal/barrier"
	"github.com/cartridge/learner/internal/checkpoint"
	"github.com/cartridge/learner/internal/model"
)

// DefaultShutdownGrace bounds how long Run waits for replicas after ctx is
// cancelled. A replica parked in the barrier waiting for a peer that has
// already stopped never returns.
const DefaultShutdownGrace = 5 * time.Second

// Group owns n replicas that share one gradient barrier.
type Group struct {
	replicas []*Replica
	barrier  *barrier.GradientBarrier
	params   *ParameterServer
	grace    time.Duration
	logger   zerolog.Logger
}

// NewGroup creates n replicas whose online networks are clones of base, so
// every replica starts from identical parameters.
func NewGroup(n int, base model.Trainable, loss model.LossFunction, sampler Sampler, opts Options) (*Group, error) {
	if n <= 0 {
		return nil, fmt.Errorf("replica count must be positive, got %d", n)
	}
	opts.setDefaults()
	b := barrier.New(n)

	replicas := make([]*Replica, n)
	for i := range replicas {
		online, ok := base.Clone().(model.Trainable)
		if !ok {
			return nil, fmt.Errorf("model clone is not trainable")
		}
		replicas[i] = NewReplica(i, online, loss, sampler, b, opts)
	}

	return &Group{
		replicas: replicas,
		barrier:  b,
		params:   opts.Params,
		grace:    DefaultShutdownGrace,
		logger:   opts.Logger.With().Str("component", "trainer").Logger(),
	}, nil
}

// Replicas returns the replicas in id order.
func (g *Group) Replicas() []*Replica { return g.replicas }

// Barrier returns the shared gradient barrier.
func (g *Group) Barrier() *barrier.GradientBarrier { return g.barrier }

// Params returns the parameter server replica 0 publishes to.
func (g *Group) Params() *ParameterServer { return g.params }

// GroupStats summarizes the replicas, the barrier and the parameter server.
type GroupStats struct {
	ParameterVersion uint64  `json:"parameter_version"`
	BarrierRounds    uint64  `json:"barrier_rounds"`
	BarrierWaiting   int     `json:"barrier_waiting"`
	Replicas         []Stats `json:"replicas"`
}

// Stats returns a snapshot of group progress.
func (g *Group) Stats() GroupStats {
	out := GroupStats{
		ParameterVersion: g.params.Version(),
		BarrierRounds:    g.barrier.Rounds(),
		BarrierWaiting:   g.barrier.Waiting(),
		Replicas:         make([]Stats, len(g.replicas)),
	}
	for i, r := range g.replicas {
		out.Replicas[i] = r.Stats()
	}
	return out
}

// Restore loads the latest checkpoint from ledger into every replica and the
// parameter server. It reports false when the ledger is empty. Call it
// before Run.
func (g *Group) Restore(ctx context.Context, ledger checkpoint.Ledger) (bool, error) {
	rec, err := ledger.Latest(ctx)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load checkpoint: %w", err)
	}

	for _, r := range g.replicas {
		if err := r.online.SetParameters(rec.Parameters); err != nil {
			return false, fmt.Errorf("restore replica %d: %w", r.id, err)
		}
		if err := r.target.CopyParametersFrom(r.online); err != nil {
			return false, fmt.Errorf("restore replica %d target: %w", r.id, err)
		}
	}
	g.params.Restore(rec.Parameters, rec.Version, rec.Step)

	g.logger.Info().
		Uint64("version", rec.Version).
		Int64("step", rec.Step).
		Float64("loss", rec.Loss).
		Msg("Restored checkpoint")
	return true, nil
}

// Run runs every replica until ctx is cancelled or one of them fails. The
// first failure is returned without waiting for the others, which may be
// blocked in the barrier.
func (g *Group) Run(ctx context.Context) error {
	// Replica 0 publishes before the first step so sessions start in sync.
	g.params.Publish(g.replicas[0].online, 0)

	results := make(chan error, len(g.replicas))
	for _, r := range g.replicas {
		go func(r *Replica) { results <- r.Run(ctx) }(r)
	}

	remaining := len(g.replicas)
	for remaining > 0 {
		select {
		case err := <-results:
			remaining--
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return g.drain(results, remaining)
		}
	}
	return nil
}

func (g *Group) drain(results <-chan error, remaining int) error {
	timer := time.NewTimer(g.grace)
	defer timer.Stop()
	for remaining > 0 {
		select {
		case err := <-results:
			remaining--
			if err != nil {
				return err
			}
		case <-timer.C:
			g.logger.Warn().
				Int("blocked", remaining).
				Int("waiting_in_barrier", g.barrier.Waiting()).
				Msg("Abandoning replicas that did not stop")
			return nil
		}
	}
	return nil
}
