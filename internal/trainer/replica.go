// Package trainer runs the data-parallel training replicas.
//
// Every replica samples its own batch, computes gradients on its own copy of
// the online network and meets the others at a gradient barrier. All
// replicas apply the same summed gradient, so their parameters stay
// identical as long as they start identical. Replica 0 additionally
// publishes parameters for actor sessions, reports progress and saves
// checkpoints.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/cartridge/learner/internal/checkpoint"
	"github.com/cartridge/learner/internal/events"
	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/internal/model"
	"github.com/cartridge/learner/internal/pipeline"
	"github.com/cartridge/learner/internal/types"
)

const (
	DefaultBatchSize            = 32
	DefaultLearningRate         = 1e-3
	DefaultTargetUpdateInterval = 1000
	DefaultLossWindow           = 100
	DefaultProgressInterval     = 100
)

// Sampler hands out training batches and takes back their new priorities.
type Sampler interface {
	Sample(ctx context.Context, batchSize int) (*pipeline.SampleBatch, error)
	UpdatePriorities(ctx context.Context, labels []pipeline.Label, indices []int, priorities []float64) error
}

// Aggregator sums one gradient set per replica.
type Aggregator interface {
	Aggregate(replica int, grads types.GradientSet) (types.GradientSet, error)
}

// Options configures a Replica.
type Options struct {
	BatchSize            int
	LearningRate         float64
	TargetUpdateInterval int
	// CheckpointInterval is the number of steps between checkpoints; zero
	// disables them.
	CheckpointInterval int
	ProgressInterval   int
	LossWindow         int

	Params    *ParameterServer
	Ledger    checkpoint.Ledger
	Backend   string
	Publisher events.Publisher
	Metrics   *metrics.Collector
	Logger    zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.LearningRate <= 0 {
		o.LearningRate = DefaultLearningRate
	}
	if o.TargetUpdateInterval <= 0 {
		o.TargetUpdateInterval = DefaultTargetUpdateInterval
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.LossWindow <= 0 {
		o.LossWindow = DefaultLossWindow
	}
	if o.Params == nil {
		o.Params = NewParameterServer()
	}
	if o.Publisher == nil {
		o.Publisher = events.NoopPublisher{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewCollector(o.Logger)
	}
}

// Stats summarizes a replica's progress.
type Stats struct {
	Replica        int     `json:"replica"`
	Steps          int64   `json:"steps"`
	LastLoss       float64 `json:"last_loss"`
	MeanLoss       float64 `json:"mean_loss"`
	BarrierWaitSec float64 `json:"barrier_wait_sec"`
	Checkpoints    int     `json:"checkpoints"`
}

// Replica is one training worker. Step and Run must not be called
// concurrently on the same replica.
type Replica struct {
	id      int
	online  model.Trainable
	target  model.Model
	loss    model.LossFunction
	sampler Sampler
	barrier Aggregator
	opts    Options
	logger  zerolog.Logger

	mu          sync.RWMutex
	steps       int64
	losses      []float64
	lastLoss    float64
	barrierWait time.Duration
	checkpoints int

	progressAt    time.Time
	progressSteps int64
}

// NewReplica creates replica id around online. The target network starts as
// a copy of online.
func NewReplica(id int, online model.Trainable, loss model.LossFunction, sampler Sampler, barrier Aggregator, opts Options) *Replica {
	opts.setDefaults()
	return &Replica{
		id:         id,
		online:     online,
		target:     online.Clone(),
		loss:       loss,
		sampler:    sampler,
		barrier:    barrier,
		opts:       opts,
		logger:     opts.Logger.With().Str("component", "trainer").Int("replica", id).Logger(),
		losses:     make([]float64, 0, opts.LossWindow),
		progressAt: time.Now(),
	}
}

// ID returns the replica index.
func (r *Replica) ID() int { return r.id }

// Online returns the replica's online network.
func (r *Replica) Online() model.Trainable { return r.online }

// Target returns the replica's target network.
func (r *Replica) Target() model.Model { return r.target }

// Run calls Step until ctx is cancelled or a step fails.
func (r *Replica) Run(ctx context.Context) error {
	r.logger.Info().
		Int("batch_size", r.opts.BatchSize).
		Float64("learning_rate", r.opts.LearningRate).
		Int("target_update_interval", r.opts.TargetUpdateInterval).
		Msg("Starting training replica")

	for {
		if ctx.Err() != nil {
			r.logger.Info().Int64("steps", r.Steps()).Msg("Training replica stopped")
			return nil
		}
		if err := r.Step(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				r.logger.Info().Int64("steps", r.Steps()).Msg("Training replica stopped")
				return nil
			}
			r.logger.Error().Err(err).Msg("Training step failed")
			return err
		}
	}
}

// Step performs one synchronized optimizer step.
func (r *Replica) Step(ctx context.Context) error {
	sample, err := r.sampler.Sample(ctx, r.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("sample batch: %w", err)
	}
	seg := sample.Batch.Segment()

	onlineStates, targetStates := seg.States, seg.States
	if seg.Shape.BurnIn > 0 {
		from, to := seg.BurnInRange()
		in := seg.Input(from, to, seg.States)
		out, err := r.online.Forward(in, model.ModeInference)
		if err != nil {
			return fmt.Errorf("online burn-in: %w", err)
		}
		onlineStates = out.States
		tout, err := r.target.Forward(in, model.ModeInference)
		if err != nil {
			return fmt.Errorf("target burn-in: %w", err)
		}
		targetStates = tout.States
	}

	from, to := seg.ScoredRange()
	onlineIn := seg.Input(from, to, onlineStates)
	online, err := r.online.Forward(onlineIn, model.ModeTraining)
	if err != nil {
		return fmt.Errorf("online forward: %w", err)
	}
	target, err := r.target.Forward(seg.Input(from, to, targetStates), model.ModeInference)
	if err != nil {
		return fmt.Errorf("target forward: %w", err)
	}

	res, err := r.loss.Compute(seg.LossInput(online.Q, target.Q))
	if err != nil {
		return fmt.Errorf("compute loss: %w", err)
	}
	grads, err := r.online.Backward(onlineIn, res.DQ)
	if err != nil {
		return fmt.Errorf("backward: %w", err)
	}

	waitStart := time.Now()
	summed, err := r.barrier.Aggregate(r.id, grads)
	if err != nil {
		return fmt.Errorf("aggregate gradients: %w", err)
	}
	wait := time.Since(waitStart)
	r.opts.Metrics.BarrierWait(r.id, wait)

	if err := r.online.Apply(summed, r.opts.LearningRate); err != nil {
		return fmt.Errorf("apply gradients: %w", err)
	}
	if err := r.sampler.UpdatePriorities(ctx, sample.Labels, sample.Indices, res.Priorities); err != nil {
		return fmt.Errorf("update priorities: %w", err)
	}

	steps := r.record(res.Loss, wait)
	r.opts.Metrics.TrainingStep(r.id, steps, res.Loss)

	if steps%int64(r.opts.TargetUpdateInterval) == 0 {
		if err := r.target.CopyParametersFrom(r.online); err != nil {
			return fmt.Errorf("update target network: %w", err)
		}
		r.logger.Debug().Int64("step", steps).Msg("Target network updated")
	}

	if r.id == 0 {
		r.lead(ctx, steps)
	}
	return nil
}

// record updates the step counter and the rolling loss.
func (r *Replica) record(loss float64, wait time.Duration) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps++
	r.lastLoss = loss
	r.barrierWait += wait
	if len(r.losses) < r.opts.LossWindow {
		r.losses = append(r.losses, loss)
	} else {
		r.losses[(r.steps-1)%int64(r.opts.LossWindow)] = loss
	}
	return r.steps
}

// lead runs the duties that only replica 0 performs.
func (r *Replica) lead(ctx context.Context, steps int64) {
	version := r.opts.Params.Publish(r.online, steps)

	if steps%int64(r.opts.ProgressInterval) == 0 {
		elapsed := time.Since(r.progressAt).Seconds()
		var rate float64
		if elapsed > 0 {
			rate = float64((steps-r.progressSteps)*int64(r.opts.BatchSize)) / elapsed
		}
		r.progressAt, r.progressSteps = time.Now(), steps

		mean := r.MeanLoss()
		r.opts.Metrics.TrainingProgress(steps, mean, rate)
		err := r.opts.Publisher.PublishTrainingProgress(ctx, events.TrainingProgressEvent{
			Step:               steps,
			Loss:               mean,
			SequencesPerSecond: rate,
			ParameterVersion:   version,
		})
		if err != nil {
			r.logger.Warn().Err(err).Msg("Failed to publish training progress")
		}
	}

	if r.opts.Ledger != nil && r.opts.CheckpointInterval > 0 && steps%int64(r.opts.CheckpointInterval) == 0 {
		r.checkpoint(ctx, version, steps)
	}
}

func (r *Replica) checkpoint(ctx context.Context, version uint64, steps int64) {
	mean := r.MeanLoss()
	rec := checkpoint.Record{
		Version:    version,
		Step:       steps,
		Loss:       mean,
		Parameters: r.online.Parameters(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.opts.Ledger.Save(ctx, rec); err != nil {
		r.logger.Error().Err(err).Uint64("version", version).Msg("Failed to save checkpoint")
		return
	}

	r.mu.Lock()
	r.checkpoints++
	r.mu.Unlock()

	r.logger.Info().Uint64("version", version).Int64("step", steps).Float64("loss", mean).Msg("Checkpoint saved")
	err := r.opts.Publisher.PublishCheckpointSaved(ctx, events.CheckpointEvent{
		Version: version,
		Step:    steps,
		Loss:    mean,
		Backend: r.opts.Backend,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to publish checkpoint event")
	}
}

// Steps returns the number of completed steps.
func (r *Replica) Steps() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.steps
}

// MeanLoss returns the mean of the most recent LossWindow losses.
func (r *Replica) MeanLoss() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.losses) == 0 {
		return 0
	}
	return stat.Mean(r.losses, nil)
}

// Stats returns a snapshot of the replica's counters.
func (r *Replica) Stats() Stats {
	mean := r.MeanLoss()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Replica:        r.id,
		Steps:          r.steps,
		LastLoss:       r.lastLoss,
		MeanLoss:       mean,
		BarrierWaitSec: r.barrierWait.Seconds(),
		Checkpoints:    r.checkpoints,
	}
}
