package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/cartridge/learner/internal/model"
	"github.com/cartridge/learner/internal/storage"
	"github.com/cartridge/learner/internal/types"
)

// Label names the store a sampled sequence came from.
type Label uint8

const (
	LabelMain Label = iota
	LabelHigh
)

func (l Label) String() string {
	switch l {
	case LabelMain:
		return "main"
	case LabelHigh:
		return "high"
	default:
		return fmt.Sprintf("label(%d)", uint8(l))
	}
}

var (
	// ErrLengthMismatch is returned when parallel slices differ in length.
	ErrLengthMismatch = errors.New("length mismatch")

	// ErrUnknownLabel is returned for a label with no backing store.
	ErrUnknownLabel = errors.New("unknown store label")
)

// TrainBatch stacks B sequences along the batch axis. Per-step fields are
// row-major by (sequence, position).
type TrainBatch struct {
	Shape types.Shape
	Size  int
	// Observations is (Size*Length) x ObservationSize, scaled to [0,1].
	Observations *mat.Dense
	Actions      []int32
	Rewards      []float32
	Dones        []bool
	Policies     []float32
	Valid        []int
	States       []types.RecurrentState
}

// Segment views the batch as whole windows for building model inputs.
func (b *TrainBatch) Segment() model.Segment {
	return model.Segment{
		Shape:        b.Shape,
		Batch:        b.Size,
		Observations: b.Observations,
		Actions:      b.Actions,
		Rewards:      b.Rewards,
		Dones:        b.Dones,
		Valid:        b.Valid,
		States:       b.States,
	}
}

// SampleBatch is a training batch plus the provenance needed to route
// priority updates back.
type SampleBatch struct {
	Labels     []Label
	Indices    []int
	Priorities []float64
	Sequences  []types.Sequence
	Batch      *TrainBatch
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	HighProbability float64
	Logger          zerolog.Logger
}

// Scheduler draws mixed batches from the main and high-value stores once
// replay is warm. It is safe for use by several training replicas.
type Scheduler struct {
	main   storage.Backend
	high   storage.Backend
	warm   *WarmSignal
	pHigh  float64
	mu     sync.Mutex
	rng    *rand.Rand
	logger zerolog.Logger
}

// NewScheduler creates a scheduler. high may be nil.
func NewScheduler(main, high storage.Backend, warm *WarmSignal, opts SchedulerOptions) *Scheduler {
	return &Scheduler{
		main:   main,
		high:   high,
		warm:   warm,
		pHigh:  opts.HighProbability,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: opts.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// Sample blocks until replay is warm, then draws batchSize sequences. Each
// slot comes from the high-value store with probability HighProbability.
func (s *Scheduler) Sample(ctx context.Context, batchSize int) (*SampleBatch, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	select {
	case <-s.warm.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	labels := s.drawLabels(batchSize)

	var mainN, highN int
	for _, l := range labels {
		if l == LabelHigh {
			highN++
		}
	}
	mainN = batchSize - highN

	var highRes *storage.SampleResult
	if highN > 0 {
		res, err := s.high.Sample(ctx, highN)
		switch {
		case err == nil:
			highRes = res
		case errors.Is(err, storage.ErrEmpty):
			for i := range labels {
				labels[i] = LabelMain
			}
			mainN, highN = batchSize, 0
		default:
			return nil, fmt.Errorf("sample high-value store: %w", err)
		}
	}

	var mainRes *storage.SampleResult
	if mainN > 0 {
		res, err := s.main.Sample(ctx, mainN)
		if err != nil {
			return nil, fmt.Errorf("sample main store: %w", err)
		}
		mainRes = res
	}

	out := &SampleBatch{
		Labels:     labels,
		Indices:    make([]int, batchSize),
		Priorities: make([]float64, batchSize),
		Sequences:  make([]types.Sequence, batchSize),
	}
	var mi, hi int
	for i, l := range labels {
		src, j := mainRes, mi
		if l == LabelHigh {
			src, j = highRes, hi
			hi++
		} else {
			mi++
		}
		out.Indices[i] = src.Indices[j]
		out.Priorities[i] = src.Priorities[j]
		out.Sequences[i] = src.Sequences[j]
	}

	batch, err := BuildBatch(out.Sequences)
	if err != nil {
		return nil, err
	}
	out.Batch = batch
	return out, nil
}

// drawLabels runs one Bernoulli trial per slot.
func (s *Scheduler) drawLabels(n int) []Label {
	labels := make([]Label, n)
	if s.high == nil || s.pHigh <= 0 || s.high.Count() == 0 {
		return labels
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range labels {
		if s.rng.Float64() < s.pHigh {
			labels[i] = LabelHigh
		}
	}
	return labels
}

// UpdatePriorities routes each (label, index, priority) triple to its store.
func (s *Scheduler) UpdatePriorities(ctx context.Context, labels []Label, indices []int, priorities []float64) error {
	if len(labels) != len(indices) || len(indices) != len(priorities) {
		return fmt.Errorf("%w: %d labels, %d indices, %d priorities",
			ErrLengthMismatch, len(labels), len(indices), len(priorities))
	}

	var mainIdx, highIdx []int
	var mainP, highP []float64
	for i, l := range labels {
		switch l {
		case LabelMain:
			mainIdx = append(mainIdx, indices[i])
			mainP = append(mainP, priorities[i])
		case LabelHigh:
			if s.high == nil {
				return fmt.Errorf("%w: %s", ErrUnknownLabel, l)
			}
			highIdx = append(highIdx, indices[i])
			highP = append(highP, priorities[i])
		default:
			return fmt.Errorf("%w: %s", ErrUnknownLabel, l)
		}
	}

	if len(mainIdx) > 0 {
		if err := s.main.UpdatePriorities(ctx, mainIdx, mainP); err != nil {
			return fmt.Errorf("update main priorities: %w", err)
		}
	}
	if len(highIdx) > 0 {
		if err := s.high.UpdatePriorities(ctx, highIdx, highP); err != nil {
			return fmt.Errorf("update high-value priorities: %w", err)
		}
	}
	return nil
}

// BuildBatch stacks sequences of one shape into a TrainBatch.
func BuildBatch(seqs []types.Sequence) (*TrainBatch, error) {
	if len(seqs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrLengthMismatch)
	}
	shape := seqs[0].Shape
	length := shape.Length()
	obsSize := shape.ObservationSize
	rows := len(seqs) * length

	b := &TrainBatch{
		Shape:    shape,
		Size:     len(seqs),
		Actions:  make([]int32, 0, rows),
		Rewards:  make([]float32, 0, rows),
		Dones:    make([]bool, 0, rows),
		Policies: make([]float32, 0, rows),
		Valid:    make([]int, len(seqs)),
		States:   make([]types.RecurrentState, len(seqs)),
	}
	obs := make([]float64, rows*obsSize)
	for i, seq := range seqs {
		if seq.Shape != shape {
			return nil, fmt.Errorf("%w: sequence %d has shape %+v, want %+v", types.ErrShapeMismatch, i, seq.Shape, shape)
		}
		base := i * length * obsSize
		for j, v := range seq.Observations {
			obs[base+j] = float64(v) / 255
		}
		b.Actions = append(b.Actions, seq.Actions...)
		b.Rewards = append(b.Rewards, seq.Rewards...)
		b.Dones = append(b.Dones, seq.Dones...)
		b.Policies = append(b.Policies, seq.Policies...)
		b.Valid[i] = seq.Valid
		b.States[i] = seq.State.Clone()
	}
	b.Observations = mat.NewDense(rows, obsSize, obs)
	return b, nil
}
