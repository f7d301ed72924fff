// Package pipeline moves windows from actor sessions into replay and from
// replay into training batches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/internal/storage"
	"github.com/cartridge/learner/internal/types"
)

// DefaultQueueCapacity is the number of batches the ingestion queue holds.
const DefaultQueueCapacity = 128

// Batch is a group of windows with one priority each, as produced by a
// session after it accumulated its return size.
type Batch struct {
	Priorities []float64
	Windows    []*types.Window
}

// IngestStats counts ingestion activity.
type IngestStats struct {
	Enqueued        uint64  `json:"enqueued"`
	Dropped         uint64  `json:"dropped"`
	Windows         uint64  `json:"windows"`
	HighValueAdmits uint64  `json:"high_value_admits"`
	Rejected        uint64  `json:"rejected"`
	QueueLength     int     `json:"queue_length"`
	QueueCapacity   int     `json:"queue_capacity"`
	RewardMedian    float64 `json:"reward_median"`
}

// IngestOptions configures an Ingestor.
type IngestOptions struct {
	QueueCapacity int
	TrackerSize   int
	Metrics       *metrics.Collector
	Logger        zerolog.Logger
}

// Ingestor is a bounded, lossy queue drained by a single worker that writes
// into the main and high-value stores.
type Ingestor struct {
	queue   chan Batch
	main    storage.Backend
	high    storage.Backend
	tracker *RewardTracker
	warm    *WarmSignal
	metrics *metrics.Collector
	logger  zerolog.Logger

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	windows  atomic.Uint64
	admitted atomic.Uint64
	rejected atomic.Uint64
}

// NewIngestor creates an ingestor. high may be nil, in which case no
// high-value copies are made.
func NewIngestor(main, high storage.Backend, warm *WarmSignal, opts IngestOptions) *Ingestor {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector(opts.Logger)
	}
	return &Ingestor{
		queue:   make(chan Batch, opts.QueueCapacity),
		main:    main,
		high:    high,
		tracker: NewRewardTracker(opts.TrackerSize),
		warm:    warm,
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "ingest").Logger(),
	}
}

// Enqueue offers b to the queue without blocking. A full queue drops the
// batch and returns false.
func (i *Ingestor) Enqueue(b Batch) bool {
	select {
	case i.queue <- b:
		i.enqueued.Add(1)
		i.metrics.BatchEnqueued(true, len(i.queue))
		return true
	default:
		i.dropped.Add(1)
		i.metrics.BatchEnqueued(false, len(i.queue))
		return false
	}
}

// Run drains the queue until ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context) error {
	i.logger.Info().
		Int("queue_capacity", cap(i.queue)).
		Bool("high_value_store", i.high != nil).
		Msg("Starting ingestion worker")

	i.checkWarm()
	for {
		select {
		case <-ctx.Done():
			i.logger.Info().
				Uint64("windows", i.windows.Load()).
				Uint64("dropped", i.dropped.Load()).
				Msg("Ingestion worker stopped")
			return nil
		case b := <-i.queue:
			if err := i.ingest(ctx, b); err != nil {
				return err
			}
		}
	}
}

func (i *Ingestor) ingest(ctx context.Context, b Batch) error {
	if len(b.Priorities) != len(b.Windows) {
		i.rejected.Add(uint64(len(b.Windows)))
		i.logger.Warn().
			Int("priorities", len(b.Priorities)).
			Int("windows", len(b.Windows)).
			Msg("Skipping batch with mismatched lengths")
		return nil
	}

	for n, w := range b.Windows {
		priority := b.Priorities[n]
		if _, err := i.main.Add(ctx, priority, w); err != nil {
			if errors.Is(err, storage.ErrInvalidPriority) || errors.Is(err, types.ErrShapeMismatch) {
				i.rejected.Add(1)
				i.logger.Warn().Err(err).Msg("Skipping window")
				continue
			}
			return fmt.Errorf("add to main store: %w", err)
		}
		i.windows.Add(1)
		i.metrics.WindowInserted("main", i.main.Count())

		if i.high != nil {
			reward := w.Sequence.TotalReward()
			if i.tracker.Admit(reward) {
				if _, err := i.high.Add(ctx, priority, w); err != nil {
					return fmt.Errorf("add to high-value store: %w", err)
				}
				i.admitted.Add(1)
				i.metrics.WindowInserted("high", i.high.Count())
				i.metrics.HighValueAdmitted(reward, i.tracker.Median())
			}
		}

		i.checkWarm()
	}
	return nil
}

func (i *Ingestor) checkWarm() {
	if i.warm.Fired() || !i.main.IsWarm() {
		return
	}
	i.warm.Fire()
	i.metrics.ReplayWarm(i.main.Count())
}

// Tracker exposes the high-reward tracker.
func (i *Ingestor) Tracker() *RewardTracker { return i.tracker }

// Stats returns a snapshot of the counters.
func (i *Ingestor) Stats() IngestStats {
	return IngestStats{
		Enqueued:        i.enqueued.Load(),
		Dropped:         i.dropped.Load(),
		Windows:         i.windows.Load(),
		HighValueAdmits: i.admitted.Load(),
		Rejected:        i.rejected.Load(),
		QueueLength:     len(i.queue),
		QueueCapacity:   cap(i.queue),
		RewardMedian:    i.tracker.Median(),
	}
}
