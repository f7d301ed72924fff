package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cartridge/learner/internal/events"
	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/internal/pipeline"
	"github.com/cartridge/learner/internal/storage"
)

// DefaultInterval is the check interval used when Config leaves it unset.
const DefaultInterval = 10 * time.Second

// Serving is told when the learner becomes ready to train.
type Serving interface {
	SetServing(serving bool)
}

// IngestSource exposes pipeline counters.
type IngestSource interface {
	Stats() pipeline.IngestStats
}

// Config holds health monitoring configuration
type Config struct {
	Interval time.Duration
}

// Monitor periodically reports replay fill and ingestion counters, and
// announces the moment replay becomes warm.
type Monitor struct {
	main      storage.Backend
	high      storage.Backend
	ingest    IngestSource
	warm      *pipeline.WarmSignal
	serving   Serving
	publisher events.Publisher
	metrics   *metrics.Collector
	config    Config
	logger    zerolog.Logger

	lastDropped uint64
	announced   bool
}

// NewMonitor creates a new health monitor. high and serving may be nil.
func NewMonitor(main, high storage.Backend, ingest IngestSource, warm *pipeline.WarmSignal, serving Serving, publisher events.Publisher, collector *metrics.Collector, config Config, logger zerolog.Logger) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if collector == nil {
		collector = metrics.NewCollector(logger)
	}
	return &Monitor{
		main:      main,
		high:      high,
		ingest:    ingest,
		warm:      warm,
		serving:   serving,
		publisher: publisher,
		metrics:   collector,
		config:    config,
		logger:    logger.With().Str("component", "monitor").Logger(),
	}
}

// Start runs the monitoring loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("interval", m.config.Interval).
		Msg("Starting health monitor")

	warm := m.warm.Done()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Health monitor stopped")
			return
		case <-warm:
			m.announceWarm(ctx)
			warm = nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one round of reporting.
func (m *Monitor) Check(ctx context.Context) {
	m.reportStore(ctx, m.main)
	if m.high != nil {
		m.reportStore(ctx, m.high)
	}
	m.reportIngest(ctx)
	if m.warm.Fired() {
		m.announceWarm(ctx)
	}
}

func (m *Monitor) reportStore(ctx context.Context, store storage.Backend) {
	stats, err := store.GetStats(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to read replay stats")
		return
	}
	m.metrics.ReplayFill(stats.Name, stats.Count, stats.Capacity, stats.WarmupThreshold)
}

func (m *Monitor) reportIngest(ctx context.Context) {
	stats := m.ingest.Stats()
	m.logger.Debug().
		Uint64("enqueued", stats.Enqueued).
		Uint64("dropped", stats.Dropped).
		Uint64("windows", stats.Windows).
		Uint64("high_value_admits", stats.HighValueAdmits).
		Int("queue_length", stats.QueueLength).
		Msg("Ingestion counters")

	if stats.Dropped <= m.lastDropped {
		return
	}
	delta := stats.Dropped - m.lastDropped
	m.lastDropped = stats.Dropped
	m.logger.Warn().
		Uint64("dropped", delta).
		Int("queue_capacity", stats.QueueCapacity).
		Msg("Ingestion queue dropped batches")

	event := events.IngestDropEvent{
		Dropped:       delta,
		QueueLength:   stats.QueueLength,
		QueueCapacity: stats.QueueCapacity,
	}
	if err := m.publisher.PublishIngestDrops(ctx, event); err != nil {
		m.logger.Error().Err(err).Msg("Failed to publish drop event")
	}
}

func (m *Monitor) announceWarm(ctx context.Context) {
	if m.announced {
		return
	}
	m.announced = true
	if m.serving != nil {
		m.serving.SetServing(true)
	}

	stats, err := m.main.GetStats(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to read replay stats")
		return
	}
	m.logger.Info().
		Int("count", stats.Count).
		Int("threshold", stats.WarmupThreshold).
		Msg("Replay store warm, training released")

	event := events.ReplayWarmEvent{
		Store:     stats.Name,
		Count:     stats.Count,
		Threshold: stats.WarmupThreshold,
	}
	if err := m.publisher.PublishReplayWarm(ctx, event); err != nil {
		m.logger.Error().Err(err).Msg("Failed to publish warm event")
	}
}
