package metrics

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Collector records learner metrics to Prometheus and the structured log.
type Collector struct {
	logger zerolog.Logger
}

func NewCollector(logger zerolog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// Track windows written to a replay store
func (c *Collector) WindowInserted(store string, count int) {
	ReplayInserts.WithLabelValues(store).Inc()
	ReplayCount.WithLabelValues(store).Set(float64(count))
}

// Track replay fill progress
func (c *Collector) ReplayFill(store string, count, capacity, threshold int) {
	ReplayCount.WithLabelValues(store).Set(float64(count))
	c.logger.Info().
		Str("metric", "replay_fill").
		Str("store", store).
		Int("count", count).
		Int("capacity", capacity).
		Int("threshold", threshold).
		Msg("Replay fill metric")
}

// Track the one-time release of sampling
func (c *Collector) ReplayWarm(count int) {
	ReplayWarm.Set(1)
	c.logger.Info().
		Str("metric", "replay_warm").
		Int("count", count).
		Msg("Replay store warm")
}

// Track batches offered to the ingestion queue
func (c *Collector) BatchEnqueued(accepted bool, queueLength int) {
	status := "accepted"
	if !accepted {
		status = "dropped"
	}
	IngestBatches.WithLabelValues(status).Inc()
	IngestQueueLength.Set(float64(queueLength))
	if !accepted {
		c.logger.Debug().
			Str("metric", "batch_dropped").
			Int("queue_length", queueLength).
			Msg("Ingestion queue full")
	}
}

// Track a window admitted to the high-value store
func (c *Collector) HighValueAdmitted(reward, median float64) {
	c.logger.Debug().
		Str("metric", "high_value_admitted").
		Float64("reward", reward).
		Float64("median", median).
		Msg("High-value window metric")
}

// Track time spent in the gradient barrier
func (c *Collector) BarrierWait(replica int, wait time.Duration) {
	BarrierWait.WithLabelValues(strconv.Itoa(replica)).Observe(wait.Seconds())
}

// Track optimizer steps
func (c *Collector) TrainingStep(replica int, step int64, loss float64) {
	label := strconv.Itoa(replica)
	TrainingSteps.WithLabelValues(label).Inc()
	TrainingLoss.WithLabelValues(label).Set(loss)
}

// Track periodic training progress
func (c *Collector) TrainingProgress(step int64, meanLoss float64, sequencesPerSecond float64) {
	c.logger.Info().
		Str("metric", "training_progress").
		Int64("step", step).
		Float64("mean_loss", meanLoss).
		Float64("sequences_per_sec", sequencesPerSecond).
		Msg("Training progress metric")
}

// Track environment session lifecycle
func (c *Collector) SessionOpened(sessionID string, envID int32) {
	SessionsActive.Inc()
	c.logger.Info().
		Str("metric", "session_opened").
		Str("session_id", sessionID).
		Int32("env_id", envID).
		Msg("Session metric")
}

func (c *Collector) SessionClosed(sessionID string, steps uint64) {
	SessionsActive.Dec()
	c.logger.Info().
		Str("metric", "session_closed").
		Str("session_id", sessionID).
		Uint64("steps", steps).
		Msg("Session metric")
}

// Track environment steps answered
func (c *Collector) EnvStep() {
	EnvSteps.Inc()
}

// Track API request metrics
func (c *Collector) APIRequest(method, route string, statusCode int, duration time.Duration) {
	APIRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	c.logger.Debug().
		Str("metric", "api_request").
		Str("method", method).
		Str("route", route).
		Int("status_code", statusCode).
		Dur("duration", duration).
		Msg("API request metric")
}
