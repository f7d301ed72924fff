package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "learner"
)

var (
	// ReplayCount tracks stored sequences per store
	ReplayCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "sequences",
			Help:      "Number of sequences held by the replay store",
		},
		[]string{"store"}, // main/high
	)

	// ReplayInserts counts windows written to each store
	ReplayInserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "inserts_total",
			Help:      "Total number of windows inserted into the replay store",
		},
		[]string{"store"},
	)

	// ReplayWarm is 1 once the main store reached its warm-up threshold
	ReplayWarm = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "warm",
			Help:      "Whether sampling has been released",
		},
	)

	// IngestBatches counts batches offered to the ingestion queue
	IngestBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "Total number of window batches offered to the ingestion queue",
		},
		[]string{"status"}, // accepted/dropped
	)

	// IngestQueueLength tracks the ingestion queue depth
	IngestQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "queue_length",
			Help:      "Number of batches waiting in the ingestion queue",
		},
	)

	// BarrierWait measures how long replicas block on gradient aggregation
	BarrierWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "barrier",
			Name:      "wait_seconds",
			Help:      "Time a replica spends waiting for the gradient barrier",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"replica"},
	)

	// TrainingSteps counts optimizer steps per replica
	TrainingSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "steps_total",
			Help:      "Total number of optimizer steps",
		},
		[]string{"replica"},
	)

	// TrainingLoss tracks the latest loss per replica
	TrainingLoss = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "loss",
			Help:      "Most recent training loss",
		},
		[]string{"replica"},
	)

	// SessionsActive tracks connected environments
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "sessions",
			Help:      "Number of connected environment sessions",
		},
	)

	// EnvSteps counts environment steps served
	EnvSteps = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actor",
			Name:      "steps_total",
			Help:      "Total number of environment steps answered with an action",
		},
	)

	// APIRequests counts admin API requests
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of admin API requests",
		},
		[]string{"method", "route", "code"},
	)
)
