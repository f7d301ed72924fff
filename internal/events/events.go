package events

import (
	"context"
	"sync"
)

// Publisher is implemented by downstream fan-out mechanisms.
type Publisher interface {
	PublishReplayWarm(ctx context.Context, payload ReplayWarmEvent) error
	PublishTrainingProgress(ctx context.Context, payload TrainingProgressEvent) error
	PublishCheckpointSaved(ctx context.Context, payload CheckpointEvent) error
	PublishIngestDrops(ctx context.Context, payload IngestDropEvent) error
}

// ReplayWarmEvent is emitted once, when sampling is released.
type ReplayWarmEvent struct {
	Store     string `json:"store"`
	Count     int    `json:"count"`
	Threshold int    `json:"threshold"`
}

// TrainingProgressEvent summarizes recent optimizer steps.
type TrainingProgressEvent struct {
	Step               int64   `json:"step"`
	Loss               float64 `json:"loss"`
	SequencesPerSecond float64 `json:"sequences_per_sec"`
	ParameterVersion   uint64  `json:"parameter_version"`
}

// CheckpointEvent tracks saved checkpoints.
type CheckpointEvent struct {
	Version uint64  `json:"version"`
	Step    int64   `json:"step"`
	Loss    float64 `json:"loss"`
	Backend string  `json:"backend"`
}

// IngestDropEvent reports batches dropped by a full ingestion queue.
type IngestDropEvent struct {
	Dropped       uint64 `json:"dropped"`
	QueueLength   int    `json:"queue_length"`
	QueueCapacity int    `json:"queue_capacity"`
}

// NoopPublisher publishes nothing; useful for tests.
type NoopPublisher struct{}

func (NoopPublisher) PublishReplayWarm(context.Context, ReplayWarmEvent) error { return nil }

func (NoopPublisher) PublishTrainingProgress(context.Context, TrainingProgressEvent) error {
	return nil
}

func (NoopPublisher) PublishCheckpointSaved(context.Context, CheckpointEvent) error { return nil }

func (NoopPublisher) PublishIngestDrops(context.Context, IngestDropEvent) error { return nil }

// Recorder keeps every published event in memory.
type Recorder struct {
	mu          sync.Mutex
	Warm        []ReplayWarmEvent
	Progress    []TrainingProgressEvent
	Checkpoints []CheckpointEvent
	Drops       []IngestDropEvent
}

func (r *Recorder) PublishReplayWarm(_ context.Context, e ReplayWarmEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warm = append(r.Warm, e)
	return nil
}

func (r *Recorder) PublishTrainingProgress(_ context.Context, e TrainingProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Progress = append(r.Progress, e)
	return nil
}

func (r *Recorder) PublishCheckpointSaved(_ context.Context, e CheckpointEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Checkpoints = append(r.Checkpoints, e)
	return nil
}

func (r *Recorder) PublishIngestDrops(_ context.Context, e IngestDropEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Drops = append(r.Drops, e)
	return nil
}

// Counts returns the number of events of each kind: warm, progress,
// checkpoint and drop.
func (r *Recorder) Counts() (int, int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Warm), len(r.Progress), len(r.Checkpoints), len(r.Drops)
}
