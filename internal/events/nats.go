package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subject suffixes appended to the configured base subject.
const (
	SubjectReplayWarm       = ".replay.warm"
	SubjectTrainingProgress = ".training.progress"
	SubjectCheckpointSaved  = ".checkpoint.saved"
	SubjectIngestDrops      = ".ingest.drops"
)

const flushTimeout = 2 * time.Second

// NATSPublisher implements Publisher using NATS
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSPublisher creates a new NATS-backed publisher
func NewNATSPublisher(natsURL, subject string, logger zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(natsURL, nats.Name("learner"))
	if err != nil {
		return nil, err
	}

	return &NATSPublisher{
		conn:    conn,
		subject: subject,
		logger:  logger.With().Str("component", "events").Logger(),
	}, nil
}

// Close closes the NATS connection
func (n *NATSPublisher) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

func (n *NATSPublisher) publish(suffix string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	subject := n.subject + suffix
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish event")
		return err
	}

	n.logger.Debug().Str("subject", subject).Int("bytes", len(data)).Msg("Published event")
	return nil
}

// PublishReplayWarm publishes the replay warm event to NATS
func (n *NATSPublisher) PublishReplayWarm(ctx context.Context, event ReplayWarmEvent) error {
	return n.publish(SubjectReplayWarm, event)
}

// PublishTrainingProgress publishes training progress to NATS
func (n *NATSPublisher) PublishTrainingProgress(ctx context.Context, event TrainingProgressEvent) error {
	return n.publish(SubjectTrainingProgress, event)
}

// PublishCheckpointSaved publishes checkpoint events to NATS. A checkpoint
// is also flushed so it is not lost if the process exits right after.
func (n *NATSPublisher) PublishCheckpointSaved(ctx context.Context, event CheckpointEvent) error {
	if err := n.publish(SubjectCheckpointSaved, event); err != nil {
		return err
	}
	return n.conn.FlushTimeout(flushTimeout)
}

// PublishIngestDrops publishes ingestion drop counts to NATS
func (n *NATSPublisher) PublishIngestDrops(ctx context.Context, event IngestDropEvent) error {
	return n.publish(SubjectIngestDrops, event)
}
