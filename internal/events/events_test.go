package events

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCountsEvents(t *testing.T) {
	ctx := context.Background()
	r := &Recorder{}
	var p Publisher = r

	require.NoError(t, p.PublishReplayWarm(ctx, ReplayWarmEvent{Store: "main", Count: 10, Threshold: 10}))
	require.NoError(t, p.PublishTrainingProgress(ctx, TrainingProgressEvent{Step: 1}))
	require.NoError(t, p.PublishTrainingProgress(ctx, TrainingProgressEvent{Step: 2}))
	require.NoError(t, p.PublishIngestDrops(ctx, IngestDropEvent{Dropped: 3}))

	warm, progress, checkpoints, drops := r.Counts()
	assert.Equal(t, 1, warm)
	assert.Equal(t, 2, progress)
	assert.Equal(t, 0, checkpoints)
	assert.Equal(t, 1, drops)
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.PublishCheckpointSaved(context.Background(), CheckpointEvent{Version: 1}))
}

func TestEventJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(TrainingProgressEvent{Step: 5, Loss: 0.25, SequencesPerSecond: 12, ParameterVersion: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":5,"loss":0.25,"sequences_per_sec":12,"parameter_version":3}`, string(data))
}

func TestNATSPublisher(t *testing.T) {
	url := os.Getenv("LEARNER_TEST_NATS_URL")
	if url == "" {
		t.Skip("LEARNER_TEST_NATS_URL not set")
	}

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe("learner-test"+SubjectCheckpointSaved, msgs)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	pub, err := NewNATSPublisher(url, "learner-test", zerolog.Nop())
	require.NoError(t, err)
	defer pub.Close()

	require.NoError(t, pub.PublishCheckpointSaved(context.Background(), CheckpointEvent{Version: 4, Backend: "memory"}))

	select {
	case msg := <-msgs:
		var got CheckpointEvent
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, uint64(4), got.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("checkpoint event not received")
	}
}
