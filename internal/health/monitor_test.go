package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/learner/internal/codec"
	"github.com/cartridge/learner/internal/events"
	"github.com/cartridge/learner/internal/pipeline"
	"github.com/cartridge/learner/internal/storage"
	"github.com/cartridge/learner/internal/types"
)

var testShape = types.Shape{ObservationSize: 2, ActionSize: 2, HiddenSize: 1, BurnIn: 1, Trace: 2}

type fakeIngest struct {
	mu    sync.Mutex
	stats pipeline.IngestStats
}

func (f *fakeIngest) Stats() pipeline.IngestStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeIngest) setDropped(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Dropped = n
	f.stats.QueueCapacity = 4
}

type fakeServing struct {
	mu      sync.Mutex
	serving bool
}

func (f *fakeServing) SetServing(serving bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serving = serving
}

func (f *fakeServing) get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.serving
}

func newStore(t *testing.T) *storage.MemoryBackend {
	t.Helper()
	c, err := codec.New(codec.AlgorithmNone)
	require.NoError(t, err)
	store, err := storage.NewMemoryBackend(storage.Options{
		Capacity:        8,
		WarmupThreshold: 2,
		Codec:           c,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	return store
}

func fill(t *testing.T, store storage.Backend, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		w := types.NewWindow(testShape)
		w.Sequence.Valid = testShape.Length()
		_, err := store.Add(context.Background(), 1, w)
		require.NoError(t, err)
	}
}

func TestCheckAnnouncesWarmOnce(t *testing.T) {
	store := newStore(t)
	warm := pipeline.NewWarmSignal()
	serving := &fakeServing{}
	rec := &events.Recorder{}
	m := NewMonitor(store, nil, &fakeIngest{}, warm, serving, rec, nil, Config{}, zerolog.Nop())
	ctx := context.Background()

	m.Check(ctx)
	assert.False(t, serving.get())
	warmN, _, _, _ := rec.Counts()
	assert.Zero(t, warmN)

	fill(t, store, 2)
	warm.Fire()
	m.Check(ctx)
	m.Check(ctx)

	assert.True(t, serving.get())
	require.Len(t, rec.Warm, 1)
	assert.Equal(t, events.ReplayWarmEvent{Store: "main", Count: 2, Threshold: 2}, rec.Warm[0])
}

func TestCheckPublishesDropDeltas(t *testing.T) {
	ingest := &fakeIngest{}
	rec := &events.Recorder{}
	m := NewMonitor(newStore(t), newStore(t), ingest, pipeline.NewWarmSignal(), nil, rec, nil, Config{}, zerolog.Nop())
	ctx := context.Background()

	m.Check(ctx)
	ingest.setDropped(3)
	m.Check(ctx)
	m.Check(ctx)
	ingest.setDropped(5)
	m.Check(ctx)

	require.Len(t, rec.Drops, 2)
	assert.Equal(t, uint64(3), rec.Drops[0].Dropped)
	assert.Equal(t, uint64(2), rec.Drops[1].Dropped)
	assert.Equal(t, 4, rec.Drops[1].QueueCapacity)
}

func TestStartReactsToWarmSignal(t *testing.T) {
	store := newStore(t)
	fill(t, store, 2)
	warm := pipeline.NewWarmSignal()
	serving := &fakeServing{}
	rec := &events.Recorder{}
	m := NewMonitor(store, nil, &fakeIngest{}, warm, serving, rec, nil, Config{Interval: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	warm.Fire()
	require.Eventually(t, serving.get, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	warmN, _, _, _ := rec.Counts()
	assert.Equal(t, 1, warmN)
}
