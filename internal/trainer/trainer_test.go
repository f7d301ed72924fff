package trainer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/learner/internal/barrier"
	"github.com/cartridge/learner/internal/checkpoint"
	"github.com/cartridge/learner/internal/codec"
	"github.com/cartridge/learner/internal/events"
	"github.com/cartridge/learner/internal/model"
	"github.com/cartridge/learner/internal/pipeline"
	"github.com/cartridge/learner/internal/storage"
	"github.com/cartridge/learner/internal/types"
)

var testShape = types.Shape{ObservationSize: 4, ActionSize: 2, HiddenSize: 2, BurnIn: 1, Trace: 3}

func randomWindow(shape types.Shape, rng *rand.Rand) *types.Window {
	w := types.NewWindow(shape)
	seq := &w.Sequence
	seq.Valid = shape.Length()
	rng.Read(seq.Observations)
	for i := range seq.Actions {
		seq.Actions[i] = int32(rng.Intn(shape.ActionSize))
		seq.Rewards[i] = float32(rng.Intn(3))
		seq.Policies[i] = 0.5
	}
	return w
}

// newScheduler returns a warm scheduler over a store filled with random
// windows.
func newScheduler(t *testing.T, shape types.Shape) *pipeline.Scheduler {
	t.Helper()
	c, err := codec.New(codec.AlgorithmNone)
	require.NoError(t, err)
	store, err := storage.NewMemoryBackend(storage.Options{
		Capacity:        64,
		WarmupThreshold: 16,
		Codec:           c,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 32; i++ {
		_, err := store.Add(context.Background(), 1, randomWindow(shape, rng))
		require.NoError(t, err)
	}
	warm := pipeline.NewWarmSignal()
	warm.Fire()
	return pipeline.NewScheduler(store, nil, warm, pipeline.SchedulerOptions{Logger: zerolog.Nop()})
}

// recordingSampler remembers every priority update it forwards.
type recordingSampler struct {
	*pipeline.Scheduler
	mu      sync.Mutex
	updates [][]float64
}

func (r *recordingSampler) UpdatePriorities(ctx context.Context, labels []pipeline.Label, indices []int, priorities []float64) error {
	r.mu.Lock()
	r.updates = append(r.updates, append([]float64(nil), priorities...))
	r.mu.Unlock()
	return r.Scheduler.UpdatePriorities(ctx, labels, indices, priorities)
}

// failingSampler always fails with err.
type failingSampler struct{ err error }

func (f failingSampler) Sample(context.Context, int) (*pipeline.SampleBatch, error) {
	return nil, f.err
}

func (f failingSampler) UpdatePriorities(context.Context, []pipeline.Label, []int, []float64) error {
	return nil
}

func newModel(shape types.Shape) *model.Linear {
	return model.NewLinear(shape, rand.New(rand.NewSource(5)))
}

func TestParameterServerVersions(t *testing.T) {
	ps := NewParameterServer()
	src := newModel(testShape)
	dst := model.NewLinear(testShape, rand.New(rand.NewSource(6)))

	version, err := ps.Sync(dst, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), version)

	assert.Equal(t, uint64(1), ps.Publish(src, 10))
	version, err = ps.Sync(dst, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)
	assert.Equal(t, src.Parameters(), dst.Parameters())

	// Already current: nothing is copied.
	require.NoError(t, dst.SetParameters(newModel(testShape).Parameters()))
	version, err = ps.Sync(dst, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)

	ps.Restore(src.Parameters(), 0, 0)
	assert.Equal(t, uint64(1), ps.Version(), "older restore is ignored")
	ps.Restore(src.Parameters(), 9, 90)
	_, v, step := ps.Snapshot()
	assert.Equal(t, uint64(9), v)
	assert.Equal(t, int64(90), step)
}

func TestReplicaStep(t *testing.T) {
	sampler := &recordingSampler{Scheduler: newScheduler(t, testShape)}
	ledger := checkpoint.NewMemoryLedger()
	rec := &events.Recorder{}
	params := NewParameterServer()

	online := newModel(testShape)
	before := online.Parameters()
	r := NewReplica(0, online, model.NewTDLoss(), sampler, barrier.New(1), Options{
		BatchSize:          4,
		LearningRate:       0.1,
		CheckpointInterval: 1,
		ProgressInterval:   1,
		Params:             params,
		Ledger:             ledger,
		Backend:            "memory",
		Publisher:          rec,
		Logger:             zerolog.Nop(),
	})

	require.NoError(t, r.Step(context.Background()))

	assert.Equal(t, int64(1), r.Steps())
	assert.NotEqual(t, before, online.Parameters())
	require.Len(t, sampler.updates, 1)
	assert.Len(t, sampler.updates[0], 4)
	assert.Equal(t, uint64(1), params.Version())

	cp, err := ledger.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cp.Version)
	assert.Equal(t, online.Parameters(), cp.Parameters)

	_, progress, checkpoints, _ := rec.Counts()
	assert.Equal(t, 1, progress)
	assert.Equal(t, 1, checkpoints)
	assert.Equal(t, 1, r.Stats().Checkpoints)
}

func TestReplicaWithoutBurnIn(t *testing.T) {
	shape := testShape
	shape.BurnIn = 0
	r := NewReplica(0, newModel(shape), model.NewTDLoss(), newScheduler(t, shape), barrier.New(1), Options{
		BatchSize: 3,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, r.Step(context.Background()))
	assert.Equal(t, int64(1), r.Steps())
}

func TestTargetUpdateInterval(t *testing.T) {
	online := newModel(testShape)
	r := NewReplica(0, online, model.NewTDLoss(), newScheduler(t, testShape), barrier.New(1), Options{
		BatchSize:            4,
		LearningRate:         0.1,
		TargetUpdateInterval: 2,
		Logger:               zerolog.Nop(),
	})
	ctx := context.Background()

	require.NoError(t, r.Step(ctx))
	assert.NotEqual(t, online.Parameters(), r.Target().Parameters())

	require.NoError(t, r.Step(ctx))
	assert.Equal(t, online.Parameters(), r.Target().Parameters())
}

func TestGroupKeepsReplicasIdentical(t *testing.T) {
	const replicas, rounds = 3, 4
	g, err := NewGroup(replicas, newModel(testShape), model.NewTDLoss(), newScheduler(t, testShape), Options{
		BatchSize:    4,
		LearningRate: 0.05,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, replicas*rounds)
	for _, r := range g.Replicas() {
		wg.Add(1)
		go func(r *Replica) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				errs <- r.Step(context.Background())
			}
		}(r)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	want := g.Replicas()[0].Online().Parameters()
	for _, r := range g.Replicas()[1:] {
		assert.Equal(t, want, r.Online().Parameters(), "replica %d diverged", r.ID())
	}
	assert.Equal(t, uint64(rounds), g.Barrier().Rounds())
	assert.Equal(t, uint64(rounds), g.Params().Version())

	stats := g.Stats()
	assert.Equal(t, uint64(rounds), stats.BarrierRounds)
	assert.Zero(t, stats.BarrierWaiting)
	require.Len(t, stats.Replicas, replicas)
	assert.Equal(t, int64(rounds), stats.Replicas[2].Steps)
}

func TestRunReturnsCorruptRecord(t *testing.T) {
	sampler := failingSampler{err: fmt.Errorf("sample main store: %w", storage.ErrCorruptRecord)}
	g, err := NewGroup(2, newModel(testShape), model.NewTDLoss(), sampler, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	err = g.Run(context.Background())
	assert.ErrorIs(t, err, storage.ErrCorruptRecord)
}

func TestRunStopsOnCancel(t *testing.T) {
	g, err := NewGroup(2, newModel(testShape), model.NewTDLoss(), newScheduler(t, testShape), Options{
		BatchSize: 2,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	g.grace = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool { return g.Replicas()[0].Steps() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("group did not stop")
	}
}

func TestGroupRestore(t *testing.T) {
	ctx := context.Background()
	g, err := NewGroup(2, newModel(testShape), model.NewTDLoss(), newScheduler(t, testShape), Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	ledger := checkpoint.NewMemoryLedger()
	restored, err := g.Restore(ctx, ledger)
	require.NoError(t, err)
	assert.False(t, restored)

	saved := model.NewLinear(testShape, rand.New(rand.NewSource(99))).Parameters()
	require.NoError(t, ledger.Save(ctx, checkpoint.Record{Version: 7, Step: 70, Parameters: saved}))

	restored, err = g.Restore(ctx, ledger)
	require.NoError(t, err)
	assert.True(t, restored)
	for _, r := range g.Replicas() {
		assert.Equal(t, saved, r.Online().Parameters())
		assert.Equal(t, saved, r.Target().Parameters())
	}
	assert.Equal(t, uint64(7), g.Params().Version())
}
