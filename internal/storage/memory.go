package storage

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cartridge/learner/internal/codec"
	"github.com/cartridge/learner/internal/sumtree"
	"github.com/cartridge/learner/internal/types"
)

// Options configures a MemoryBackend.
type Options struct {
	Name             string
	Capacity         int
	WarmupThreshold  int
	ProgressInterval int
	Codec            *codec.Codec
	Logger           zerolog.Logger
	// OnProgress is called every ProgressInterval inserts while the store is
	// below its warm-up threshold.
	OnProgress func(count, threshold int)
}

// MemoryBackend implements a prioritized replay store over a sum tree
type MemoryBackend struct {
	mu            sync.Mutex
	name          string
	tree          *sumtree.Tree[codec.Record]
	codec         *codec.Codec
	warmup        int
	progressEvery int
	inserts       uint64
	overwrites    uint64
	storedBytes   uint64
	onProgress    func(count, threshold int)
	logger        zerolog.Logger
	rng           *rand.Rand
}

// NewMemoryBackend creates a new in-memory replay store
func NewMemoryBackend(opts Options) (*MemoryBackend, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", opts.Capacity)
	}
	if opts.WarmupThreshold < 0 || opts.WarmupThreshold > opts.Capacity {
		return nil, fmt.Errorf("warmup threshold %d outside [0,%d]", opts.WarmupThreshold, opts.Capacity)
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if opts.Name == "" {
		opts.Name = "main"
	}

	return &MemoryBackend{
		name:          opts.Name,
		tree:          sumtree.New[codec.Record](opts.Capacity),
		codec:         opts.Codec,
		warmup:        opts.WarmupThreshold,
		progressEvery: opts.ProgressInterval,
		onProgress:    opts.OnProgress,
		logger:        opts.Logger.With().Str("component", "replay").Str("store", opts.Name).Logger(),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Add implements Backend.Add
func (m *MemoryBackend) Add(ctx context.Context, priority float64, window *types.Window) (int, error) {
	if err := checkPriority(priority); err != nil {
		return 0, err
	}

	// Compress outside the lock; the record is immutable once built.
	rec, err := m.codec.Compress(window.ToStored())
	if err != nil {
		return 0, fmt.Errorf("compress sequence: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	full := m.tree.Size() == m.tree.Capacity()
	if full {
		m.overwrites++
		index := m.nextIndex()
		m.storedBytes -= uint64(len(m.tree.Payload(index).Data))
	}
	index := m.tree.Add(priority, rec)
	m.inserts++
	m.storedBytes += uint64(len(rec.Data))

	count := m.tree.Size()
	if count < m.warmup && m.progressEvery > 0 && m.inserts%uint64(m.progressEvery) == 0 {
		m.logger.Info().
			Int("count", count).
			Int("threshold", m.warmup).
			Msg("Waiting for the replay store to fill up")
		if m.onProgress != nil {
			m.onProgress(count, m.warmup)
		}
	}

	return index, nil
}

// Sample implements Backend.Sample
func (m *MemoryBackend) Sample(ctx context.Context, n int) (*SampleResult, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sample size must be positive, got %d", n)
	}

	records := make([]codec.Record, n)
	result := &SampleResult{
		Indices:    make([]int, n),
		Priorities: make([]float64, n),
		Sequences:  make([]types.Sequence, n),
	}

	m.mu.Lock()
	size := m.tree.Size()
	if size == 0 {
		m.mu.Unlock()
		return nil, ErrEmpty
	}

	total := m.tree.Total()
	if total > 0 {
		// Stratified draw: one uniform value per equal slice of the total.
		segment := total / float64(n)
		for i := 0; i < n; i++ {
			value := segment*float64(i) + m.rng.Float64()*segment
			index, priority, rec := m.tree.Get(value)
			result.Indices[i] = index
			result.Priorities[i] = priority
			records[i] = rec
		}
	} else {
		// Every stored priority is zero; draw uniformly over filled slots.
		for i := 0; i < n; i++ {
			index := m.rng.Intn(size)
			result.Indices[i] = index
			result.Priorities[i] = m.tree.Weight(index)
			records[i] = m.tree.Payload(index)
		}
	}
	m.mu.Unlock()

	for i, rec := range records {
		seq, err := m.codec.Decompress(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d]: %v", ErrCorruptRecord, m.name, result.Indices[i], err)
		}
		result.Sequences[i] = seq
	}

	return result, nil
}

// UpdatePriorities implements Backend.UpdatePriorities
func (m *MemoryBackend) UpdatePriorities(ctx context.Context, indices []int, priorities []float64) error {
	if len(indices) != len(priorities) {
		return fmt.Errorf("mismatched lengths: %d indices vs %d priorities", len(indices), len(priorities))
	}
	for i, p := range priorities {
		if err := checkPriority(p); err != nil {
			return fmt.Errorf("index %d: %w", indices[i], err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, index := range indices {
		if index < 0 || index >= m.tree.Capacity() {
			return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
		}
	}
	for i, index := range indices {
		m.tree.Update(index, priorities[i])
	}

	return nil
}

// Get implements Backend.Get
func (m *MemoryBackend) Get(ctx context.Context, index int) (types.Sequence, float64, error) {
	m.mu.Lock()
	if index < 0 || index >= m.tree.Size() {
		m.mu.Unlock()
		return types.Sequence{}, 0, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	rec := m.tree.Payload(index)
	priority := m.tree.Weight(index)
	m.mu.Unlock()

	seq, err := m.codec.Decompress(rec)
	if err != nil {
		return types.Sequence{}, 0, fmt.Errorf("%w: %s[%d]: %v", ErrCorruptRecord, m.name, index, err)
	}
	return seq, priority, nil
}

// GetStats implements Backend.GetStats
func (m *MemoryBackend) GetStats(ctx context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.tree.Size()
	return &Stats{
		Name:            m.name,
		Count:           count,
		Capacity:        m.tree.Capacity(),
		TotalPriority:   m.tree.Total(),
		Inserts:         m.inserts,
		Overwrites:      m.overwrites,
		StoredBytes:     m.storedBytes,
		WarmupThreshold: m.warmup,
		Warm:            count >= m.warmup,
	}, nil
}

// Count implements Backend.Count
func (m *MemoryBackend) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Size()
}

// IsWarm implements Backend.IsWarm
func (m *MemoryBackend) IsWarm() bool {
	return m.Count() >= m.warmup
}

// Name returns the label used in logs and metrics.
func (m *MemoryBackend) Name() string { return m.name }

// Close implements Backend.Close
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info().
		Uint64("inserts", m.inserts).
		Uint64("overwrites", m.overwrites).
		Int("count", m.tree.Size()).
		Msg("Replay store closed")
	return nil
}

// nextIndex is the leaf the next Add will overwrite. Caller holds mu.
func (m *MemoryBackend) nextIndex() int {
	return int(m.inserts % uint64(m.tree.Capacity()))
}

func checkPriority(p float64) error {
	if p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidPriority, p)
	}
	return nil
}
