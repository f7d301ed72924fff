package storage

import (
	"context"
	"errors"

	"github.com/cartridge/learner/internal/types"
)

var (
	// ErrEmpty is returned when sampling from a store that holds nothing.
	ErrEmpty = errors.New("replay store is empty")

	// ErrInvalidPriority is returned for negative, NaN or infinite priorities.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	// There is no recovery path; callers treat it as fatal.
	ErrCorruptRecord = errors.New("corrupt replay record")

	// ErrIndexOutOfRange is returned for indices outside [0, capacity).
	ErrIndexOutOfRange = errors.New("index out of range")
)

// SampleResult holds one stratified draw. The slices are parallel.
type SampleResult struct {
	Indices    []int
	Priorities []float64
	Sequences  []types.Sequence
}

// Stats represents replay store statistics
type Stats struct {
	Name            string  `json:"name"`
	Count           int     `json:"count"`
	Capacity        int     `json:"capacity"`
	TotalPriority   float64 `json:"total_priority"`
	Inserts         uint64  `json:"inserts"`
	Overwrites      uint64  `json:"overwrites"`
	StoredBytes     uint64  `json:"stored_bytes"`
	WarmupThreshold int     `json:"warmup_threshold"`
	Warm            bool    `json:"warm"`
}

// Backend defines the interface for replay store implementations
type Backend interface {
	// Add stores the window's sequence with the given priority, overwriting
	// the oldest entry once the store is full.
	Add(ctx context.Context, priority float64, window *types.Window) (int, error)

	// Sample draws n sequences proportionally to priority, one per stratum.
	Sample(ctx context.Context, n int) (*SampleResult, error)

	// UpdatePriorities sets new priorities for previously sampled indices.
	UpdatePriorities(ctx context.Context, indices []int, priorities []float64) error

	// Get returns the sequence and priority at index.
	Get(ctx context.Context, index int) (types.Sequence, float64, error)

	// GetStats returns store statistics
	GetStats(ctx context.Context) (*Stats, error)

	// Count returns the number of stored sequences, saturating at capacity.
	Count() int

	// IsWarm reports whether Count has reached the warm-up threshold.
	IsWarm() bool

	// Close the backend and cleanup resources
	Close() error
}
