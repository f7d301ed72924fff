package pipeline

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// DefaultTrackerSize is the number of rewards the tracker remembers.
const DefaultTrackerSize = 10

// RewardTracker keeps a small set of high episode-window rewards and decides
// which new windows also belong in the high-value store.
type RewardTracker struct {
	mu     sync.Mutex
	values []float64
}

// NewRewardTracker creates a tracker of the given size, seeded with zeros.
func NewRewardTracker(size int) *RewardTracker {
	if size <= 0 {
		size = DefaultTrackerSize
	}
	return &RewardTracker{values: make([]float64, size)}
}

// Admit reports whether reward exceeds the current median. When it does, the
// smallest tracked reward is replaced by it.
func (r *RewardTracker) Admit(reward float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reward <= r.median() {
		return false
	}

	minIdx := 0
	for i, v := range r.values {
		if v < r.values[minIdx] {
			minIdx = i
		}
	}
	r.values[minIdx] = reward
	return true
}

// Median returns the current admission threshold.
func (r *RewardTracker) Median() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.median()
}

// Values returns a sorted copy of the tracked rewards.
func (r *RewardTracker) Values() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]float64(nil), r.values...)
	sort.Float64s(out)
	return out
}

func (r *RewardTracker) median() float64 {
	sorted := append([]float64(nil), r.values...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}
