package sumtree

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafSum[T any](tr *Tree[T]) float64 {
	var sum float64
	for i := 0; i < tr.Capacity(); i++ {
		sum += tr.Weight(i)
	}
	return sum
}

func TestTreeTotalMatchesLeaves(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, capacity := range []int{1, 3, 4, 7, 16} {
		tr := New[int](capacity)
		for op := 0; op < 500; op++ {
			if rng.Intn(2) == 0 {
				tr.Add(rng.Float64()*10, op)
			} else {
				tr.Update(rng.Intn(capacity), rng.Float64()*10)
			}
			require.InDelta(t, leafSum(tr), tr.Total(), 1e-9, "capacity %d op %d", capacity, op)
		}
	}
}

func TestTreeRetrievalBoundaries(t *testing.T) {
	tr := New[string](4)
	tr.Add(1, "a")
	tr.Add(2, "b")
	tr.Add(3, "c")
	tr.Add(4, "d")

	assert.Equal(t, 10.0, tr.Total())

	_, weight, payload := tr.Get(9)
	assert.Equal(t, 4.0, weight)
	assert.Equal(t, "d", payload)

	index, weight, payload := tr.Get(0)
	assert.Equal(t, 0, index)
	assert.Equal(t, 1.0, weight)
	assert.Equal(t, "a", payload)

	_, _, payload = tr.Get(3)
	assert.Equal(t, "b", payload)
	_, _, payload = tr.Get(3.5)
	assert.Equal(t, "c", payload)
}

func TestTreeNeverReturnsUnsetLeaf(t *testing.T) {
	tr := New[int](8)
	tr.Add(0.25, 1)
	tr.Add(0.25, 2)

	for _, value := range []float64{0, 0.1, 0.5, 1, 5} {
		index, weight, _ := tr.Get(value)
		assert.Less(t, index, 2, "value %v", value)
		assert.Greater(t, weight, 0.0, "value %v", value)
	}
}

func TestTreeSampleFrequencies(t *testing.T) {
	tr := New[int](4)
	weights := []float64{1, 2, 3, 4}
	for i, w := range weights {
		tr.Add(w, i)
	}

	rng := rand.New(rand.NewSource(7))
	iterations := 100000
	counts := make([]int, len(weights))
	for i := 0; i < iterations; i++ {
		index, _, _ := tr.Get(rng.Float64() * tr.Total())
		counts[index]++
	}

	for i, w := range weights {
		expected := float64(iterations) * w / tr.Total()
		tolerance := float64(iterations) * 0.01
		assert.InDeltaf(t, expected, float64(counts[i]), tolerance,
			"leaf %d: expected ~%.0f samples, got %d", i, expected, counts[i])
	}
}

func TestTreeRingOverwrite(t *testing.T) {
	tr := New[int](3)
	for i := 0; i < 5; i++ {
		tr.Add(float64(i+1), i)
	}

	assert.Equal(t, 3, tr.Size())
	// Leaves 0 and 1 were rewritten by the 4th and 5th adds.
	assert.Equal(t, 3, tr.Payload(0))
	assert.Equal(t, 4, tr.Payload(1))
	assert.Equal(t, 2, tr.Payload(2))
	assert.Equal(t, 4.0+5.0+3.0, tr.Total())
}

func TestTreeRejectsInvalidWeights(t *testing.T) {
	tr := New[int](2)
	for _, w := range []float64{-1, math.NaN(), math.Inf(1)} {
		assert.Panics(t, func() { tr.Add(w, 0) }, "weight %v", w)
	}
	assert.Panics(t, func() { tr.Update(2, 1) })
}

func TestTreeAddRejectsWeightBeforeWriting(t *testing.T) {
	tr := New[string](2)
	tr.Add(1, "kept")

	assert.Panics(t, func() { tr.Add(math.NaN(), "dropped") })
	assert.Equal(t, 1, tr.Size())
	assert.Equal(t, "", tr.Payload(1))
	assert.Equal(t, 1.0, tr.Total())

	// The cursor did not move, so the next add lands in the same slot.
	require.Equal(t, 1, tr.Add(2, "next"))
	assert.Equal(t, "next", tr.Payload(1))
}
