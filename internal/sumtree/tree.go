// Package sumtree implements a fixed-capacity sum tree over weighted payloads.
//
// Nodes live in one array of 2C-1 entries. The last C entries are leaves,
// every interior node holds the sum of its two children, and the root holds
// the total weight. Writes go to a circular cursor, so once the tree is full
// each add replaces the oldest leaf.
package sumtree

import (
	"fmt"
	"math"
)

// minSampleValue replaces a sample value of exactly zero so the descent never
// lands on a leaf whose weight is zero.
const minSampleValue = 1.0

// Tree is not safe for concurrent use.
type Tree[T any] struct {
	capacity int
	nodes    []float64
	payloads []T
	cursor   int
	size     int
}

// New creates a tree with room for capacity leaves.
func New[T any](capacity int) *Tree[T] {
	if capacity <= 0 {
		panic(fmt.Sprintf("sumtree: capacity must be positive, got %d", capacity))
	}
	return &Tree[T]{
		capacity: capacity,
		nodes:    make([]float64, 2*capacity-1),
		payloads: make([]T, capacity),
	}
}

// Capacity returns the number of leaves.
func (t *Tree[T]) Capacity() int { return t.capacity }

// Size returns how many leaves have been written, saturating at Capacity.
func (t *Tree[T]) Size() int { return t.size }

// Total returns the sum of all leaf weights.
func (t *Tree[T]) Total() float64 { return t.nodes[0] }

// Add writes payload at the cursor with the given weight and returns the
// leaf index it occupies.
func (t *Tree[T]) Add(weight float64, payload T) int {
	checkWeight(weight)
	index := t.cursor
	t.payloads[index] = payload
	t.Update(index, weight)

	t.cursor = (t.cursor + 1) % t.capacity
	if t.size < t.capacity {
		t.size++
	}
	return index
}

// Update sets the weight of leaf index and propagates the change to the root.
func (t *Tree[T]) Update(index int, weight float64) {
	checkWeight(weight)
	if index < 0 || index >= t.capacity {
		panic(fmt.Sprintf("sumtree: leaf index %d out of range [0,%d)", index, t.capacity))
	}

	node := index + t.capacity - 1
	delta := weight - t.nodes[node]
	t.nodes[node] = weight
	for node > 0 {
		node = (node - 1) / 2
		t.nodes[node] += delta
	}
}

// Weight returns the weight stored at leaf index.
func (t *Tree[T]) Weight(index int) float64 {
	return t.nodes[index+t.capacity-1]
}

// Payload returns the payload stored at leaf index.
func (t *Tree[T]) Payload(index int) T {
	return t.payloads[index]
}

// Get descends from the root to the leaf whose cumulative weight range
// contains value. It returns the leaf index, its weight and its payload.
func (t *Tree[T]) Get(value float64) (int, float64, T) {
	if value == 0 {
		value = minSampleValue
	}

	node := 0
	for {
		left := 2*node + 1
		if left >= len(t.nodes) {
			break
		}
		right := left + 1
		switch {
		case value <= t.nodes[left]:
			node = left
		case t.nodes[right] == 0:
			// Everything to the right is unset; stay on the weighted side.
			node = left
		default:
			value -= t.nodes[left]
			node = right
		}
	}

	index := node - (t.capacity - 1)
	return index, t.nodes[node], t.payloads[index]
}

func checkWeight(weight float64) {
	if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		panic(fmt.Sprintf("sumtree: invalid weight %v", weight))
	}
}
