package pipeline

import "sync"

// WarmSignal fires once, when the main store first reaches its warm-up
// threshold. It never reverts.
type WarmSignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewWarmSignal creates an unfired signal.
func NewWarmSignal() *WarmSignal {
	return &WarmSignal{ch: make(chan struct{})}
}

// Fire marks the signal. Calls after the first are no-ops.
func (w *WarmSignal) Fire() {
	w.once.Do(func() { close(w.ch) })
}

// Done is closed once the signal has fired.
func (w *WarmSignal) Done() <-chan struct{} { return w.ch }

// Fired reports whether Fire has been called.
func (w *WarmSignal) Fired() bool {
	select {
	case <-w.ch:
		return true
	default:
		return false
	}
}
