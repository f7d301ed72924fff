package trainer

import (
	"sync"

	"github.com/cartridge/learner/internal/model"
	"github.com/cartridge/learner/internal/types"
)

// ParameterServer holds the most recently published online parameters for
// actor sessions to pull. Versions only increase.
type ParameterServer struct {
	mu      sync.RWMutex
	params  types.GradientSet
	version uint64
	step    int64
}

// NewParameterServer creates an empty parameter server at version 0.
func NewParameterServer() *ParameterServer {
	return &ParameterServer{}
}

// Publish snapshots m's parameters as a new version and returns it.
func (p *ParameterServer) Publish(m model.Model, step int64) uint64 {
	params := m.Parameters()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params = params
	p.version++
	p.step = step
	return p.version
}

// Restore installs params at version, typically from a checkpoint. It is
// ignored when the server already holds a newer version.
func (p *ParameterServer) Restore(params types.GradientSet, version uint64, step int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if version < p.version {
		return
	}
	p.params = params.Clone()
	p.version = version
	p.step = step
}

// Sync copies the current parameters into dst when they are newer than
// have, and returns the version dst now holds.
func (p *ParameterServer) Sync(dst model.Model, have uint64) (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.params == nil || p.version <= have {
		return have, nil
	}
	if err := dst.SetParameters(p.params); err != nil {
		return have, err
	}
	return p.version, nil
}

// Version returns the current version.
func (p *ParameterServer) Version() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// Snapshot returns a copy of the current parameters, their version and the
// training step they were published at.
func (p *ParameterServer) Snapshot() (types.GradientSet, uint64, int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.params.Clone(), p.version, p.step
}
