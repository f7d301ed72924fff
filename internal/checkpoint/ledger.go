// Package checkpoint persists trained parameter snapshots.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/cartridge/learner/internal/types"
)

var (
	// ErrNotFound indicates the ledger holds no checkpoint.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a checkpoint with the same version already exists.
	ErrConflict = errors.New("conflict")
)

// Record is one saved parameter snapshot.
type Record struct {
	Version    uint64            `json:"version"`
	Step       int64             `json:"step"`
	Loss       float64           `json:"loss"`
	Parameters types.GradientSet `json:"parameters"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Ledger captures the persistence operations the trainer relies on.
type Ledger interface {
	Save(ctx context.Context, record Record) error
	Latest(ctx context.Context) (Record, error)
	Close() error
}
