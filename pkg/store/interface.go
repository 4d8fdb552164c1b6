package store

import (
	"context"

	"github.com/vrmcollect/vrmcollect/pkg/types"
)

// Sink is the append-only destination for collected points. One Write call
// submits an entire cycle's batch; a partial write surfaces as an error so
// the whole cycle can be treated as failed and safely retried.
type Sink interface {
	Write(ctx context.Context, batch types.WriteBatch) error

	// Lifecycle
	Close() error
}

// WriteError wraps a failed or partially-applied batch submission. Retries
// after a WriteError are safe because the store is last-write-wins per
// series and timestamp.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return "store write failed: " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
