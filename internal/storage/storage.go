// Package storage defines the persistence sink for run snapshots.
package storage

import (
	"context"
	"errors"

	"github.com/leegmoore/cody-stream/internal/protocol"
)

// ErrNotFound is returned when no snapshot exists for a run.
var ErrNotFound = errors.New("snapshot not found")

// SnapshotStore persists reducer snapshots keyed by run id. Persist is
// an idempotent upsert, so replaying a run (or persisting the same
// snapshot twice after a consumer crash) is safe.
type SnapshotStore interface {
	Persist(ctx context.Context, snap *protocol.Response) error
	GetByRunID(ctx context.Context, runID string) (*protocol.Response, error)
	DeleteByRunID(ctx context.Context, runID string) error
	Close() error
}
