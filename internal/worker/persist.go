// Package worker hosts the long-lived transport consumers: the
// persistence worker that folds a run into a durable snapshot and the
// upsert runner that drives the UI projection. Each consumer tracks its
// own cursor; a crash loses only its own progress and replay is safe
// because the reducer is idempotent and persistence is an upsert.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/leegmoore/cody-stream/internal/protocol"
	"github.com/leegmoore/cody-stream/internal/reducer"
	"github.com/leegmoore/cody-stream/internal/storage"
	"github.com/leegmoore/cody-stream/internal/transport"
)

// PersistWorker replays one run's raw event log through a reducer and
// persists the snapshot. Mid-run snapshots are persisted periodically
// for crash visibility; the terminal event always persists.
type PersistWorker struct {
	log       transport.EventLog
	store     storage.SnapshotStore
	runID     string
	block     time.Duration
	batchSize int64
	// persistEvery bounds how many events may pass between mid-run
	// snapshot writes.
	persistEvery int
	logger       *slog.Logger
}

// NewPersistWorker builds a worker for one run.
func NewPersistWorker(log transport.EventLog, store storage.SnapshotStore, runID string) *PersistWorker {
	return &PersistWorker{
		log:          log,
		store:        store,
		runID:        runID,
		block:        2 * time.Second,
		batchSize:    128,
		persistEvery: 50,
		logger:       slog.Default(),
	}
}

// Run consumes the run's log from the start until the terminal event is
// persisted or ctx is canceled. Restarting after a crash re-reads from
// the start; the reducer makes that replay byte-identical.
func (w *PersistWorker) Run(ctx context.Context) error {
	red := reducer.New()
	cursor := transport.CursorZero
	key := transport.RunStreamKey(w.runID)
	sincePersist := 0

	for {
		batch, err := w.log.Read(ctx, key, cursor, w.block, w.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, entry := range batch {
			cursor = entry.Cursor
			ev, err := protocol.Decode(entry.Data)
			if err != nil {
				if errors.Is(err, protocol.ErrSchemaViolation) {
					w.logger.Warn("skipping malformed event",
						slog.String("run_id", w.runID),
						slog.String("error", err.Error()),
					)
					continue
				}
				return err
			}
			red.Apply(ev)
			sincePersist++
			if protocol.IsTerminal(ev.Type) {
				return w.persist(ctx, red)
			}
		}
		if sincePersist >= w.persistEvery {
			if err := w.persist(ctx, red); err != nil {
				return err
			}
			sincePersist = 0
		}
	}
}

func (w *PersistWorker) persist(ctx context.Context, red *reducer.Reducer) error {
	snap := red.Snapshot()
	if snap == nil {
		return nil
	}
	return w.store.Persist(ctx, snap)
}
