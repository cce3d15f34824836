package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leegmoore/cody-stream/internal/protocol"
	"github.com/leegmoore/cody-stream/internal/transport"
	"github.com/leegmoore/cody-stream/internal/upsert"
)

// UpsertRunner consumes one run's raw event log and drives its upsert
// processor. Emitted StreamBMessages are appended to the run's UI log,
// making the UI projection a second durable stream consumers tail with
// their own cursors.
type UpsertRunner struct {
	log       transport.EventLog
	runID     string
	proc      *upsert.Processor
	block     time.Duration
	batchSize int64
	logger    *slog.Logger
}

// NewUpsertRunner builds a runner whose processor emits to the run's UI
// stream.
func NewUpsertRunner(log transport.EventLog, runID string, cfg upsert.Config) *UpsertRunner {
	emit := func(ctx context.Context, msg protocol.StreamBMessage) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal ui message: %w", err)
		}
		_, err = log.Append(ctx, transport.UIStreamKey(runID), data)
		return err
	}
	return &UpsertRunner{
		log:       log,
		runID:     runID,
		proc:      upsert.New(cfg, emit),
		block:     2 * time.Second,
		batchSize: 128,
		logger:    slog.Default(),
	}
}

// Run consumes until the run's terminal event has been handled or ctx is
// canceled. Cancellation destroys the processor, which flushes any
// unflushed content as updated. Exhausted emission retries are logged
// and do not stop the loop: UI delivery is best-effort.
func (r *UpsertRunner) Run(ctx context.Context) error {
	cursor := transport.CursorZero
	key := transport.RunStreamKey(r.runID)

	for {
		batch, err := r.log.Read(ctx, key, cursor, r.block, r.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return r.destroy()
			}
			return err
		}
		for _, entry := range batch {
			cursor = entry.Cursor
			ev, err := protocol.Decode(entry.Data)
			if err != nil {
				if errors.Is(err, protocol.ErrSchemaViolation) {
					r.logger.Warn("skipping malformed event",
						slog.String("run_id", r.runID),
						slog.String("error", err.Error()),
					)
					continue
				}
				return err
			}
			if err := r.proc.Handle(ctx, ev); err != nil {
				r.logger.Error("ui emission failed",
					slog.String("run_id", r.runID),
					slog.String("event_id", ev.EventID),
					slog.String("error", err.Error()),
				)
			}
			if protocol.IsTerminal(ev.Type) {
				return nil
			}
		}
	}
}

// destroy flushes and tears down the processor outside the canceled
// request context.
func (r *UpsertRunner) destroy() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.proc.Destroy(ctx); err != nil {
		r.logger.Error("processor destroy failed",
			slog.String("run_id", r.runID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
