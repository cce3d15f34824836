// Package transport defines the durable, cursor-resumable event log the
// projections and the SSE relay read from. One log exists per run for
// raw events and a second, independently addressed log carries the
// UI-projection messages.
package transport

import (
	"context"
	"fmt"
	"time"
)

// Cursor is an opaque, monotonically increasing position in one run's
// log. Consumers own their cursor; the log guarantees at-least-once
// delivery for reads strictly after a cursor.
type Cursor string

// CursorZero reads a log from its beginning.
const CursorZero Cursor = ""

// Entry is one stored event together with its position.
type Entry struct {
	Cursor Cursor
	Data   []byte
}

// EventLog is an ordered, appendable, replayable log keyed by run id.
// Read returns entries strictly after the given cursor, blocking up to
// block if nothing is available; an empty batch on timeout is not an
// error. No cross-run ordering is provided.
type EventLog interface {
	Append(ctx context.Context, key string, data []byte) (Cursor, error)
	Read(ctx context.Context, key string, from Cursor, block time.Duration, maxCount int64) ([]Entry, error)
	Close() error
}

// RunStreamKey addresses the raw event log for a run.
func RunStreamKey(runID string) string {
	return "stream:" + runID
}

// UIStreamKey addresses the UI-projection log for a run.
func UIStreamKey(runID string) string {
	return "streamb:" + runID
}

// Error wraps a backend failure so consumer loops can distinguish
// transport trouble from protocol-level states.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
