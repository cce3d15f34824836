// Package memlog provides an in-process transport.EventLog. It backs
// tests and single-instance deployments where Redis is not configured.
package memlog

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/leegmoore/cody-stream/internal/transport"
)

// Log is an in-memory, per-key ordered log with blocking reads.
type Log struct {
	mu     sync.Mutex
	cond   *sync.Cond
	logs   map[string][]entry
	closed bool
}

type entry struct {
	seq  uint64
	data []byte
}

// New returns an empty log.
func New() *Log {
	l := &Log{logs: make(map[string][]entry)}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Append stores data at the end of the key's log and returns its cursor.
func (l *Log) Append(ctx context.Context, key string, data []byte) (transport.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return "", &transport.Error{Op: "append", Key: key, Err: err}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", &transport.Error{Op: "append", Key: key, Err: errClosed}
	}
	seq := uint64(len(l.logs[key])) + 1
	buf := make([]byte, len(data))
	copy(buf, data)
	l.logs[key] = append(l.logs[key], entry{seq: seq, data: buf})
	l.cond.Broadcast()
	return cursorFor(seq), nil
}

// Read returns entries strictly after from, waiting up to block when the
// log has nothing newer. An empty batch on timeout is not an error.
func (l *Log) Read(ctx context.Context, key string, from transport.Cursor, block time.Duration, maxCount int64) ([]transport.Entry, error) {
	after, err := parseCursor(from)
	if err != nil {
		return nil, &transport.Error{Op: "read", Key: key, Err: err}
	}
	deadline := time.Now().Add(block)

	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.closed {
			return nil, &transport.Error{Op: "read", Key: key, Err: errClosed}
		}
		if err := ctx.Err(); err != nil {
			return nil, &transport.Error{Op: "read", Key: key, Err: err}
		}
		if batch := l.collect(key, after, maxCount); len(batch) > 0 {
			return batch, nil
		}
		if block <= 0 || !time.Now().Before(deadline) {
			return nil, nil
		}
		l.waitWithWakeup(ctx, deadline)
	}
}

// collect gathers up to maxCount entries after the given sequence.
// Caller holds l.mu.
func (l *Log) collect(key string, after uint64, maxCount int64) []transport.Entry {
	var batch []transport.Entry
	for _, e := range l.logs[key] {
		if e.seq <= after {
			continue
		}
		batch = append(batch, transport.Entry{Cursor: cursorFor(e.seq), Data: e.data})
		if maxCount > 0 && int64(len(batch)) >= maxCount {
			break
		}
	}
	return batch
}

// waitWithWakeup blocks on the condition variable while guaranteeing a
// wakeup at the deadline or on context cancellation. sync.Cond has no
// timed wait, so a timer broadcasts instead.
func (l *Log) waitWithWakeup(ctx context.Context, deadline time.Time) {
	timer := time.AfterFunc(time.Until(deadline), l.cond.Broadcast)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, l.cond.Broadcast)
	defer stop()
	l.cond.Wait()
}

// Close releases all waiters. Subsequent operations fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.cond.Broadcast()
	return nil
}

var errClosed = fmt.Errorf("log closed")

func cursorFor(seq uint64) transport.Cursor {
	return transport.Cursor(strconv.FormatUint(seq, 10))
}

func parseCursor(c transport.Cursor) (uint64, error) {
	if c == transport.CursorZero {
		return 0, nil
	}
	seq, err := strconv.ParseUint(string(c), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed cursor %q: %w", c, err)
	}
	return seq, nil
}
