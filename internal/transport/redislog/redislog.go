// Package redislog implements transport.EventLog on Redis Streams.
// Append maps to XADD and Read to XREAD BLOCK, so the cursor is the
// Redis stream entry id — opaque to callers and monotonically
// increasing within a key.
package redislog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leegmoore/cody-stream/internal/transport"
)

const dataField = "data"

// Log is a Redis Streams backed event log.
type Log struct {
	client *redis.Client
}

// New connects to the Redis instance described by url
// (e.g. redis://localhost:6379/0).
func New(url string) (*Log, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Log{client: redis.NewClient(opts)}, nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of
// the connection unless Close is used.
func NewWithClient(client *redis.Client) *Log {
	return &Log{client: client}
}

// Append XADDs the payload to the key's stream.
func (l *Log) Append(ctx context.Context, key string, data []byte) (transport.Cursor, error) {
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{dataField: data},
	}).Result()
	if err != nil {
		return "", &transport.Error{Op: "append", Key: key, Err: err}
	}
	return transport.Cursor(id), nil
}

// Read XREADs entries strictly after from, blocking up to block. A
// timeout with no data returns an empty batch, not an error.
func (l *Log) Read(ctx context.Context, key string, from transport.Cursor, block time.Duration, maxCount int64) ([]transport.Entry, error) {
	start := string(from)
	if start == "" {
		start = "0"
	}
	streams, err := l.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{key, start},
		Count:   maxCount,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &transport.Error{Op: "read", Key: key, Err: err}
	}
	var batch []transport.Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			raw, ok := msg.Values[dataField]
			if !ok {
				return nil, &transport.Error{Op: "read", Key: key, Err: fmt.Errorf("entry %s missing %s field", msg.ID, dataField)}
			}
			text, ok := raw.(string)
			if !ok {
				return nil, &transport.Error{Op: "read", Key: key, Err: fmt.Errorf("entry %s has non-string %s field", msg.ID, dataField)}
			}
			batch = append(batch, transport.Entry{Cursor: transport.Cursor(msg.ID), Data: []byte(text)})
		}
	}
	return batch, nil
}

// Close closes the underlying Redis connection.
func (l *Log) Close() error {
	return l.client.Close()
}
