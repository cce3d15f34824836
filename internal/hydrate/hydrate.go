// Package hydrate reassembles a run snapshot from the SSE relay. It
// feeds every relayed event through the same reducer used server-side
// and keeps the best partial snapshot available even when the link
// drops before the run's terminal event.
package hydrate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/leegmoore/cody-stream/internal/protocol"
	"github.com/leegmoore/cody-stream/internal/reducer"
	"github.com/leegmoore/cody-stream/internal/transport"
)

// ErrStreamTimeout is returned when no terminal event arrives within the
// hydrator's overall deadline.
var ErrStreamTimeout = errors.New("stream timeout waiting for terminal event")

// ConnectionError reports a dropped SSE link. It carries the best
// partial snapshot obtained before the drop instead of discarding it.
type ConnectionError struct {
	Snapshot *protocol.Response
	Cursor   transport.Cursor
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("stream connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Hydrator consumes one run's SSE stream. Snapshot is callable from any
// goroutine at any time; Run drives the connection until a terminal
// event, the timeout, or a connection failure.
type Hydrator struct {
	baseURL string
	client  *http.Client
	timeout time.Duration

	mu     sync.Mutex
	red    *reducer.Reducer
	cursor transport.Cursor
}

// New builds a hydrator against the relay at baseURL. timeout bounds the
// whole hydration; zero means 60s.
func New(baseURL string, client *http.Client, timeout time.Duration) *Hydrator {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Hydrator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		timeout: timeout,
		red:     reducer.New(),
	}
}

// Snapshot returns the latest partial state, or nil before
// response_start has been relayed.
func (h *Hydrator) Snapshot() *protocol.Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.red.Snapshot()
}

// Cursor returns the last relayed position, usable for resumption.
func (h *Hydrator) Cursor() transport.Cursor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

// Run connects, applies every relayed event, and returns the full
// snapshot once the run's terminal event arrives. from resumes a prior
// hydration. Malformed frames are skipped, never fatal.
func (h *Hydrator) Run(ctx context.Context, runID string, from transport.Cursor) (*protocol.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/stream/"+runID, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if from != transport.CursorZero {
		req.Header.Set("Last-Event-ID", string(from))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, h.failure(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stream request failed: status %d", resp.StatusCode)
	}

	r := bufio.NewReader(resp.Body)
	for {
		frame, err := readFrame(r)
		if err != nil {
			return nil, h.failure(ctx, err)
		}
		if len(frame.data) == 0 {
			continue
		}
		terminal := h.apply(frame)
		if terminal {
			return h.Snapshot(), nil
		}
	}
}

// apply folds one frame into the snapshot and reports whether it was the
// run's terminal event.
func (h *Hydrator) apply(f frame) bool {
	ev, err := protocol.Decode(f.data)
	if err != nil {
		// Reject the single event, keep the stream.
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.red.Apply(ev)
	if f.id != "" {
		h.cursor = transport.Cursor(f.id)
	}
	return protocol.IsTerminal(ev.Type)
}

// failure classifies the end of the connection: deadline exhaustion maps
// to ErrStreamTimeout, everything else surfaces the partial snapshot.
func (h *Hydrator) failure(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrStreamTimeout
	}
	return &ConnectionError{Snapshot: h.Snapshot(), Cursor: h.Cursor(), Err: err}
}

type frame struct {
	id    string
	event string
	data  []byte
}

// readFrame parses one SSE frame, skipping comment lines. io.EOF before
// a complete frame is a connection error for this protocol: the relay
// only ends a stream by dropping it.
func readFrame(r *bufio.Reader) (frame, error) {
	var f frame
	var data strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return frame{}, io.ErrUnexpectedEOF
			}
			return frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			f.data = []byte(data.String())
			return f, nil
		}
		switch {
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "id:"):
			f.id = strings.TrimSpace(line[len("id:"):])
		case strings.HasPrefix(line, "event:"):
			f.event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(line[len("data:"):]))
		}
	}
}
