// Package relay exposes a run's raw event log over Server-Sent Events
// with cursor-based resumption.
package relay

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/leegmoore/cody-stream/internal/protocol"
	"github.com/leegmoore/cody-stream/internal/transport"
)

const (
	defaultBlock     = 2 * time.Second
	maxBlock         = 10 * time.Second
	defaultBatchSize = 64
	maxBatchSize     = 512
)

// Handler relays one run's events as SSE frames. Each frame carries the
// transport cursor as its id, so clients resume with Last-Event-ID or an
// explicit from query parameter.
type Handler struct {
	log       transport.EventLog
	keepAlive time.Duration
	logger    *slog.Logger
}

// NewHandler builds a relay over the given log. keepAlive controls how
// often comment frames are written while no data flows; zero means 15s.
func NewHandler(log transport.EventLog, keepAlive time.Duration) *Handler {
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	return &Handler{log: log, keepAlive: keepAlive, logger: slog.Default()}
}

// HandleStream handles GET /stream/{runID}?from=&blockMs=&batchSize=.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		http.Error(w, "run id is required", http.StatusBadRequest)
		return
	}

	cursor := resumeCursor(r)
	block := boundedDuration(r.URL.Query().Get("blockMs"), defaultBlock, maxBlock)
	batchSize := boundedInt(r.URL.Query().Get("batchSize"), defaultBatchSize, maxBatchSize)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	key := transport.RunStreamKey(runID)
	lastWrite := time.Now()

	for {
		select {
		case <-r.Context().Done():
			return
		default:
		}

		batch, err := h.log.Read(r.Context(), key, cursor, block, int64(batchSize))
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			h.logger.Error("relay read failed",
				slog.String("run_id", runID),
				slog.String("error", err.Error()),
			)
			return
		}

		for _, entry := range batch {
			cursor = entry.Cursor
			if err := writeFrame(w, entry); err != nil {
				return
			}
			lastWrite = time.Now()
		}
		if len(batch) > 0 {
			flusher.Flush()
			continue
		}

		// Idle read; keep the connection alive independent of data flow.
		if time.Since(lastWrite) >= h.keepAlive {
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			lastWrite = time.Now()
		}
	}
}

// writeFrame emits one event as id/event/data fields. Events whose type
// cannot be determined are relayed under a generic name rather than
// dropped; the client validates payloads itself.
func writeFrame(w http.ResponseWriter, entry transport.Entry) error {
	name := "stream_event"
	if t, err := protocol.PeekType(entry.Data); err == nil {
		name = string(t)
	}
	_, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", entry.Cursor, name, entry.Data)
	return err
}

// resumeCursor prefers the explicit from query parameter and falls back
// to the Last-Event-ID header.
func resumeCursor(r *http.Request) transport.Cursor {
	if from := r.URL.Query().Get("from"); from != "" {
		return transport.Cursor(from)
	}
	return transport.Cursor(r.Header.Get("Last-Event-ID"))
}

func boundedDuration(raw string, def, max time.Duration) time.Duration {
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return def
	}
	d := time.Duration(ms) * time.Millisecond
	if d > max {
		return max
	}
	return d
}

func boundedInt(raw string, def, max int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
