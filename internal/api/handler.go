// Package api exposes the run boundary: adapters append events over
// HTTP and clients read persisted snapshots. The SSE relay lives in the
// relay package; this handler covers the ingest and retrieval routes.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/leegmoore/cody-stream/internal/protocol"
	"github.com/leegmoore/cody-stream/internal/storage"
	"github.com/leegmoore/cody-stream/internal/transport"
	"github.com/leegmoore/cody-stream/internal/worker"
)

const maxEventBytes = 1 << 20

// Handler serves POST /runs/{runID}/events, GET /runs/{runID} and
// DELETE /runs/{runID}.
type Handler struct {
	log    transport.EventLog
	store  storage.SnapshotStore
	runs   *worker.Manager
	logger *slog.Logger
}

// NewHandler wires the ingest boundary to the transport, store and run
// manager.
func NewHandler(log transport.EventLog, store storage.SnapshotStore, runs *worker.Manager) *Handler {
	return &Handler{log: log, store: store, runs: runs, logger: slog.Default()}
}

// HandleAppendEvent validates one event blob and appends it to the run's
// log. The run's consumers are started lazily on first append.
func (h *Handler) HandleAppendEvent(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "read_error", "failed to read request body")
		return
	}

	ev, err := protocol.Decode(body)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "schema_violation", err.Error())
		return
	}
	if ev.RunID != runID {
		h.writeError(w, http.StatusUnprocessableEntity, "schema_violation", "event run_id does not match path")
		return
	}

	cursor, err := h.log.Append(r.Context(), transport.RunStreamKey(runID), body)
	if err != nil {
		h.logger.Error("append failed",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
		h.writeError(w, http.StatusServiceUnavailable, "transport_failure", "failed to append event")
		return
	}
	h.runs.EnsureRun(runID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"cursor": string(cursor)})
}

// HandleGetSnapshot returns the persisted snapshot for a run.
func (h *Handler) HandleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	snap, err := h.store.GetByRunID(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "no snapshot for run")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// HandleDeleteRun removes a run's persisted snapshot.
func (h *Handler) HandleDeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := h.store.DeleteByRunID(r.Context(), runID); err != nil {
		h.writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
