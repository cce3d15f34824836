package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/leegmoore/cody-stream/internal/protocol"
	"github.com/leegmoore/cody-stream/internal/storage"
	"github.com/leegmoore/cody-stream/internal/transport"
	"github.com/leegmoore/cody-stream/internal/transport/memlog"
	"github.com/leegmoore/cody-stream/internal/upsert"
	"github.com/leegmoore/cody-stream/internal/worker"
)

type fakeStore struct {
	mu    sync.Mutex
	snaps map[string]*protocol.Response
}

func newFakeStore() *fakeStore {
	return &fakeStore{snaps: make(map[string]*protocol.Response)}
}

func (f *fakeStore) Persist(ctx context.Context, snap *protocol.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[snap.RunID] = snap
	return nil
}

func (f *fakeStore) GetByRunID(ctx context.Context, runID string) (*protocol.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[runID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return snap, nil
}

func (f *fakeStore) DeleteByRunID(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snaps, runID)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func newTestAPI(t *testing.T) (*chi.Mux, *memlog.Log, *fakeStore, *worker.Manager) {
	t.Helper()
	log := memlog.New()
	store := newFakeStore()
	runs := worker.NewManager(log, store, upsert.Config{
		Gradient:     upsert.DefaultGradient,
		BatchTimeout: time.Hour,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		runs.Shutdown(ctx)
		log.Close()
	})

	h := NewHandler(log, store, runs)
	r := chi.NewRouter()
	r.Post("/runs/{runID}/events", h.HandleAppendEvent)
	r.Get("/runs/{runID}", h.HandleGetSnapshot)
	r.Delete("/runs/{runID}", h.HandleDeleteRun)
	return r, log, store, runs
}

func postEvent(t *testing.T, router http.Handler, runID string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/runs/"+runID+"/events", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAppendEventAccepted(t *testing.T) {
	router, log, _, _ := newTestAPI(t)

	ev := protocol.NewEvent("run_1", protocol.ResponseStart{ResponseID: "resp_1", TurnID: "turn_1"})
	body, err := protocol.Encode(ev)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	rec := postEvent(t, router, "run_1", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["cursor"] == "" {
		t.Error("response missing cursor")
	}

	batch, err := log.Read(context.Background(), transport.RunStreamKey("run_1"), transport.CursorZero, 0, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(batch) != 1 {
		t.Errorf("log entries = %d, want 1", len(batch))
	}
}

func TestAppendEventRejectsMalformed(t *testing.T) {
	router, _, _, _ := newTestAPI(t)

	rec := postEvent(t, router, "run_1", []byte(`{"not":"an event"}`))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestAppendEventRejectsRunIDMismatch(t *testing.T) {
	router, _, _, _ := newTestAPI(t)

	ev := protocol.NewEvent("run_other", protocol.ResponseStart{ResponseID: "resp_1"})
	body, err := protocol.Encode(ev)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	rec := postEvent(t, router, "run_1", body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422 for run id mismatch", rec.Code)
	}
}

func TestGetSnapshot(t *testing.T) {
	router, _, store, _ := newTestAPI(t)
	store.Persist(context.Background(), &protocol.Response{
		ID: "resp_1", RunID: "run_1", TurnID: "turn_1", Status: "completed",
	})

	req := httptest.NewRequest(http.MethodGet, "/runs/run_1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap protocol.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.RunID != "run_1" || snap.Status != "completed" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestGetSnapshotNotFound(t *testing.T) {
	router, _, _, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/runs/absent", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteRun(t *testing.T) {
	router, _, store, _ := newTestAPI(t)
	store.Persist(context.Background(), &protocol.Response{ID: "resp_1", RunID: "run_1"})

	req := httptest.NewRequest(http.MethodDelete, "/runs/run_1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/runs/run_1", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", rec.Code)
	}
}

func TestAppendStartsRunConsumers(t *testing.T) {
	router, _, store, _ := newTestAPI(t)

	payloads := []protocol.Payload{
		protocol.ResponseStart{ResponseID: "resp_1", TurnID: "turn_1", ThreadID: "thread_1"},
		protocol.ItemStart{ItemID: "item_1", ItemType: protocol.ItemTypeMessage},
		protocol.ItemDone{ItemID: "item_1", FinalItem: protocol.Item{Type: protocol.ItemTypeMessage, Content: "hi"}},
		protocol.ResponseDone{ResponseID: "resp_1", Status: "completed", FinishReason: "stop"},
	}
	for _, p := range payloads {
		body, err := protocol.Encode(protocol.NewEvent("run_1", p))
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if rec := postEvent(t, router, "run_1", body); rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
		}
	}

	// The lazily started persistence worker folds and stores the run.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if snap, err := store.GetByRunID(context.Background(), "run_1"); err == nil {
			if snap.Status != "completed" {
				t.Errorf("persisted status = %q", snap.Status)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("append did not start the run's consumers")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
