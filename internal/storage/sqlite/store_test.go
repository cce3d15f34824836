package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/leegmoore/cody-stream/internal/protocol"
	"github.com/leegmoore/cody-stream/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleSnapshot(runID string) *protocol.Response {
	return &protocol.Response{
		ID:         "resp_1",
		RunID:      runID,
		TurnID:     "turn_1",
		ThreadID:   "thread_1",
		ModelID:    "model-x",
		ProviderID: "provider-y",
		Status:     "in_progress",
		OutputItems: []protocol.Item{
			{ID: "item_1", Type: protocol.ItemTypeMessage, Content: "partial", Status: "streaming"},
		},
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 8, 1, 12, 0, 1, 0, time.UTC),
	}
}

func TestPersistAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("run_1")
	if err := store.Persist(ctx, snap); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	got, err := store.GetByRunID(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetByRunID: %v", err)
	}
	if got.RunID != "run_1" || got.Status != "in_progress" || got.TurnID != "turn_1" {
		t.Errorf("snapshot = %+v", got)
	}
	if len(got.OutputItems) != 1 || got.OutputItems[0].Content != "partial" {
		t.Errorf("items = %+v", got.OutputItems)
	}
	if got.Usage != nil || got.Error != nil {
		t.Errorf("nullable fields should round-trip as nil: usage=%+v error=%+v", got.Usage, got.Error)
	}
}

func TestPersistIsUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("run_1")
	if err := store.Persist(ctx, snap); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	snap.Status = "completed"
	snap.FinishReason = "stop"
	snap.Usage = &protocol.Usage{InputTokens: 5, OutputTokens: 3, TotalTokens: 8}
	snap.OutputItems[0].Content = "the whole message"
	snap.OutputItems[0].Status = "completed"
	if err := store.Persist(ctx, snap); err != nil {
		t.Fatalf("Persist again: %v", err)
	}

	got, err := store.GetByRunID(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetByRunID: %v", err)
	}
	if got.Status != "completed" || got.FinishReason != "stop" {
		t.Errorf("snapshot not updated: %+v", got)
	}
	if got.Usage == nil || got.Usage.TotalTokens != 8 {
		t.Errorf("usage = %+v", got.Usage)
	}
	if got.OutputItems[0].Content != "the whole message" {
		t.Errorf("items not replaced: %+v", got.OutputItems)
	}
}

func TestGetMissingRun(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetByRunID(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteByRunID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Persist(ctx, sampleSnapshot("run_1")); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := store.DeleteByRunID(ctx, "run_1"); err != nil {
		t.Fatalf("DeleteByRunID: %v", err)
	}
	if _, err := store.GetByRunID(ctx, "run_1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err after delete = %v, want ErrNotFound", err)
	}

	// Deleting again is a no-op.
	if err := store.DeleteByRunID(ctx, "run_1"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestErrorSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snap := sampleSnapshot("run_1")
	snap.Status = "failed"
	snap.Error = &protocol.ErrorDetail{Code: "overloaded", Message: "try later"}
	if err := store.Persist(ctx, snap); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	got, err := store.GetByRunID(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetByRunID: %v", err)
	}
	if got.Error == nil || got.Error.Code != "overloaded" {
		t.Errorf("error = %+v", got.Error)
	}
}
