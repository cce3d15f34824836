package reducer

import (
	"reflect"
	"testing"
	"time"

	"github.com/leegmoore/cody-stream/internal/protocol"
)

var baseTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// seq builds a deterministic event sequence: fixed timestamps make
// snapshots comparable across replays.
func seq(runID string, payloads ...protocol.Payload) []protocol.StreamEvent {
	events := make([]protocol.StreamEvent, len(payloads))
	for i, p := range payloads {
		ev := protocol.NewEvent(runID, p)
		ev.Timestamp = baseTime.Add(time.Duration(i) * time.Second)
		events[i] = ev
	}
	return events
}

func start() protocol.ResponseStart {
	return protocol.ResponseStart{
		ResponseID: "resp_1",
		TurnID:     "turn_1",
		ThreadID:   "thread_1",
		ModelID:    "model-x",
		ProviderID: "provider-y",
		CreatedAt:  baseTime,
	}
}

func TestApplyFullSequence(t *testing.T) {
	events := seq("run_1",
		start(),
		protocol.ItemStart{ItemID: "item_1", ItemType: protocol.ItemTypeMessage, Origin: protocol.OriginAgent},
		protocol.ItemDelta{ItemID: "item_1", DeltaContent: "Hello "},
		protocol.ItemDelta{ItemID: "item_1", DeltaContent: "there!"},
		protocol.ItemDone{ItemID: "item_1", FinalItem: protocol.Item{
			Type: protocol.ItemTypeMessage, Content: "Hello there!", Origin: protocol.OriginAgent,
		}},
		protocol.ResponseDone{ResponseID: "resp_1", Status: "completed", FinishReason: "stop",
			Usage: &protocol.Usage{InputTokens: 5, OutputTokens: 3, TotalTokens: 8}},
	)

	r := New()
	var snap *protocol.Response
	for _, ev := range events {
		snap = r.Apply(ev)
	}

	if snap.Status != "completed" || snap.FinishReason != "stop" {
		t.Errorf("status/finish = %q/%q, want completed/stop", snap.Status, snap.FinishReason)
	}
	if snap.RunID != "run_1" || snap.TurnID != "turn_1" || snap.ThreadID != "thread_1" {
		t.Errorf("identity fields wrong: %+v", snap)
	}
	if len(snap.OutputItems) != 1 {
		t.Fatalf("output items = %d, want 1", len(snap.OutputItems))
	}
	item := snap.OutputItems[0]
	if item.Content != "Hello there!" || item.Status != StatusCompleted {
		t.Errorf("item = %+v", item)
	}
	if snap.Usage == nil || snap.Usage.TotalTokens != 8 {
		t.Errorf("usage = %+v", snap.Usage)
	}
}

func TestNilUntilResponseStart(t *testing.T) {
	r := New()
	ev := protocol.NewEvent("run_1", protocol.ItemStart{ItemID: "item_1", ItemType: protocol.ItemTypeMessage})
	if got := r.Apply(ev); got != nil {
		t.Errorf("Apply before response_start = %+v, want nil", got)
	}
	if r.Snapshot() != nil {
		t.Error("Snapshot before response_start should be nil")
	}
}

func TestIdempotentReplay(t *testing.T) {
	events := seq("run_1",
		start(),
		protocol.ItemStart{ItemID: "item_1", ItemType: protocol.ItemTypeMessage, Origin: protocol.OriginAgent},
		protocol.ItemDelta{ItemID: "item_1", DeltaContent: "first "},
		protocol.ItemStart{ItemID: "item_2", ItemType: protocol.ItemTypeToolCall, Name: "search", CallID: "call_1"},
		protocol.ItemDelta{ItemID: "item_2", DeltaContent: `{"q":`},
		protocol.ItemDelta{ItemID: "item_1", DeltaContent: "chunk"},
		protocol.ItemDelta{ItemID: "item_2", DeltaContent: `"go"}`},
		protocol.ItemDone{ItemID: "item_2", FinalItem: protocol.Item{
			Type: protocol.ItemTypeToolCall, Name: "search", CallID: "call_1", Arguments: `{"q":"go"}`,
		}},
		protocol.ItemDone{ItemID: "item_1", FinalItem: protocol.Item{
			Type: protocol.ItemTypeMessage, Content: "first chunk", Origin: protocol.OriginAgent,
		}},
		protocol.ResponseDone{ResponseID: "resp_1", Status: "completed", FinishReason: "stop"},
	)

	// Single unbroken pass.
	full := New()
	for _, ev := range events {
		full.Apply(ev)
	}

	// Crash-recovery replay: a cold reducer re-reads the whole ordered
	// sequence from the start, pausing mid-stream as a restarted
	// consumer would.
	restarted := New()
	for _, ev := range events[:4] {
		restarted.Apply(ev)
	}
	if partial := restarted.Snapshot(); partial == nil || partial.Status != "in_progress" {
		t.Fatalf("partial snapshot = %+v, want in-progress state", partial)
	}
	for _, ev := range events[4:] {
		restarted.Apply(ev)
	}

	a, b := full.Snapshot(), restarted.Snapshot()
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("replayed snapshot differs:\n  full:      %+v\n  restarted: %+v", a, b)
	}
}

func TestFinalItemSupersedesDeltas(t *testing.T) {
	events := seq("run_1",
		start(),
		protocol.ItemStart{ItemID: "item_1", ItemType: protocol.ItemTypeMessage},
		protocol.ItemDelta{ItemID: "item_1", DeltaContent: "partial gibberish"},
		protocol.ItemDone{ItemID: "item_1", FinalItem: protocol.Item{
			Type: protocol.ItemTypeMessage, Content: "the canonical text",
		}},
	)
	r := New()
	for _, ev := range events {
		r.Apply(ev)
	}
	if got := r.Snapshot().OutputItems[0].Content; got != "the canonical text" {
		t.Errorf("content = %q, want final representation", got)
	}
}

func TestCancelledItemBecomesMarker(t *testing.T) {
	events := seq("run_1",
		start(),
		protocol.ItemStart{ItemID: "item_1", ItemType: protocol.ItemTypeMessage},
		protocol.ItemDelta{ItemID: "item_1", DeltaContent: "half a tho"},
		protocol.ItemCancelled{ItemID: "item_1", Reason: "user abort"},
		protocol.ResponseDone{ResponseID: "resp_1", Status: "completed", FinishReason: "stop"},
	)
	r := New()
	for _, ev := range events {
		r.Apply(ev)
	}
	snap := r.Snapshot()
	if len(snap.OutputItems) != 1 {
		t.Fatalf("items = %d, want cancelled marker retained", len(snap.OutputItems))
	}
	item := snap.OutputItems[0]
	if item.Status != StatusCancelled || item.Content != "" {
		t.Errorf("cancelled item = %+v, want empty content with cancelled status", item)
	}
}

func TestItemErrorRecorded(t *testing.T) {
	events := seq("run_1",
		start(),
		protocol.ItemStart{ItemID: "item_1", ItemType: protocol.ItemTypeToolCall, Name: "search"},
		protocol.ItemError{ItemID: "item_1", Error: protocol.ErrorDetail{Code: "tool_failed", Message: "boom"}},
		protocol.ResponseDone{ResponseID: "resp_1", Status: "completed", FinishReason: "stop"},
	)
	r := New()
	for _, ev := range events {
		r.Apply(ev)
	}
	snap := r.Snapshot()
	item := snap.OutputItems[0]
	if item.Status != StatusError || item.Error == nil || item.Error.Code != "tool_failed" {
		t.Errorf("item = %+v, want error state recorded", item)
	}
	if snap.Status != "completed" {
		t.Errorf("run status = %q; an item error must not fail the run", snap.Status)
	}
}

func TestResponseErrorFreezesSnapshot(t *testing.T) {
	events := seq("run_1",
		start(),
		protocol.ItemStart{ItemID: "item_1", ItemType: protocol.ItemTypeMessage},
		protocol.ResponseError{ResponseID: "resp_1", Error: protocol.ErrorDetail{Code: "overloaded", Message: "try later"}},
		// Nothing after the terminal event is meaningful.
		protocol.ItemDelta{ItemID: "item_1", DeltaContent: "late"},
	)
	r := New()
	for _, ev := range events {
		r.Apply(ev)
	}
	snap := r.Snapshot()
	if snap.Status != "failed" || snap.Error == nil || snap.Error.Code != "overloaded" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.OutputItems[0].Content != "" {
		t.Error("events after the terminal event must be ignored")
	}
}

func TestDuplicateItemStartIgnored(t *testing.T) {
	events := seq("run_1",
		start(),
		protocol.ItemStart{ItemID: "item_1", ItemType: protocol.ItemTypeMessage, InitialContent: "a"},
		protocol.ItemStart{ItemID: "item_1", ItemType: protocol.ItemTypeMessage, InitialContent: "b"},
	)
	r := New()
	for _, ev := range events {
		r.Apply(ev)
	}
	snap := r.Snapshot()
	if len(snap.OutputItems) != 1 || snap.OutputItems[0].Content != "a" {
		t.Errorf("items = %+v, want one item with first-seen content", snap.OutputItems)
	}
}

func TestItemsOrderedByFirstSeen(t *testing.T) {
	events := seq("run_1",
		start(),
		protocol.ItemStart{ItemID: "b", ItemType: protocol.ItemTypeMessage},
		protocol.ItemStart{ItemID: "a", ItemType: protocol.ItemTypeMessage},
		protocol.ItemDelta{ItemID: "b", DeltaContent: "1"},
		protocol.ItemDelta{ItemID: "a", DeltaContent: "2"},
	)
	r := New()
	for _, ev := range events {
		r.Apply(ev)
	}
	items := r.Snapshot().OutputItems
	if items[0].ID != "b" || items[1].ID != "a" {
		t.Errorf("order = [%s %s], want first-seen order [b a]", items[0].ID, items[1].ID)
	}
}
