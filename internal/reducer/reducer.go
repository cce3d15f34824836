// Package reducer folds a run's ordered event stream into a full-state
// Response snapshot. The fold is pure and replay-safe: feeding the same
// ordered sequence into a cold reducer, in one pass or across resumed
// partial replays, yields the same snapshot (modulo UpdatedAt), which is
// what makes crash-recovery replay safe.
package reducer

import (
	"time"

	"github.com/leegmoore/cody-stream/internal/protocol"
)

// Item status values recorded in snapshots.
const (
	StatusStreaming = "streaming"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Reducer accumulates one run's state. The zero value is not usable;
// construct with New. One instance exists per run and is not safe for
// concurrent use.
type Reducer struct {
	resp     *protocol.Response
	index    map[string]int
	terminal bool
}

// New returns a cold reducer.
func New() *Reducer {
	return &Reducer{index: make(map[string]int)}
}

// Apply folds one event and returns the current snapshot, or nil until
// response_start has been seen. Item events after the run-level terminal
// event are ignored. Model errors are ordinary states here, never Go
// errors.
func (r *Reducer) Apply(ev protocol.StreamEvent) *protocol.Response {
	switch p := ev.Payload.(type) {
	case protocol.ResponseStart:
		r.applyStart(ev, p)
	case protocol.ItemStart:
		r.applyItemStart(ev, p)
	case protocol.ItemDelta:
		r.applyItemDelta(ev, p)
	case protocol.ItemDone:
		r.applyItemDone(ev, p)
	case protocol.ItemError:
		r.applyItemError(ev, p)
	case protocol.ItemCancelled:
		r.applyItemCancelled(ev, p)
	case protocol.ResponseDone:
		r.applyDone(ev, p)
	case protocol.ResponseError:
		r.applyError(ev, p)
	}
	return r.resp
}

// Snapshot returns a copy of the current state, or nil before
// response_start. The items slice is copied so callers can hold the
// result across further Apply calls.
func (r *Reducer) Snapshot() *protocol.Response {
	if r.resp == nil {
		return nil
	}
	out := *r.resp
	out.OutputItems = make([]protocol.Item, len(r.resp.OutputItems))
	copy(out.OutputItems, r.resp.OutputItems)
	return &out
}

func (r *Reducer) applyStart(ev protocol.StreamEvent, p protocol.ResponseStart) {
	if r.resp != nil {
		return
	}
	r.resp = &protocol.Response{
		ID:          p.ResponseID,
		RunID:       ev.RunID,
		TurnID:      p.TurnID,
		ThreadID:    p.ThreadID,
		AgentID:     p.AgentID,
		ModelID:     p.ModelID,
		ProviderID:  p.ProviderID,
		Status:      "in_progress",
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   now(ev),
		OutputItems: []protocol.Item{},
	}
}

func (r *Reducer) applyItemStart(ev protocol.StreamEvent, p protocol.ItemStart) {
	if !r.accepting() {
		return
	}
	if _, seen := r.index[p.ItemID]; seen {
		return
	}
	r.index[p.ItemID] = len(r.resp.OutputItems)
	r.resp.OutputItems = append(r.resp.OutputItems, protocol.Item{
		ID:        p.ItemID,
		Type:      p.ItemType,
		Content:   p.InitialContent,
		Origin:    p.Origin,
		Name:      p.Name,
		Arguments: p.Arguments,
		CallID:    p.CallID,
		Status:    StatusStreaming,
	})
	r.touch(ev)
}

func (r *Reducer) applyItemDelta(ev protocol.StreamEvent, p protocol.ItemDelta) {
	item := r.open(p.ItemID)
	if item == nil {
		return
	}
	item.Content += p.DeltaContent
	r.touch(ev)
}

func (r *Reducer) applyItemDone(ev protocol.StreamEvent, p protocol.ItemDone) {
	item := r.open(p.ItemID)
	if item == nil {
		return
	}
	// final_item is authoritative and supersedes accumulated deltas.
	final := p.FinalItem
	final.ID = p.ItemID
	if final.Status == "" {
		final.Status = StatusCompleted
	}
	*item = final
	r.touch(ev)
}

func (r *Reducer) applyItemError(ev protocol.StreamEvent, p protocol.ItemError) {
	item := r.open(p.ItemID)
	if item == nil {
		return
	}
	item.Status = StatusError
	err := p.Error
	item.Error = &err
	r.touch(ev)
}

func (r *Reducer) applyItemCancelled(ev protocol.StreamEvent, p protocol.ItemCancelled) {
	item := r.open(p.ItemID)
	if item == nil {
		return
	}
	// The entry stays as a marker; its partial content is dropped.
	item.Content = ""
	item.Status = StatusCancelled
	r.touch(ev)
}

func (r *Reducer) applyDone(ev protocol.StreamEvent, p protocol.ResponseDone) {
	if !r.accepting() {
		return
	}
	r.resp.Status = p.Status
	r.resp.Usage = p.Usage
	r.resp.FinishReason = p.FinishReason
	r.terminal = true
	r.touch(ev)
}

func (r *Reducer) applyError(ev protocol.StreamEvent, p protocol.ResponseError) {
	if !r.accepting() {
		return
	}
	r.resp.Status = "failed"
	err := p.Error
	r.resp.Error = &err
	r.terminal = true
	r.touch(ev)
}

// accepting reports whether events are still meaningful for this run.
func (r *Reducer) accepting() bool {
	return r.resp != nil && !r.terminal
}

// open returns the mutable entry for an item id, or nil when the item is
// unknown, already terminal, or the run is frozen.
func (r *Reducer) open(itemID string) *protocol.Item {
	if !r.accepting() {
		return nil
	}
	pos, ok := r.index[itemID]
	if !ok {
		return nil
	}
	item := &r.resp.OutputItems[pos]
	if item.Status != StatusStreaming {
		return nil
	}
	return item
}

func (r *Reducer) touch(ev protocol.StreamEvent) {
	r.resp.UpdatedAt = now(ev)
}

func now(ev protocol.StreamEvent) time.Time {
	if !ev.Timestamp.IsZero() {
		return ev.Timestamp
	}
	return time.Now().UTC()
}
