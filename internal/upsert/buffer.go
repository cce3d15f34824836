package upsert

import "github.com/leegmoore/cody-stream/internal/protocol"

// itemBuffer is the transient per-item state the processor owns between
// item_start and the item's last emission. It is a plain struct; the
// processor's control flow owns all sequencing.
type itemBuffer struct {
	itemID            string
	itemType          protocol.ItemType
	content           string
	tokenCount        int
	batchIndex        int
	emittedTokenCount int
	isComplete        bool
	isHeld            bool
	hasEmittedCreated bool

	origin   protocol.Origin
	toolName string
	callID   string
}

// newItemBuffer seeds a buffer from item_start. User-originated messages
// are held: their content is never surfaced incrementally so the origin
// tag is only ever published with final content.
func newItemBuffer(p protocol.ItemStart) *itemBuffer {
	b := &itemBuffer{
		itemID:   p.ItemID,
		itemType: p.ItemType,
		content:  p.InitialContent,
		origin:   p.Origin,
		toolName: p.Name,
		callID:   p.CallID,
		isHeld:   p.Origin == protocol.OriginUser,
	}
	b.tokenCount = estimateTokens(b.content)
	return b
}

// appendDelta accumulates streamed content and refreshes the estimate.
func (b *itemBuffer) appendDelta(delta string) {
	b.content += delta
	b.tokenCount = estimateTokens(b.content)
}

// hasUnflushed reports whether the buffer holds content its consumers
// have not seen yet.
func (b *itemBuffer) hasUnflushed() bool {
	if b.content == "" {
		return false
	}
	return b.tokenCount > b.emittedTokenCount || !b.hasEmittedCreated
}

// markFlushed records that everything buffered so far has been emitted.
func (b *itemBuffer) markFlushed() {
	b.emittedTokenCount = b.tokenCount
	b.hasEmittedCreated = true
}

// changeType picks created for an item's first emission, updated after.
func (b *itemBuffer) changeType() protocol.ChangeType {
	if b.hasEmittedCreated {
		return protocol.ChangeUpdated
	}
	return protocol.ChangeCreated
}

// estimateTokens is a deliberately cheap length heuristic, not a
// tokenizer. The gradient thresholds are calibrated against it.
func estimateTokens(content string) int {
	return len(content) / 4
}

// thresholdAt returns the gradient threshold for a batch index. Past the
// end of the gradient the last threshold repeats.
func thresholdAt(gradient []int, idx int) int {
	if len(gradient) == 0 {
		return 0
	}
	if idx >= len(gradient) {
		return gradient[len(gradient)-1]
	}
	return gradient[idx]
}
