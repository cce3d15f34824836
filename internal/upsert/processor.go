// Package upsert folds a run's event stream into the coarser UI-facing
// message stream. Token-level chatter is hidden behind an adaptive
// batching policy: a gradient of cumulative token thresholds drives
// emission cadence, a timeout timer bounds latency for slow streams, and
// every emission is retried against a best-effort sink.
package upsert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leegmoore/cody-stream/internal/protocol"
)

// EmitFunc delivers one message to the UI sink. Delivery is best-effort;
// the processor retries failures with exponential backoff but never
// treats the sink as the system of record.
type EmitFunc func(ctx context.Context, msg protocol.StreamBMessage) error

// DefaultGradient batches early content aggressively for low latency and
// later content coarsely for low overhead.
var DefaultGradient = []int{10, 10, 20, 20, 50}

// Config carries the pure batching and retry parameters. Zero fields
// take defaults; nothing is reconfigurable mid-run.
type Config struct {
	Gradient      []int
	BatchTimeout  time.Duration
	RetryAttempts int
	RetryBase     time.Duration
	RetryMax      time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Gradient) == 0 {
		c.Gradient = DefaultGradient
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 * time.Second
	}
	return c
}

// Processor is the per-run upsert engine. Events must be handled in
// arrival order from a single loop; the only other entry point is the
// batch-timeout timer, which the mutex serializes against Handle so the
// two emission paths are mutually exclusive.
type Processor struct {
	cfg    Config
	emit   EmitFunc
	logger *slog.Logger

	mu        sync.Mutex
	buffers   map[string]*itemBuffer
	order     []string
	turnID    string
	threadID  string
	timer     *time.Timer
	finished  bool
	destroyed bool
}

// New constructs a processor for one run.
func New(cfg Config, emit EmitFunc) *Processor {
	return &Processor{
		cfg:     cfg.withDefaults(),
		emit:    emit,
		logger:  slog.Default(),
		buffers: make(map[string]*itemBuffer),
	}
}

// Handle applies one event. A returned error means emission retries were
// exhausted; the processor remains usable and later events must still be
// handled.
func (p *Processor) Handle(ctx context.Context, ev protocol.StreamEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed || p.finished {
		return nil
	}
	switch payload := ev.Payload.(type) {
	case protocol.ResponseStart:
		return p.handleStart(ctx, payload)
	case protocol.ItemStart:
		p.handleItemStart(payload)
		return nil
	case protocol.ItemDelta:
		return p.handleItemDelta(ctx, payload)
	case protocol.ItemDone:
		return p.handleItemDone(ctx, payload)
	case protocol.ItemError:
		return p.handleItemError(ctx, payload)
	case protocol.ItemCancelled:
		p.handleItemCancelled(payload)
		return nil
	case protocol.ResponseDone:
		return p.handleDone(ctx, payload)
	case protocol.ResponseError:
		return p.handleError(ctx, payload)
	}
	return nil
}

// Destroy forces one last flush of every item with unflushed content,
// emitted as updated since no terminal event was observed for them, and
// cancels the batch timer. It is idempotent.
func (p *Processor) Destroy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil
	}
	p.destroyed = true
	p.disarmTimer()
	var firstErr error
	for _, id := range p.order {
		b, ok := p.buffers[id]
		if !ok || b.isHeld || b.isComplete || !b.hasUnflushed() {
			continue
		}
		msg, err := protocol.NewUpsertMessage(p.upsertFor(b, protocol.ChangeUpdated))
		if err == nil {
			err = p.send(ctx, msg)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err == nil {
			b.markFlushed()
		}
	}
	p.buffers = make(map[string]*itemBuffer)
	p.order = nil
	return firstErr
}

func (p *Processor) handleStart(ctx context.Context, payload protocol.ResponseStart) error {
	p.turnID = payload.TurnID
	p.threadID = payload.ThreadID
	msg, err := protocol.NewTurnEventMessage(protocol.UITurnEvent{
		Type:       protocol.TurnStarted,
		TurnID:     payload.TurnID,
		ThreadID:   payload.ThreadID,
		ModelID:    payload.ModelID,
		ProviderID: payload.ProviderID,
	})
	if err != nil {
		return err
	}
	return p.send(ctx, msg)
}

func (p *Processor) handleItemStart(payload protocol.ItemStart) {
	if _, seen := p.buffers[payload.ItemID]; seen {
		return
	}
	p.buffers[payload.ItemID] = newItemBuffer(payload)
	p.order = append(p.order, payload.ItemID)
	p.maybeArmTimer()
}

func (p *Processor) handleItemDelta(ctx context.Context, payload protocol.ItemDelta) error {
	b, ok := p.buffers[payload.ItemID]
	if !ok || b.isComplete {
		return nil
	}
	b.appendDelta(payload.DeltaContent)
	if b.isHeld {
		return nil
	}
	var emitErr error
	unemitted := b.tokenCount - b.emittedTokenCount
	if unemitted > thresholdAt(p.cfg.Gradient, b.batchIndex) {
		// One oversized delta may cross several thresholds; consume them
		// all but emit exactly once.
		for unemitted > thresholdAt(p.cfg.Gradient, b.batchIndex) {
			unemitted -= thresholdAt(p.cfg.Gradient, b.batchIndex)
			b.batchIndex++
		}
		emitErr = p.flushItem(ctx, b)
		p.disarmTimer()
	}
	p.maybeArmTimer()
	return emitErr
}

func (p *Processor) handleItemDone(ctx context.Context, payload protocol.ItemDone) error {
	b, ok := p.buffers[payload.ItemID]
	if !ok || b.isComplete {
		return nil
	}
	b.isComplete = true
	final := payload.FinalItem
	up := p.upsertFor(b, protocol.ChangeCompleted)
	// The terminal emission carries the authoritative final
	// representation, superseding whatever the buffer accumulated.
	if final.Type != "" {
		up.ItemType = final.Type
	}
	up.Content = final.Content
	if final.Origin != "" {
		up.Origin = final.Origin
	}
	if final.Name != "" {
		up.ToolName = final.Name
	}
	if final.CallID != "" {
		up.CallID = final.CallID
	}
	delete(p.buffers, payload.ItemID)
	p.disarmTimer()
	msg, err := protocol.NewUpsertMessage(up)
	if err == nil {
		err = p.send(ctx, msg)
	}
	p.maybeArmTimer()
	return err
}

func (p *Processor) handleItemError(ctx context.Context, payload protocol.ItemError) error {
	b, ok := p.buffers[payload.ItemID]
	if !ok || b.isComplete {
		return nil
	}
	b.isComplete = true
	delete(p.buffers, payload.ItemID)
	p.disarmTimer()
	msg, err := protocol.NewUpsertMessage(protocol.UIUpsert{
		TurnID:       p.turnID,
		ThreadID:     p.threadID,
		ItemID:       payload.ItemID,
		ItemType:     protocol.ItemTypeError,
		ChangeType:   protocol.ChangeCompleted,
		ErrorCode:    payload.Error.Code,
		ErrorMessage: payload.Error.Message,
	})
	if err == nil {
		err = p.send(ctx, msg)
	}
	p.maybeArmTimer()
	return err
}

func (p *Processor) handleItemCancelled(payload protocol.ItemCancelled) {
	// Cancelled partial content is invisible to the UI projection.
	delete(p.buffers, payload.ItemID)
	p.maybeArmTimer()
}

func (p *Processor) handleDone(ctx context.Context, payload protocol.ResponseDone) error {
	p.finished = true
	p.disarmTimer()
	msg, err := protocol.NewTurnEventMessage(protocol.UITurnEvent{
		Type:     protocol.TurnCompleted,
		TurnID:   p.turnID,
		ThreadID: p.threadID,
		Status:   payload.Status,
		Usage:    payload.Usage,
	})
	if err != nil {
		return err
	}
	return p.send(ctx, msg)
}

func (p *Processor) handleError(ctx context.Context, payload protocol.ResponseError) error {
	p.finished = true
	p.disarmTimer()
	msg, err := protocol.NewTurnEventMessage(protocol.UITurnEvent{
		Type:         protocol.TurnError,
		TurnID:       p.turnID,
		ThreadID:     p.threadID,
		Status:       "failed",
		ErrorCode:    payload.Error.Code,
		ErrorMessage: payload.Error.Message,
	})
	if err != nil {
		return err
	}
	return p.send(ctx, msg)
}

// flushItem emits the buffer's current content as created on first
// emission, updated after. Caller holds p.mu.
func (p *Processor) flushItem(ctx context.Context, b *itemBuffer) error {
	msg, err := protocol.NewUpsertMessage(p.upsertFor(b, b.changeType()))
	if err != nil {
		return err
	}
	if err := p.send(ctx, msg); err != nil {
		return err
	}
	b.markFlushed()
	return nil
}

func (p *Processor) upsertFor(b *itemBuffer, change protocol.ChangeType) protocol.UIUpsert {
	return protocol.UIUpsert{
		TurnID:     p.turnID,
		ThreadID:   p.threadID,
		ItemID:     b.itemID,
		ItemType:   b.itemType,
		ChangeType: change,
		Content:    b.content,
		Origin:     b.origin,
		ToolName:   b.toolName,
		CallID:     b.callID,
	}
}

// maybeArmTimer arms the batch-timeout safety net when a non-held item
// has unflushed content and no timer is pending. Caller holds p.mu.
func (p *Processor) maybeArmTimer() {
	if p.timer != nil || p.finished || p.destroyed {
		return
	}
	if !p.anyUnflushed() {
		return
	}
	p.timer = time.AfterFunc(p.cfg.BatchTimeout, p.onTimeout)
}

// disarmTimer cancels a pending timer. Caller holds p.mu.
func (p *Processor) disarmTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Processor) anyUnflushed() bool {
	for _, b := range p.buffers {
		if !b.isHeld && !b.isComplete && b.hasUnflushed() {
			return true
		}
	}
	return false
}

// onTimeout flushes every eligible buffer exactly as a crossed threshold
// would have. It competes with Handle for the mutex, which keeps the two
// emission paths mutually exclusive.
func (p *Processor) onTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = nil
	if p.finished || p.destroyed {
		return
	}
	ctx := context.Background()
	for _, id := range p.order {
		b, ok := p.buffers[id]
		if !ok || b.isHeld || b.isComplete || !b.hasUnflushed() {
			continue
		}
		if err := p.flushItem(ctx, b); err != nil {
			p.logger.Error("batch timeout flush failed",
				slog.String("turn_id", p.turnID),
				slog.String("item_id", b.itemID),
				slog.String("error", err.Error()),
			)
		}
	}
	p.maybeArmTimer()
}

// send delivers one message with bounded exponential backoff. Exhausting
// the retry budget surfaces the failure without stopping the run.
func (p *Processor) send(ctx context.Context, msg protocol.StreamBMessage) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = p.emit(ctx, msg)
		if err == nil {
			return nil
		}
		if attempt >= p.cfg.RetryAttempts {
			break
		}
		delay := p.cfg.RetryBase << attempt
		if delay > p.cfg.RetryMax {
			delay = p.cfg.RetryMax
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("emit %s interrupted: %w", msg.PayloadType, ctx.Err())
		}
	}
	return fmt.Errorf("emit %s after %d attempts: %w", msg.PayloadType, p.cfg.RetryAttempts+1, err)
}
