// Package protocol defines the wire contract for a single run's event
// stream: the StreamEvent envelope, the closed payload union describing
// the run lifecycle, and the UI-projection message types derived from it.
package protocol

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType discriminates the payload union. It appears on the envelope
// and is mirrored inside the payload object on the wire.
type EventType string

const (
	EventResponseStart EventType = "response_start"
	EventItemStart     EventType = "item_start"
	EventItemDelta     EventType = "item_delta"
	EventItemDone      EventType = "item_done"
	EventItemError     EventType = "item_error"
	EventItemCancelled EventType = "item_cancelled"
	EventResponseDone  EventType = "response_done"
	EventResponseError EventType = "response_error"
)

// ItemType identifies what kind of content an item carries.
type ItemType string

const (
	ItemTypeMessage    ItemType = "message"
	ItemTypeReasoning  ItemType = "reasoning"
	ItemTypeToolCall   ItemType = "tool_call"
	ItemTypeToolOutput ItemType = "tool_output"
	ItemTypeError      ItemType = "error"
)

// Origin identifies who produced a message item.
type Origin string

const (
	OriginUser   Origin = "user"
	OriginAgent  Origin = "agent"
	OriginSystem Origin = "system"
)

// StreamEvent is the envelope for one event in a run's lifecycle.
// TraceContext carries opaque propagation fields; nothing in this module
// examines them.
type StreamEvent struct {
	EventID      string
	Timestamp    time.Time
	RunID        string
	TraceContext map[string]string
	Type         EventType
	Payload      Payload
}

// Payload is the closed union of event payloads. Consumers switch
// exhaustively on the concrete type; adding a variant is a compile-time
// visible change.
type Payload interface {
	eventType() EventType
}

// ResponseStart opens a run. It occurs exactly once and first; the
// model/provider/thread identifiers it carries are fixed for the run.
type ResponseStart struct {
	ResponseID string    `json:"response_id"`
	TurnID     string    `json:"turn_id"`
	ThreadID   string    `json:"thread_id"`
	AgentID    string    `json:"agent_id,omitempty"`
	ModelID    string    `json:"model_id"`
	ProviderID string    `json:"provider_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ItemStart opens one output item. Each item id is opened at most once.
type ItemStart struct {
	ItemID         string   `json:"item_id"`
	ItemType       ItemType `json:"item_type"`
	InitialContent string   `json:"initial_content,omitempty"`
	Name           string   `json:"name,omitempty"`
	Arguments      string   `json:"arguments,omitempty"`
	Origin         Origin   `json:"origin,omitempty"`
	CallID         string   `json:"call_id,omitempty"`
}

// ItemDelta appends streamed content to an open item.
type ItemDelta struct {
	ItemID       string `json:"item_id"`
	DeltaContent string `json:"delta_content"`
}

// ItemDone closes an item with its authoritative final representation,
// superseding any content accumulated from deltas.
type ItemDone struct {
	ItemID    string `json:"item_id"`
	FinalItem Item   `json:"final_item"`
}

// ItemError closes an item with a model-reported error. This is a
// first-class protocol state, not a transport failure.
type ItemError struct {
	ItemID string      `json:"item_id"`
	Error  ErrorDetail `json:"error"`
}

// ItemCancelled closes an item whose partial content must be discarded.
type ItemCancelled struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason,omitempty"`
}

// ResponseDone terminates the run successfully.
type ResponseDone struct {
	ResponseID   string `json:"response_id"`
	Status       string `json:"status"`
	Usage        *Usage `json:"usage,omitempty"`
	FinishReason string `json:"finish_reason"`
}

// ResponseError terminates the run with a run-level error.
type ResponseError struct {
	ResponseID string      `json:"response_id"`
	Error      ErrorDetail `json:"error"`
}

func (ResponseStart) eventType() EventType { return EventResponseStart }
func (ItemStart) eventType() EventType     { return EventItemStart }
func (ItemDelta) eventType() EventType     { return EventItemDelta }
func (ItemDone) eventType() EventType      { return EventItemDone }
func (ItemError) eventType() EventType     { return EventItemError }
func (ItemCancelled) eventType() EventType { return EventItemCancelled }
func (ResponseDone) eventType() EventType  { return EventResponseDone }
func (ResponseError) eventType() EventType { return EventResponseError }

// Item is one discrete piece of run content: the final representation
// carried by ItemDone and the entry shape used in Response snapshots.
type Item struct {
	ID        string       `json:"id"`
	Type      ItemType     `json:"type"`
	Content   string       `json:"content,omitempty"`
	Origin    Origin       `json:"origin,omitempty"`
	Name      string       `json:"name,omitempty"`
	Arguments string       `json:"arguments,omitempty"`
	CallID    string       `json:"call_id,omitempty"`
	Status    string       `json:"status,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// Usage reports token accounting for a completed run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ErrorDetail describes an item- or run-level model error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the full reconstructed state of a run, produced by the
// reducer and persisted keyed by run id.
type Response struct {
	ID           string       `json:"id"`
	RunID        string       `json:"run_id"`
	TurnID       string       `json:"turn_id"`
	ThreadID     string       `json:"thread_id"`
	AgentID      string       `json:"agent_id,omitempty"`
	ModelID      string       `json:"model_id"`
	ProviderID   string       `json:"provider_id"`
	Status       string       `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	OutputItems  []Item       `json:"output_items"`
	Usage        *Usage       `json:"usage,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
	Error        *ErrorDetail `json:"error,omitempty"`
}

// NewEvent builds an envelope around the given payload, minting a
// sortable event id and stamping the current time.
func NewEvent(runID string, payload Payload) StreamEvent {
	return StreamEvent{
		EventID:   ulid.Make().String(),
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Type:      payload.eventType(),
		Payload:   payload,
	}
}
