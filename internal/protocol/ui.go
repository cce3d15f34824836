package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// ChangeType describes how an upsert mutates the UI-facing item.
type ChangeType string

const (
	ChangeCreated   ChangeType = "created"
	ChangeUpdated   ChangeType = "updated"
	ChangeCompleted ChangeType = "completed"
)

// TurnEventType identifies run-level UI transitions.
type TurnEventType string

const (
	TurnStarted   TurnEventType = "turn_started"
	TurnCompleted TurnEventType = "turn_completed"
	TurnError     TurnEventType = "turn_error"
)

// UIUpsert is one incremental create-or-update-or-complete message
// describing an item's current UI-facing state.
type UIUpsert struct {
	TurnID       string     `json:"turn_id"`
	ThreadID     string     `json:"thread_id"`
	ItemID       string     `json:"item_id"`
	ItemType     ItemType   `json:"item_type"`
	ChangeType   ChangeType `json:"change_type"`
	Content      string     `json:"content,omitempty"`
	Origin       Origin     `json:"origin,omitempty"`
	ToolName     string     `json:"tool_name,omitempty"`
	CallID       string     `json:"call_id,omitempty"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// UITurnEvent announces a run-level lifecycle transition to the UI.
type UITurnEvent struct {
	Type         TurnEventType `json:"type"`
	TurnID       string        `json:"turn_id"`
	ThreadID     string        `json:"thread_id"`
	ModelID      string        `json:"model_id,omitempty"`
	ProviderID   string        `json:"provider_id,omitempty"`
	Status       string        `json:"status,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// StreamBMessage wraps a UI-projection payload for transport on the
// UI stream.
type StreamBMessage struct {
	EventID     string          `json:"event_id"`
	Timestamp   time.Time       `json:"timestamp"`
	TurnID      string          `json:"turn_id"`
	PayloadType string          `json:"payload_type"`
	Payload     json.RawMessage `json:"payload"`
}

const (
	// PayloadTypeUpsert marks a StreamBMessage carrying a UIUpsert.
	PayloadTypeUpsert = "upsert"
	// PayloadTypeTurnEvent marks a StreamBMessage carrying a UITurnEvent.
	PayloadTypeTurnEvent = "turn_event"
)

// NewUpsertMessage wraps an upsert for the UI stream.
func NewUpsertMessage(u UIUpsert) (StreamBMessage, error) {
	body, err := json.Marshal(u)
	if err != nil {
		return StreamBMessage{}, fmt.Errorf("marshal upsert for item %s: %w", u.ItemID, err)
	}
	return StreamBMessage{
		EventID:     ulid.Make().String(),
		Timestamp:   time.Now().UTC(),
		TurnID:      u.TurnID,
		PayloadType: PayloadTypeUpsert,
		Payload:     body,
	}, nil
}

// NewTurnEventMessage wraps a turn event for the UI stream.
func NewTurnEventMessage(te UITurnEvent) (StreamBMessage, error) {
	body, err := json.Marshal(te)
	if err != nil {
		return StreamBMessage{}, fmt.Errorf("marshal turn event %s: %w", te.Type, err)
	}
	return StreamBMessage{
		EventID:     ulid.Make().String(),
		Timestamp:   time.Now().UTC(),
		TurnID:      te.TurnID,
		PayloadType: PayloadTypeTurnEvent,
		Payload:     body,
	}, nil
}
