package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSchemaViolation marks an event blob that does not satisfy the
// protocol contract. Consumers reject the single event and keep reading;
// a schema violation never aborts a stream.
var ErrSchemaViolation = errors.New("schema violation")

// wireEvent is the JSON shape of a StreamEvent. The payload object
// repeats the envelope type as its own discriminator.
type wireEvent struct {
	EventID      string            `json:"event_id"`
	Timestamp    time.Time         `json:"timestamp"`
	RunID        string            `json:"run_id"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
	Type         EventType         `json:"type"`
	Payload      json.RawMessage   `json:"payload"`
}

type wirePayloadType struct {
	Type EventType `json:"type,omitempty"`
}

// Encode serializes an event for transport.
func Encode(ev StreamEvent) ([]byte, error) {
	if ev.Payload == nil {
		return nil, fmt.Errorf("encode event %s: nil payload", ev.EventID)
	}
	body, err := marshalPayload(ev.Type, ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}
	return json.Marshal(wireEvent{
		EventID:      ev.EventID,
		Timestamp:    ev.Timestamp,
		RunID:        ev.RunID,
		TraceContext: ev.TraceContext,
		Type:         ev.Type,
		Payload:      body,
	})
}

// marshalPayload embeds the discriminator alongside the payload fields.
func marshalPayload(t EventType, p Payload) (json.RawMessage, error) {
	fields, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(fields, &m); err != nil {
		return nil, err
	}
	m["type"] = string(t)
	return json.Marshal(m)
}

// Decode validates and deserializes an event blob. Malformed input of
// any kind (bad JSON, unknown type, missing identifiers, payload whose
// discriminator contradicts the envelope) is reported wrapped in
// ErrSchemaViolation.
func Decode(data []byte) (StreamEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return StreamEvent{}, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if w.RunID == "" {
		return StreamEvent{}, fmt.Errorf("%w: missing run_id", ErrSchemaViolation)
	}
	if len(w.Payload) == 0 {
		return StreamEvent{}, fmt.Errorf("%w: missing payload", ErrSchemaViolation)
	}
	var inner wirePayloadType
	if err := json.Unmarshal(w.Payload, &inner); err != nil {
		return StreamEvent{}, fmt.Errorf("%w: payload is not an object: %v", ErrSchemaViolation, err)
	}
	if inner.Type != "" && inner.Type != w.Type {
		return StreamEvent{}, fmt.Errorf("%w: payload type %q contradicts envelope type %q", ErrSchemaViolation, inner.Type, w.Type)
	}
	payload, err := unmarshalPayload(w.Type, w.Payload)
	if err != nil {
		return StreamEvent{}, err
	}
	return StreamEvent{
		EventID:      w.EventID,
		Timestamp:    w.Timestamp,
		RunID:        w.RunID,
		TraceContext: w.TraceContext,
		Type:         w.Type,
		Payload:      payload,
	}, nil
}

func unmarshalPayload(t EventType, data json.RawMessage) (Payload, error) {
	decodeInto := func(p Payload) (Payload, error) {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrSchemaViolation, t, err)
		}
		return p, nil
	}
	var p Payload
	var err error
	switch t {
	case EventResponseStart:
		p, err = decodeInto(&ResponseStart{})
	case EventItemStart:
		p, err = decodeInto(&ItemStart{})
	case EventItemDelta:
		p, err = decodeInto(&ItemDelta{})
	case EventItemDone:
		p, err = decodeInto(&ItemDone{})
	case EventItemError:
		p, err = decodeInto(&ItemError{})
	case EventItemCancelled:
		p, err = decodeInto(&ItemCancelled{})
	case EventResponseDone:
		p, err = decodeInto(&ResponseDone{})
	case EventResponseError:
		p, err = decodeInto(&ResponseError{})
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrSchemaViolation, t)
	}
	if err != nil {
		return nil, err
	}
	if iderr := validateItemID(p); iderr != nil {
		return nil, iderr
	}
	return deref(p), nil
}

// validateItemID rejects item-scoped payloads that omit their item id.
func validateItemID(p Payload) error {
	var id string
	switch v := p.(type) {
	case *ItemStart:
		id = v.ItemID
	case *ItemDelta:
		id = v.ItemID
	case *ItemDone:
		id = v.ItemID
	case *ItemError:
		id = v.ItemID
	case *ItemCancelled:
		id = v.ItemID
	default:
		return nil
	}
	if id == "" {
		return fmt.Errorf("%w: missing item_id", ErrSchemaViolation)
	}
	return nil
}

// deref returns the value form so consumers can type-switch on structs.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *ResponseStart:
		return *v
	case *ItemStart:
		return *v
	case *ItemDelta:
		return *v
	case *ItemDone:
		return *v
	case *ItemError:
		return *v
	case *ItemCancelled:
		return *v
	case *ResponseDone:
		return *v
	case *ResponseError:
		return *v
	}
	return p
}

// PeekType extracts the envelope event type without decoding the full
// payload. The SSE relay uses it to name frames cheaply.
func PeekType(data []byte) (EventType, error) {
	var w wirePayloadType
	if err := json.Unmarshal(data, &w); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if w.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrSchemaViolation)
	}
	return w.Type, nil
}

// IsTerminal reports whether the event ends its run.
func IsTerminal(t EventType) bool {
	return t == EventResponseDone || t == EventResponseError
}
