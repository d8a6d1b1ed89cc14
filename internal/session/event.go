package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/c2stem/copa/internal/blocks"
)

// Inbound event type tags.
const (
	TypeAction  = "action"
	TypeState   = "state"
	TypeGroup   = "group"
	TypeScore   = "score"
	TypeSegment = "segment"
)

// ErrInvalidJSON is returned for inbound messages that are not a JSON envelope.
var ErrInvalidJSON = errors.New("invalid JSON format")

// InvalidJSONReply is sent back for malformed inbound messages.
var InvalidJSONReply = []byte(`{"type":"error","data":"Invalid JSON format."}`)

// Event is the closed set of inbound events. Handle dispatches with an
// exhaustive type switch.
type Event interface {
	isEvent()
}

// ActionEvent carries one editor mutation.
type ActionEvent struct {
	Action blocks.ActionEvent
}

// StateEvent carries the student's program as an opaque snapshot.
type StateEvent struct {
	Snapshot string
}

// GroupEvent carries an opaque action-group descriptor.
type GroupEvent struct {
	Payload json.RawMessage
}

// ScoreEvent carries numeric score components. Non-numeric fields are dropped.
type ScoreEvent struct {
	Components map[string]float64
}

// SegmentEvent carries a task-context label.
type SegmentEvent struct {
	Label string
}

// UnknownEvent is any other type; its data payload is echoed back verbatim,
// unquoted when it is a JSON string. Data is nil when the envelope has none.
type UnknownEvent struct {
	Type string
	Data []byte
}

func (ActionEvent) isEvent()  {}
func (StateEvent) isEvent()   {}
func (GroupEvent) isEvent()   {}
func (ScoreEvent) isEvent()   {}
func (SegmentEvent) isEvent() {}
func (UnknownEvent) isEvent() {}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseEvent decodes a {"type": ..., "data": ...} envelope.
func ParseEvent(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}

	switch env.Type {
	case TypeAction:
		action, err := blocks.ParseActionEvent(unquote(env.Data))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidJSON, err)
		}
		return ActionEvent{Action: action}, nil
	case TypeState:
		return StateEvent{Snapshot: string(unquote(env.Data))}, nil
	case TypeGroup:
		return GroupEvent{Payload: cloneRaw(env.Data)}, nil
	case TypeScore:
		return ScoreEvent{Components: numericFields(env.Data)}, nil
	case TypeSegment:
		return SegmentEvent{Label: string(unquote(env.Data))}, nil
	default:
		ev := UnknownEvent{Type: env.Type}
		if env.Data != nil {
			ev.Data = unquote(env.Data)
		}
		return ev, nil
	}
}

// unquote returns the contents of a JSON string, or data unchanged when it
// is not a string. Editors send some payloads pre-serialized.
func unquote(data json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return []byte(s)
	}
	return cloneRaw(data)
}

func numericFields(data json.RawMessage) map[string]float64 {
	var fields map[string]any
	if err := json.Unmarshal(unquote(data), &fields); err != nil {
		return map[string]float64{}
	}
	out := make(map[string]float64, len(fields))
	for k, v := range fields {
		if n, ok := v.(float64); ok {
			out[k] = n
		}
	}
	return out
}

func cloneRaw(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
