// Package event defines the VibeTea wire event: a tagged union envelope
// shared by the Monitor's sender and the Server's verifier/broadcaster.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type classifies the payload carried by an Envelope.
type Type string

const (
	TypeSession  Type = "session"
	TypeActivity Type = "activity"
	TypeTool     Type = "tool"
	TypeAgent    Type = "agent"
	TypeSummary  Type = "summary"
	TypeError    Type = "error"
	TypeTodo     Type = "todo"
)

// Payload is implemented by each of the seven closed variants. The marker
// method keeps this a closed union rather than open polymorphism.
type Payload interface {
	eventPayload()
}

// SessionPayload reports a session file appearing or ending.
type SessionPayload struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"` // "started" | "ended"
	Project   string `json:"project"`
}

func (SessionPayload) eventPayload() {}

// ActivityPayload reports a user turn in a session.
type ActivityPayload struct {
	SessionID string `json:"session_id"`
	Project   string `json:"project,omitempty"`
}

func (ActivityPayload) eventPayload() {}

// ToolPayload reports a tool invocation starting or completing.
type ToolPayload struct {
	SessionID string `json:"session_id"`
	Tool      string `json:"tool"`
	Status    string `json:"status"` // "started" | "completed"
	Context   string `json:"context,omitempty"`
	Project   string `json:"project,omitempty"`
}

func (ToolPayload) eventPayload() {}

// AgentPayload reports a subagent/agent state transition.
type AgentPayload struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

func (AgentPayload) eventPayload() {}

// SummaryPayload reports that a session summary became available. The
// summary text itself is never forwarded -- only the literal placeholder.
type SummaryPayload struct {
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
}

func (SummaryPayload) eventPayload() {}

// ErrorPayload reports an error surfaced in the session, classified into a
// fixed taxonomy. No error message text is ever forwarded.
type ErrorPayload struct {
	SessionID string `json:"session_id"`
	Category  string `json:"category"` // hook | tool | system | unknown
}

func (ErrorPayload) eventPayload() {}

// TodoCounts is the todo-progress breakdown carried by TodoPayload.
type TodoCounts struct {
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`
	Pending    int `json:"pending"`
}

// TodoPayload reports todo-list progress for a session.
type TodoPayload struct {
	SessionID string     `json:"session_id"`
	Counts    TodoCounts `json:"counts"`
	Abandoned bool       `json:"abandoned"`
}

func (TodoPayload) eventPayload() {}

// Envelope is the stable wire form shared by every VibeTea event.
type Envelope struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
	Payload   Payload   `json:"payload"`
}

// envelopeWire is the JSON shape of Envelope with Payload left raw so it can
// be dispatched on Type before being decoded into a concrete struct.
type envelopeWire struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON renders the envelope with its concrete payload inline.
func (e Envelope) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(envelopeWire{
		ID:        e.ID,
		Source:    e.Source,
		Timestamp: e.Timestamp,
		Type:      e.Type,
		Payload:   raw,
	})
}

// UnmarshalJSON decodes an envelope, dispatching the payload to its concrete
// type based on the Type field. An unknown Type is an error: the server
// should reject envelopes of unrecognized shape rather than silently
// forwarding them.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	payload, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return err
	}

	e.ID = w.ID
	e.Source = w.Source
	e.Timestamp = w.Timestamp
	e.Type = w.Type
	e.Payload = payload
	return nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	switch t {
	case TypeSession:
		var p SessionPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case TypeActivity:
		var p ActivityPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case TypeTool:
		var p ToolPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case TypeAgent:
		var p AgentPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case TypeSummary:
		var p SummaryPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case TypeError:
		var p ErrorPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case TypeTodo:
		var p TodoPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("event: unknown type %q", t)
	}
}

// Batch is a JSON array of envelopes sent as one HTTP body under one
// signature (§4.4: batch-atomic authentication).
type Batch []Envelope
