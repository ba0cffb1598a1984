// Package privacy implements the Monitor's privacy filter: the pure
// function that turns a raw Claude Code session-log record into a
// sanitized VibeTea event, or discards it. See spec §4.2 and the
// project's P1 invariant -- nothing in this package's output may carry
// user-authored content.
package privacy

import "encoding/json"

// rawRecord mirrors the subset of the Claude Code JSONL schema the filter
// cares about. Unknown fields are ignored by encoding/json; this struct
// never needs to track schema additions made upstream.
type rawRecord struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Cwd       string          `json:"cwd"`
	Subtype   string          `json:"subtype"`
	Message   json.RawMessage `json:"message"`
	Data      json.RawMessage `json:"data"`
}

// rawMessage is the "message" object on assistant/user records.
type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// rawContentBlock is one element of message.content.
type rawContentBlock struct {
	Type  string          `json:"type"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// rawToolInput covers the path-bearing keys a tool_use block may carry.
// Only the basename of these ever reaches an emitted event.
type rawToolInput struct {
	FilePath     string `json:"file_path"`
	Path         string `json:"path"`
	NotebookPath string `json:"notebook_path"`
}

// rawProgressData is the "data" object on a type=progress record.
type rawProgressData struct {
	HookEvent string `json:"hookEvent"`
	HookName  string `json:"hookName"`
}
