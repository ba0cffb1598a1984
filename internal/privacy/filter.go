package privacy

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/aaronbassett/vibetea/internal/event"
)

// summaryPlaceholder is forwarded in place of the real summary text. The
// privacy principle resolves the spec's open question in favor of the
// placeholder (§4.2, §9): the text itself is never transmitted.
const summaryPlaceholder = "<session summary available>"

// Filter converts one raw JSONL line into a sanitized event payload, or
// reports ok=false if the line matches none of the mapping rules (§4.2).
// isFirstRecord must be true only for the first successfully-parsed line
// of a session file; the tailer tracks this per file.
//
// Filter never returns anything derived from message text, tool command
// strings, search patterns, or any path component beyond a basename --
// this is the project's non-negotiable invariant (P1).
func Filter(raw []byte, isFirstRecord bool) (event.Payload, event.Type, bool) {
	var r rawRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, "", false
	}

	if isFirstRecord {
		return event.SessionPayload{
			SessionID: r.SessionID,
			Action:    "started",
			Project:   basename(r.Cwd),
		}, event.TypeSession, true
	}

	switch r.Type {
	case "user":
		return event.ActivityPayload{
			SessionID: r.SessionID,
			Project:   basename(r.Cwd),
		}, event.TypeActivity, true

	case "assistant":
		return filterAssistant(r)

	case "progress":
		return filterProgress(r)

	case "summary":
		return event.SummaryPayload{
			SessionID: r.SessionID,
			Summary:   summaryPlaceholder,
		}, event.TypeSummary, true

	case "system":
		if !looksLikeError(r.Subtype) {
			return nil, "", false
		}
		return event.ErrorPayload{
			SessionID: r.SessionID,
			Category:  classifyErrorCategory(r.Subtype),
		}, event.TypeError, true

	default:
		return nil, "", false
	}
}

// filterAssistant maps an assistant record containing a tool_use content
// block to a tool/started event. Assistant records with no tool_use block
// (plain text replies) are dropped -- message text never reaches an event.
func filterAssistant(r rawRecord) (event.Payload, event.Type, bool) {
	if r.Message == nil {
		return nil, "", false
	}

	var msg rawMessage
	if err := json.Unmarshal(r.Message, &msg); err != nil {
		return nil, "", false
	}

	var blocks []rawContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil, "", false
	}

	for _, block := range blocks {
		if block.Type != "tool_use" {
			continue
		}
		return event.ToolPayload{
			SessionID: r.SessionID,
			Tool:      block.Name,
			Status:    "started",
			Context:   toolContext(block.Input),
			Project:   basename(r.Cwd),
		}, event.TypeTool, true
	}

	return nil, "", false
}

// filterProgress maps a PostToolUse progress record to a tool/completed
// event. Other progress records (hookEvent values VibeTea doesn't track)
// are dropped.
func filterProgress(r rawRecord) (event.Payload, event.Type, bool) {
	if r.Data == nil {
		return nil, "", false
	}

	var d rawProgressData
	if err := json.Unmarshal(r.Data, &d); err != nil {
		return nil, "", false
	}

	if d.HookEvent != "PostToolUse" {
		return nil, "", false
	}

	return event.ToolPayload{
		SessionID: r.SessionID,
		Tool:      toolFromHookName(d.HookName),
		Status:    "completed",
	}, event.TypeTool, true
}

// toolContext extracts a basename from whichever path-bearing key is
// present in a tool_use input object. Absolute paths never survive past
// this point -- only the final path component does (P1).
func toolContext(input json.RawMessage) string {
	if input == nil {
		return ""
	}
	var ti rawToolInput
	if err := json.Unmarshal(input, &ti); err != nil {
		return ""
	}
	for _, p := range []string{ti.FilePath, ti.Path, ti.NotebookPath} {
		if p != "" {
			return basename(p)
		}
	}
	return ""
}

// toolFromHookName derives a tool name from a PostToolUse hookName. Hook
// names are observed in the form "<stage>:<ToolName>"; the tool is the
// final colon-delimited segment. Names with no colon are used verbatim.
func toolFromHookName(hookName string) string {
	if i := strings.LastIndexByte(hookName, ':'); i >= 0 {
		return hookName[i+1:]
	}
	return hookName
}

// looksLikeError reports whether a system record's subtype indicates an
// error condition worth surfacing as an error event.
func looksLikeError(subtype string) bool {
	return strings.Contains(strings.ToLower(subtype), "error") ||
		strings.Contains(strings.ToLower(subtype), "fail")
}

// classifyErrorCategory maps a system subtype string onto the fixed
// taxonomy named in §4.2: hook, tool, system, or unknown. The raw subtype
// string is never forwarded itself -- only the classified category.
func classifyErrorCategory(subtype string) string {
	s := strings.ToLower(subtype)
	switch {
	case strings.Contains(s, "hook"):
		return "hook"
	case strings.Contains(s, "tool"):
		return "tool"
	case strings.Contains(s, "system"):
		return "system"
	default:
		return "unknown"
	}
}

// basename reduces a path to its final component. Empty input returns
// empty output; this is the only transformation applied to any path field
// before it may appear in an emitted event (P1).
func basename(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Base(path)
}
