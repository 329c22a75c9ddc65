package metadata

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/zhubert/swarm/internal/session"
)

// editSignature describes a write-capable tool: which input fields carry
// the path and what operation the call implies.
type editSignature struct {
	PathFields []string
	Operation  session.FileOperation
	// ContentField holds the full new file body, when the tool sends one.
	ContentField string
	// OldField/NewField hold replaced and replacement text for line deltas.
	OldField string
	NewField string
	// Changes means the input is a list of {path, kind} entries.
	Changes bool
}

var editSignatures = map[string]editSignature{
	"Write":        {PathFields: []string{"file_path"}, Operation: session.FileCreate, ContentField: "content"},
	"Edit":         {PathFields: []string{"file_path"}, Operation: session.FileEdit, OldField: "old_string", NewField: "new_string"},
	"MultiEdit":    {PathFields: []string{"file_path"}, Operation: session.FileEdit},
	"NotebookEdit": {PathFields: []string{"notebook_path"}, Operation: session.FileEdit},
	"write_file":   {PathFields: []string{"file_path", "path"}, Operation: session.FileCreate, ContentField: "content"},
	"replace":      {PathFields: []string{"file_path", "path"}, Operation: session.FileEdit, OldField: "old_string", NewField: "new_string"},
	"file_change":  {Changes: true},
}

// Write tools report whether they replaced an existing file in their result.
var overwriteMarkers = []string{"has been updated", "overwrote"}

// touchesFromCall returns the file edits implied by one tool call.
func touchesFromCall(call session.ToolCall, ts time.Time) []session.EditedFileInfo {
	sig, ok := editSignatures[call.Name]
	if !ok || len(call.Input) == 0 {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal(call.Input, &input); err != nil {
		return nil
	}

	if sig.Changes {
		return touchesFromChanges(call.Name, input, ts)
	}

	path := firstString(input, sig.PathFields...)
	if path == "" {
		return nil
	}
	info := session.EditedFileInfo{Path: path, Operation: sig.Operation, Timestamp: ts, Tool: call.Name}

	if sig.ContentField != "" {
		if content, ok := input[sig.ContentField].(string); ok {
			size := len(content)
			lines := countLines(content)
			info.Size = &size
			info.LinesAdded = &lines
		}
	}
	if sig.OldField != "" {
		oldText, okOld := input[sig.OldField].(string)
		newText, okNew := input[sig.NewField].(string)
		if okOld && okNew {
			added, removed := countLines(newText), countLines(oldText)
			info.LinesAdded = &added
			info.LinesRemoved = &removed
		}
	}
	if call.Name == "MultiEdit" {
		if edits, ok := input["edits"].([]any); ok {
			added, removed := 0, 0
			for _, e := range edits {
				m, _ := e.(map[string]any)
				o, _ := m["old_string"].(string)
				n, _ := m["new_string"].(string)
				added += countLines(n)
				removed += countLines(o)
			}
			info.LinesAdded = &added
			info.LinesRemoved = &removed
		}
	}
	return []session.EditedFileInfo{info}
}

func touchesFromChanges(tool string, input map[string]any, ts time.Time) []session.EditedFileInfo {
	changes, _ := input["changes"].([]any)
	var out []session.EditedFileInfo
	for _, c := range changes {
		m, ok := c.(map[string]any)
		if !ok {
			continue
		}
		path, _ := m["path"].(string)
		if path == "" {
			continue
		}
		op := session.FileEdit
		switch kind, _ := m["kind"].(string); kind {
		case "add", "create":
			op = session.FileCreate
		case "delete", "remove":
			op = session.FileDelete
		}
		out = append(out, session.EditedFileInfo{Path: path, Operation: op, Timestamp: ts, Tool: tool})
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// mergeTouch combines a later touch of the same path into prev.
// A delete always wins. Writing a path that was deleted earlier in the
// session counts as an edit. A file first created stays created.
func mergeTouch(prev, next session.EditedFileInfo) session.EditedFileInfo {
	merged := prev
	merged.Timestamp = next.Timestamp
	merged.Tool = next.Tool
	switch {
	case next.Operation == session.FileDelete:
		merged.Operation = session.FileDelete
	case prev.Operation == session.FileDelete:
		merged.Operation = session.FileEdit
	case prev.Operation == session.FileCreate:
		merged.Operation = session.FileCreate
	default:
		merged.Operation = session.FileEdit
	}
	if next.Size != nil {
		merged.Size = next.Size
	}
	merged.LinesAdded = addPtr(prev.LinesAdded, next.LinesAdded)
	merged.LinesRemoved = addPtr(prev.LinesRemoved, next.LinesRemoved)
	return merged
}

func addPtr(a, b *int) *int {
	if a == nil && b == nil {
		return nil
	}
	sum := 0
	if a != nil {
		sum += *a
	}
	if b != nil {
		sum += *b
	}
	return &sum
}

// EditedFiles extracts changed files from chunks in first-touch order.
// It is the single detector used both when folding metadata and when
// answering changed-file queries for live sessions.
func EditedFiles(chunks []session.OutputChunk) []session.EditedFileInfo {
	results := overwrittenToolUses(chunks)

	var order []string
	byPath := make(map[string]session.EditedFileInfo)
	for _, c := range chunks {
		call, ok := c.ToolCall()
		if !ok {
			continue
		}
		for _, touch := range touchesFromCall(call, c.Timestamp) {
			if touch.Operation == session.FileCreate && call.ID != "" && results[call.ID] {
				touch.Operation = session.FileEdit
			}
			if prev, seen := byPath[touch.Path]; seen {
				byPath[touch.Path] = mergeTouch(prev, touch)
				continue
			}
			order = append(order, touch.Path)
			byPath[touch.Path] = touch
		}
	}

	out := make([]session.EditedFileInfo, 0, len(order))
	for _, p := range order {
		out = append(out, byPath[p])
	}
	return out
}

// overwrittenToolUses finds tool_use ids whose result says an existing file
// was replaced rather than created.
func overwrittenToolUses(chunks []session.OutputChunk) map[string]bool {
	out := make(map[string]bool)
	for _, c := range chunks {
		res, ok := c.ToolResult()
		if !ok || res.ToolUseID == "" || res.IsError {
			continue
		}
		for _, marker := range overwriteMarkers {
			if strings.Contains(res.Output, marker) {
				out[res.ToolUseID] = true
				break
			}
		}
	}
	return out
}
