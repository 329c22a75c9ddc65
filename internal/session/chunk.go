package session

import (
	"encoding/json"
	"strconv"
	"time"
)

// ChunkType tags an OutputChunk's variant.
type ChunkType string

const (
	ChunkText        ChunkType = "text"
	ChunkToolUse     ChunkType = "tool_use"
	ChunkToolResult  ChunkType = "tool_result"
	ChunkThinking    ChunkType = "thinking"
	ChunkError       ChunkType = "error"
	ChunkSystem      ChunkType = "system"
	ChunkUserMessage ChunkType = "user_message"
)

// ChunkTypes lists every variant.
var ChunkTypes = []ChunkType{
	ChunkText, ChunkToolUse, ChunkToolResult, ChunkThinking,
	ChunkError, ChunkSystem, ChunkUserMessage,
}

// Metadata side-channel keys.
const (
	MetaClientMessageID = "client_message_id"
	MetaToolName        = "tool_name"
	MetaToolUseID       = "tool_use_id"
	MetaEvent           = "event"
	MetaStatus          = "status"
	MetaIsError         = "is_error"
	MetaModel           = "model"
	MetaInputTokens     = "input_tokens"
	MetaOutputTokens    = "output_tokens"
	MetaCacheRead       = "cache_read_tokens"
	MetaCacheCreation   = "cache_creation_tokens"
)

// Values of MetaEvent on system chunks.
const (
	EventSessionStart     = "session_start"
	EventSessionEnd       = "session_end"
	EventUsage            = "usage"
	EventStreamCorruption = "stream_corruption"
	EventStderr           = "stderr"
)

// OutputChunk is one entry in a session's output stream.
type OutputChunk struct {
	Index     int               `json:"index"`
	Type      ChunkType         `json:"type"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Meta returns a metadata value or "".
func (c OutputChunk) Meta(key string) string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata[key]
}

// WithMeta returns a copy of c with key set.
func (c OutputChunk) WithMeta(key, value string) OutputChunk {
	md := make(map[string]string, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		md[k] = v
	}
	md[key] = value
	c.Metadata = md
	return c
}

// ToolCall is the payload of a tool_use chunk.
type ToolCall struct {
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the payload of a tool_result chunk.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id,omitempty"`
	Output    string `json:"output"`
	IsError   bool   `json:"is_error,omitempty"`
}

// NewToolUseChunk encodes call as a tool_use chunk.
func NewToolUseChunk(call ToolCall) OutputChunk {
	data, _ := json.Marshal(call)
	c := OutputChunk{Type: ChunkToolUse, Content: string(data)}
	c = c.WithMeta(MetaToolName, call.Name)
	if call.ID != "" {
		c = c.WithMeta(MetaToolUseID, call.ID)
	}
	return c
}

// NewToolResultChunk encodes res as a tool_result chunk.
func NewToolResultChunk(res ToolResult) OutputChunk {
	data, _ := json.Marshal(res)
	c := OutputChunk{Type: ChunkToolResult, Content: string(data)}
	if res.ToolUseID != "" {
		c = c.WithMeta(MetaToolUseID, res.ToolUseID)
	}
	if res.IsError {
		c = c.WithMeta(MetaIsError, "true")
	}
	return c
}

// ToolCall decodes a tool_use payload. ok is false for other chunk types
// and for payloads that do not decode.
func (c OutputChunk) ToolCall() (ToolCall, bool) {
	if c.Type != ChunkToolUse {
		return ToolCall{}, false
	}
	var call ToolCall
	if err := json.Unmarshal([]byte(c.Content), &call); err != nil || call.Name == "" {
		return ToolCall{}, false
	}
	return call, true
}

// ToolResult decodes a tool_result payload.
func (c OutputChunk) ToolResult() (ToolResult, bool) {
	if c.Type != ChunkToolResult {
		return ToolResult{}, false
	}
	var res ToolResult
	if err := json.Unmarshal([]byte(c.Content), &res); err != nil {
		return ToolResult{}, false
	}
	return res, true
}

// IsSessionEnd reports whether c is the terminal marker the supervisor
// appends when a session finishes.
func (c OutputChunk) IsSessionEnd() bool {
	return c.Type == ChunkSystem && c.Meta(MetaEvent) == EventSessionEnd
}

// NewUsageChunk records token usage as a system chunk.
func NewUsageChunk(u TokenUsage) OutputChunk {
	return OutputChunk{
		Type:    ChunkSystem,
		Content: "usage",
		Metadata: map[string]string{
			MetaEvent:         EventUsage,
			MetaInputTokens:   strconv.Itoa(u.InputTokens),
			MetaOutputTokens:  strconv.Itoa(u.OutputTokens),
			MetaCacheRead:     strconv.Itoa(u.CacheReadTokens),
			MetaCacheCreation: strconv.Itoa(u.CacheCreationTokens),
		},
	}
}

// Usage decodes a usage chunk. Unparseable counts read as zero.
func (c OutputChunk) Usage() (TokenUsage, bool) {
	if c.Type != ChunkSystem || c.Meta(MetaEvent) != EventUsage {
		return TokenUsage{}, false
	}
	atoi := func(key string) int {
		n, _ := strconv.Atoi(c.Meta(key))
		return n
	}
	return TokenUsage{
		InputTokens:         atoi(MetaInputTokens),
		OutputTokens:        atoi(MetaOutputTokens),
		CacheReadTokens:     atoi(MetaCacheRead),
		CacheCreationTokens: atoi(MetaCacheCreation),
	}, true
}

// NewSessionEndChunk is the marker appended after the process exits.
func NewSessionEndChunk(status Status, detail string) OutputChunk {
	content := string(status)
	if detail != "" {
		content += ": " + detail
	}
	return OutputChunk{
		Type:    ChunkSystem,
		Content: content,
		Metadata: map[string]string{
			MetaEvent:  EventSessionEnd,
			MetaStatus: string(status),
		},
	}
}
