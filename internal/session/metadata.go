package session

import (
	"time"
)

// FileOperation is how a tool touched a file.
type FileOperation string

const (
	FileCreate FileOperation = "create"
	FileEdit   FileOperation = "edit"
	FileDelete FileOperation = "delete"
)

// EditedFileInfo describes one file a session changed.
type EditedFileInfo struct {
	Path         string        `json:"path"`
	Operation    FileOperation `json:"operation"`
	Timestamp    time.Time     `json:"timestamp"`
	Tool         string        `json:"tool"`
	Size         *int          `json:"size,omitempty"`
	LinesAdded   *int          `json:"lines_added,omitempty"`
	LinesRemoved *int          `json:"lines_removed,omitempty"`
}

// Bucket is a coarse tool category.
type Bucket string

const (
	BucketRead    Bucket = "read"
	BucketWrite   Bucket = "write"
	BucketExecute Bucket = "execute"
	BucketOther   Bucket = "other"
)

// ToolStats counts tool invocations.
type ToolStats struct {
	Total    int            `json:"total"`
	ByTool   map[string]int `json:"by_tool"`
	ByBucket map[Bucket]int `json:"by_bucket"`
}

// VolumeStats measures output for one chunk type.
type VolumeStats struct {
	Count           int `json:"count"`
	Chars           int `json:"chars"`
	EstimatedTokens int `json:"estimated_tokens"`
}

// Turn is one user-message-delimited segment of a session.
type Turn struct {
	Index          int            `json:"index"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	Duration       time.Duration  `json:"duration,omitempty"`
	Outcome        string         `json:"outcome,omitempty"`
	ToolCalls      map[Bucket]int `json:"tool_calls"`
	FilesEdited    []string       `json:"files_edited,omitempty"`
	UserChars      int            `json:"user_chars"`
	AssistantChars int            `json:"assistant_chars"`
}

// Completed reports whether the turn has an end.
func (t Turn) Completed() bool {
	return t.EndedAt != nil
}

// SessionMetadata is derived entirely from a session's output stream.
type SessionMetadata struct {
	ContextUtilization float64                   `json:"context_utilization"`
	ContextTokens      int                       `json:"context_tokens"`
	EditedFiles        []EditedFileInfo          `json:"edited_files"`
	ToolStats          ToolStats                 `json:"tool_stats"`
	Output             map[ChunkType]VolumeStats `json:"output"`
	Turns              []Turn                    `json:"turns"`
	Usage              TokenUsage                `json:"usage"`
}

// Clone returns a deep copy.
func (m *SessionMetadata) Clone() *SessionMetadata {
	if m == nil {
		return nil
	}
	c := *m
	c.EditedFiles = append([]EditedFileInfo(nil), m.EditedFiles...)
	c.ToolStats.ByTool = make(map[string]int, len(m.ToolStats.ByTool))
	for k, v := range m.ToolStats.ByTool {
		c.ToolStats.ByTool[k] = v
	}
	c.ToolStats.ByBucket = make(map[Bucket]int, len(m.ToolStats.ByBucket))
	for k, v := range m.ToolStats.ByBucket {
		c.ToolStats.ByBucket[k] = v
	}
	c.Output = make(map[ChunkType]VolumeStats, len(m.Output))
	for k, v := range m.Output {
		c.Output[k] = v
	}
	c.Turns = make([]Turn, len(m.Turns))
	for i, t := range m.Turns {
		t.ToolCalls = copyBuckets(t.ToolCalls)
		t.FilesEdited = append([]string(nil), t.FilesEdited...)
		if t.EndedAt != nil {
			e := *t.EndedAt
			t.EndedAt = &e
		}
		c.Turns[i] = t
	}
	return &c
}

func copyBuckets(in map[Bucket]int) map[Bucket]int {
	out := make(map[Bucket]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
