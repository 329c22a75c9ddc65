package metadata

import (
	"github.com/zhubert/swarm/internal/session"
)

// defaultBuckets covers the tool names emitted by the supported engines.
// Anything absent falls into the other bucket.
var defaultBuckets = map[string]session.Bucket{
	// claude
	"Read":         session.BucketRead,
	"Glob":         session.BucketRead,
	"Grep":         session.BucketRead,
	"LS":           session.BucketRead,
	"NotebookRead": session.BucketRead,
	"WebFetch":     session.BucketRead,
	"WebSearch":    session.BucketRead,
	"Write":        session.BucketWrite,
	"Edit":         session.BucketWrite,
	"MultiEdit":    session.BucketWrite,
	"NotebookEdit": session.BucketWrite,
	"Bash":         session.BucketExecute,
	"BashOutput":   session.BucketExecute,
	"KillShell":    session.BucketExecute,

	// gemini
	"read_file":           session.BucketRead,
	"read_many_files":     session.BucketRead,
	"list_directory":      session.BucketRead,
	"glob":                session.BucketRead,
	"search_file_content": session.BucketRead,
	"google_web_search":   session.BucketRead,
	"web_fetch":           session.BucketRead,
	"write_file":          session.BucketWrite,
	"replace":             session.BucketWrite,
	"run_shell_command":   session.BucketExecute,

	// codex
	"file_change":       session.BucketWrite,
	"command_execution": session.BucketExecute,
	"web_search":        session.BucketRead,
}

// Taxonomy classifies tool names into buckets. The zero value uses the
// built-in table.
type Taxonomy struct {
	overrides map[string]session.Bucket
}

// NewTaxonomy layers overrides (tool name -> bucket name) on the built-in
// table. Unknown bucket names are ignored; config validation rejects them
// before they get here.
func NewTaxonomy(overrides map[string]string) *Taxonomy {
	t := &Taxonomy{overrides: make(map[string]session.Bucket, len(overrides))}
	for tool, bucket := range overrides {
		switch b := session.Bucket(bucket); b {
		case session.BucketRead, session.BucketWrite, session.BucketExecute, session.BucketOther:
			t.overrides[tool] = b
		}
	}
	return t
}

// Bucket returns the bucket for tool.
func (t *Taxonomy) Bucket(tool string) session.Bucket {
	if t != nil {
		if b, ok := t.overrides[tool]; ok {
			return b
		}
	}
	if b, ok := defaultBuckets[tool]; ok {
		return b
	}
	return session.BucketOther
}
