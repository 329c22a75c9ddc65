package session

import (
	"time"
)

// AgentType is the closed set of supported agent engines.
type AgentType string

const (
	AgentClaude AgentType = "claude"
	AgentCodex  AgentType = "codex"
	AgentGemini AgentType = "gemini"
)

// AgentTypes lists every supported engine.
var AgentTypes = []AgentType{AgentClaude, AgentCodex, AgentGemini}

// Valid reports whether a is a supported engine.
func (a AgentType) Valid() bool {
	for _, known := range AgentTypes {
		if a == known {
			return true
		}
	}
	return false
}

// TokenUsage accumulates token counts reported by an engine.
type TokenUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// Add folds other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
}

// Total is input plus output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Message is one prior conversation turn, or a prompt the client has sent
// but not yet seen echoed in the stream.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Session is one agent run.
type Session struct {
	ID             string           `json:"id"`
	Prompt         string           `json:"prompt"`
	AgentType      AgentType        `json:"agent_type"`
	Model          string           `json:"model,omitempty"`
	Status         Status           `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	PID            int              `json:"pid,omitempty"`
	WorkingDir     string           `json:"working_dir"`
	RepoRoot       string           `json:"repo_root,omitempty"`
	WorktreePath   string           `json:"worktree_path,omitempty"`
	WorktreeBranch string           `json:"worktree_branch,omitempty"`
	TokenUsage     TokenUsage       `json:"token_usage"`
	ExitCode       *int             `json:"exit_code,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	Messages       []Message        `json:"messages,omitempty"`
	TaskPath       string           `json:"task_path,omitempty"`
	Interactive    bool             `json:"interactive,omitempty"`
	KeepWorktree   bool             `json:"keep_worktree,omitempty"`
	Metadata       *SessionMetadata `json:"metadata,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.ExitCode != nil {
		code := *s.ExitCode
		c.ExitCode = &code
	}
	if s.Messages != nil {
		c.Messages = append([]Message(nil), s.Messages...)
	}
	if s.Metadata != nil {
		c.Metadata = s.Metadata.Clone()
	}
	return &c
}

// Isolated reports whether the session runs in its own worktree.
func (s *Session) Isolated() bool {
	return s.WorktreePath != ""
}

// Duration is the wall time from creation to completion, or to now while running.
func (s *Session) Duration(now time.Time) time.Duration {
	end := now
	if s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	return end.Sub(s.CreatedAt)
}

// Worktree is an isolated checkout assigned to one session.
type Worktree struct {
	SessionID string `json:"session_id"`
	RepoRoot  string `json:"repo_root"`
	Path      string `json:"path"`
	Branch    string `json:"branch"`
}
