package session

import (
	"time"
)

// EventType names a registry lifecycle event.
type EventType string

const (
	EventCreated   EventType = "session_created"
	EventCompleted EventType = "session_completed"
	EventFailed    EventType = "session_failed"
	EventCancelled EventType = "session_cancelled"
)

// TerminalEventFor maps a terminal status to its registry event.
func TerminalEventFor(s Status) (EventType, bool) {
	switch s {
	case StatusCompleted:
		return EventCompleted, true
	case StatusFailed:
		return EventFailed, true
	case StatusCancelled:
		return EventCancelled, true
	}
	return "", false
}

// StatusFor is the inverse of TerminalEventFor; session_created maps to pending.
func (t EventType) StatusFor() Status {
	switch t {
	case EventCompleted:
		return StatusCompleted
	case EventFailed:
		return StatusFailed
	case EventCancelled:
		return StatusCancelled
	}
	return StatusPending
}

// RegistryEvent is one durable lifecycle record.
type RegistryEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	// session_created
	AgentType      AgentType `json:"agent_type,omitempty"`
	Prompt         string    `json:"prompt,omitempty"`
	Model          string    `json:"model,omitempty"`
	WorkingDir     string    `json:"working_dir,omitempty"`
	RepoRoot       string    `json:"repo_root,omitempty"`
	WorktreePath   string    `json:"worktree_path,omitempty"`
	WorktreeBranch string    `json:"worktree_branch,omitempty"`
	TaskPath       string    `json:"task_path,omitempty"`
	Interactive    bool      `json:"interactive,omitempty"`
	KeepWorktree   bool      `json:"keep_worktree,omitempty"`
	Messages       []Message `json:"messages,omitempty"`

	// terminal events
	ExitCode   *int             `json:"exit_code,omitempty"`
	Error      string           `json:"error,omitempty"`
	TokenUsage *TokenUsage      `json:"token_usage,omitempty"`
	Metadata   *SessionMetadata `json:"metadata,omitempty"`
}

// CreatedEvent captures the immutable parts of s.
func CreatedEvent(s *Session) RegistryEvent {
	return RegistryEvent{
		Type:           EventCreated,
		SessionID:      s.ID,
		Timestamp:      s.CreatedAt,
		AgentType:      s.AgentType,
		Prompt:         s.Prompt,
		Model:          s.Model,
		WorkingDir:     s.WorkingDir,
		RepoRoot:       s.RepoRoot,
		WorktreePath:   s.WorktreePath,
		WorktreeBranch: s.WorktreeBranch,
		TaskPath:       s.TaskPath,
		Interactive:    s.Interactive,
		KeepWorktree:   s.KeepWorktree,
		Messages:       s.Messages,
	}
}

// SessionFromCreated rebuilds a pending session from its created event.
func SessionFromCreated(ev RegistryEvent) *Session {
	return &Session{
		ID:             ev.SessionID,
		Prompt:         ev.Prompt,
		AgentType:      ev.AgentType,
		Model:          ev.Model,
		Status:         StatusPending,
		CreatedAt:      ev.Timestamp,
		WorkingDir:     ev.WorkingDir,
		RepoRoot:       ev.RepoRoot,
		WorktreePath:   ev.WorktreePath,
		WorktreeBranch: ev.WorktreeBranch,
		TaskPath:       ev.TaskPath,
		Interactive:    ev.Interactive,
		KeepWorktree:   ev.KeepWorktree,
		Messages:       ev.Messages,
	}
}

// ApplyTerminal copies the outcome recorded in a terminal event onto s.
func (s *Session) ApplyTerminal(ev RegistryEvent) {
	s.Status = ev.Type.StatusFor()
	t := ev.Timestamp
	s.CompletedAt = &t
	if ev.ExitCode != nil {
		code := *ev.ExitCode
		s.ExitCode = &code
	}
	if ev.Error != "" {
		s.ErrorMessage = ev.Error
	}
	if ev.TokenUsage != nil {
		s.TokenUsage = *ev.TokenUsage
	}
	if ev.Metadata != nil {
		s.Metadata = ev.Metadata.Clone()
	}
}
