// Package errors provides structured error types for swarm.
// These errors carry the operation that failed and a Kind that callers
// branch on instead of matching strings.
package errors

import (
	"errors"
	"fmt"
)

// Op describes an operation, usually as "package.function".
type Op string

// Kind categorizes the type of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyTerminal
	KindProcessSpawn
	KindWorktree
	KindStreamCorruption
	KindTimeout
	KindInvalid
	KindIO
	KindConfig
	KindGit
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyTerminal:
		return "already terminal"
	case KindProcessSpawn:
		return "process spawn error"
	case KindWorktree:
		return "worktree error"
	case KindStreamCorruption:
		return "stream corruption"
	case KindTimeout:
		return "timeout"
	case KindInvalid:
		return "invalid"
	case KindIO:
		return "I/O error"
	case KindConfig:
		return "configuration error"
	case KindGit:
		return "git error"
	default:
		return "unknown error"
	}
}

// Error is the structured error type for swarm.
type Error struct {
	Op      Op     // Operation that failed
	Kind    Kind   // Category of error
	Err     error  // Underlying error
	Context string // Additional context
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Context, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// E creates a new Error. Arguments can be:
// - Op: the operation name
// - Kind: the error kind
// - string: context message
// - error: the underlying error
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Kind:
			e.Kind = a
		case string:
			e.Context = a
		case error:
			e.Err = a
		}
	}
	if e.Err == nil {
		e.Err = errors.New(e.Context)
		e.Context = ""
	}
	return e
}

// Is reports whether err is of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// GetKind returns the Kind of an error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Session errors
func SessionNotFound(id string) error {
	return E(Op("store.Get"), KindNotFound, fmt.Sprintf("session %s not found", id))
}

func SessionTerminal(id, status string) error {
	return E(Op("store.Update"), KindAlreadyTerminal, fmt.Sprintf("session %s is already %s", id, status))
}

func InvalidTransition(id, from, to string) error {
	return E(Op("store.Transition"), KindInvalid, fmt.Sprintf("session %s: cannot transition from %s to %s", id, from, to))
}

// Process errors
func ProcessSpawnFailed(sessionID string, err error) error {
	return E(Op("supervisor.Start"), KindProcessSpawn, fmt.Sprintf("failed to start agent for session %s", sessionID), err)
}

func ProcessStartTimeout(sessionID string) error {
	return E(Op("supervisor.Start"), KindTimeout, fmt.Sprintf("agent for session %s produced no output before the start timeout", sessionID))
}

// Worktree errors
func WorktreeFailed(branch string, err error) error {
	return E(Op("worktree.Ensure"), KindWorktree, fmt.Sprintf("failed to create worktree for branch %s", branch), err)
}

func NotARepo(path string) error {
	return E(Op("worktree.Ensure"), KindWorktree, fmt.Sprintf("%s is not a git repository", path))
}

// GitFailed reports a git command that exited non-zero. output is its
// trimmed stderr (or combined output) when available.
func GitFailed(op Op, command, output string, err error) error {
	msg := "git " + command
	if output != "" {
		msg += ": " + output
	}
	return E(op, KindGit, msg, err)
}

// Stream errors
func StreamCorrupted(line string) error {
	return E(Op("engine.Parse"), KindStreamCorruption, fmt.Sprintf("malformed event: %s", line))
}

// Config errors
func ConfigLoadFailed(path string, err error) error {
	return E(Op("config.Load"), KindConfig, fmt.Sprintf("failed to load config from %s", path), err)
}

func ConfigInvalid(reason string) error {
	return E(Op("config.Validate"), KindInvalid, reason)
}

// CLI prerequisite errors
func CLINotFound(name string) error {
	return E(Op("engine.Check"), KindNotFound, fmt.Sprintf("required CLI tool '%s' not found in PATH", name))
}
