// Package engine adapts the supported agent CLIs to swarm's output stream.
//
// Every engine launches its CLI in a streaming JSON mode and parses stdout
// one line at a time. A Parser carries per-session state (for example usage
// deduplication) and is not safe for concurrent use.
package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"unicode/utf8"

	"github.com/zhubert/swarm/internal/config"
	"github.com/zhubert/swarm/internal/errors"
	"github.com/zhubert/swarm/internal/session"
)

// Signal is an engine-level status hint carried next to output.
type Signal int

const (
	SignalNone Signal = iota
	// SignalApproval means the agent is blocked on a plan or permission approval.
	SignalApproval
	// SignalQuestion means the agent asked the user something.
	SignalQuestion
	// SignalIdle means the agent finished a turn and awaits another prompt.
	SignalIdle
)

func (s Signal) String() string {
	switch s {
	case SignalApproval:
		return "approval"
	case SignalQuestion:
		return "question"
	case SignalIdle:
		return "idle"
	default:
		return "none"
	}
}

// Event is one parsed unit of engine output. Any combination of the fields
// may be set.
type Event struct {
	Chunk  *session.OutputChunk
	Signal Signal
	Usage  *session.TokenUsage
}

// Invocation describes the session an engine is launched for.
type Invocation struct {
	SessionID   string
	Prompt      string
	WorkingDir  string
	Model       string
	Interactive bool
}

// Command is a fully resolved process launch.
type Command struct {
	Path string
	Args []string
	// Env entries ("KEY=value") added on top of the parent environment.
	Env []string
	Dir string
	// Stdin is written once the process starts.
	Stdin []byte
	// KeepStdinOpen leaves stdin open after Stdin is written so follow-up
	// prompts can be sent.
	KeepStdinOpen bool
}

// Parser turns stdout lines into events.
type Parser interface {
	// Parse handles one line. A line that is not a JSON frame becomes a raw
	// text chunk; a malformed frame returns a KindStreamCorruption error.
	Parse(line []byte) ([]Event, error)
}

// Engine is one agent CLI.
type Engine interface {
	Type() session.AgentType
	// Binary is the executable that must be on PATH.
	Binary() string
	Command(inv Invocation) (Command, error)
	NewParser() Parser
	// SupportsInput reports whether follow-up prompts can be written to stdin.
	SupportsInput() bool
	EncodeInput(text string) ([]byte, error)
}

// New builds the engine for t from its config overrides.
func New(t session.AgentType, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	ec := cfg.GetEngine(string(t))
	switch t {
	case session.AgentClaude:
		e := &Claude{base: base{cfg: ec, binary: "claude"}}
		if err := cfg.DecodeEngineOptions(string(t), &e.opts); err != nil {
			return nil, errors.E(errors.Op("engine.New"), errors.KindConfig, err)
		}
		return e, nil
	case session.AgentCodex:
		e := &Codex{base: base{cfg: ec, binary: "codex"}}
		if err := cfg.DecodeEngineOptions(string(t), &e.opts); err != nil {
			return nil, errors.E(errors.Op("engine.New"), errors.KindConfig, err)
		}
		return e, nil
	case session.AgentGemini:
		e := &Gemini{base: base{cfg: ec, binary: "gemini"}}
		if err := cfg.DecodeEngineOptions(string(t), &e.opts); err != nil {
			return nil, errors.E(errors.Op("engine.New"), errors.KindConfig, err)
		}
		return e, nil
	default:
		return nil, errors.E(errors.Op("engine.New"), errors.KindInvalid, fmt.Sprintf("unknown agent type %q", t))
	}
}

// Check reports whether e's binary can be found.
func Check(e Engine) error {
	if _, err := exec.LookPath(e.Binary()); err != nil {
		return errors.CLINotFound(e.Binary())
	}
	return nil
}

// base holds what every engine shares: the configured overrides.
type base struct {
	cfg    config.EngineConfig
	binary string
}

func (b base) Binary() string {
	if b.cfg.Command != "" {
		return b.cfg.Command
	}
	return b.binary
}

func (b base) model(inv Invocation) string {
	if inv.Model != "" {
		return inv.Model
	}
	return b.cfg.Model
}

func (b base) env() []string {
	env := make([]string, 0, len(b.cfg.Env))
	for k, v := range b.cfg.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// frame trims line and reports whether it looks like a JSON object.
func frame(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	return line, len(line) > 0 && line[0] == '{'
}

func rawText(line []byte) []Event {
	if len(line) == 0 {
		return nil
	}
	return []Event{chunkEvent(session.OutputChunk{Type: session.ChunkText, Content: string(line)})}
}

func decodeFrame(line []byte, v any) error {
	if err := json.Unmarshal(line, v); err != nil {
		return corrupt(line)
	}
	return nil
}

func corrupt(line []byte) error {
	return errors.StreamCorrupted(truncate(string(line), 200))
}

func chunkEvent(c session.OutputChunk) Event {
	return Event{Chunk: &c}
}

func textEvent(t session.ChunkType, content string) Event {
	return chunkEvent(session.OutputChunk{Type: t, Content: content})
}

// flattenContent renders a tool result payload that may be a JSON string or
// an array of {type, text} blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var buf bytes.Buffer
		for i, b := range blocks {
			if i > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(b.Text)
		}
		return buf.String()
	}
	return string(raw)
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}
