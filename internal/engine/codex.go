package engine

import (
	"encoding/json"

	"github.com/zhubert/swarm/internal/errors"
	"github.com/zhubert/swarm/internal/session"
)

// CodexOptions are read from engines.codex.options.
type CodexOptions struct {
	Sandbox  string `yaml:"sandbox"`
	FullAuto bool   `yaml:"full_auto"`
	Profile  string `yaml:"profile"`
}

// Codex drives `codex exec --json`. It reads its prompt from argv and takes
// no follow-up input.
type Codex struct {
	base
	opts CodexOptions
}

func (c *Codex) Type() session.AgentType { return session.AgentCodex }

func (c *Codex) SupportsInput() bool { return false }

func (c *Codex) EncodeInput(string) ([]byte, error) {
	return nil, errors.E(errors.Op("engine.EncodeInput"), errors.KindInvalid, "codex does not accept follow-up input")
}

func (c *Codex) Command(inv Invocation) (Command, error) {
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if inv.WorkingDir != "" {
		args = append(args, "--cd", inv.WorkingDir)
	}
	if m := c.model(inv); m != "" {
		args = append(args, "--model", m)
	}
	if c.opts.FullAuto {
		args = append(args, "--full-auto")
	} else if c.opts.Sandbox != "" {
		args = append(args, "--sandbox", c.opts.Sandbox)
	}
	if c.opts.Profile != "" {
		args = append(args, "--profile", c.opts.Profile)
	}
	args = append(args, c.cfg.Args...)
	args = append(args, "--", inv.Prompt)
	return Command{Path: c.Binary(), Args: args, Env: c.env(), Dir: inv.WorkingDir}, nil
}

func (c *Codex) NewParser() Parser {
	return &codexParser{started: make(map[string]bool)}
}

type codexEvent struct {
	Type     string     `json:"type"`
	ThreadID string     `json:"thread_id"`
	Message  string     `json:"message"`
	Item     *codexItem `json:"item"`
	Usage    *struct {
		InputTokens       int `json:"input_tokens"`
		CachedInputTokens int `json:"cached_input_tokens"`
		OutputTokens      int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type codexItem struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	Text             string `json:"text"`
	Command          string `json:"command"`
	AggregatedOutput string `json:"aggregated_output"`
	ExitCode         *int   `json:"exit_code"`
	Status           string `json:"status"`
	Changes          []struct {
		Path string `json:"path"`
		Kind string `json:"kind"`
	} `json:"changes"`
	Server  string `json:"server"`
	Tool    string `json:"tool"`
	Query   string `json:"query"`
	Message string `json:"message"`
}

type codexParser struct {
	// item ids whose tool_use chunk was already emitted by item.started.
	started map[string]bool
}

func (p *codexParser) Parse(line []byte) ([]Event, error) {
	line, ok := frame(line)
	if !ok {
		return rawText(line), nil
	}
	var ev codexEvent
	if err := decodeFrame(line, &ev); err != nil {
		return nil, err
	}

	switch ev.Type {
	case "":
		return nil, corrupt(line)
	case "thread.started":
		c := session.OutputChunk{Type: session.ChunkSystem, Content: "thread started"}
		return []Event{chunkEvent(c.WithMeta("thread_id", ev.ThreadID))}, nil
	case "item.started", "item.updated":
		if ev.Item == nil {
			return nil, nil
		}
		return p.toolUse(ev.Item), nil
	case "item.completed":
		if ev.Item == nil {
			return nil, nil
		}
		return p.completed(ev.Item), nil
	case "turn.completed":
		if ev.Usage == nil {
			return nil, nil
		}
		// codex counts cached tokens inside input_tokens.
		input := max(ev.Usage.InputTokens-ev.Usage.CachedInputTokens, 0)
		return []Event{{Usage: &session.TokenUsage{
			InputTokens:     input,
			OutputTokens:    ev.Usage.OutputTokens,
			CacheReadTokens: ev.Usage.CachedInputTokens,
		}}}, nil
	case "turn.failed":
		msg := "turn failed"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return []Event{textEvent(session.ChunkError, msg)}, nil
	case "error":
		return []Event{textEvent(session.ChunkError, ev.Message)}, nil
	}
	return nil, nil
}

func (p *codexParser) toolUse(item *codexItem) []Event {
	if p.started[item.ID] {
		return nil
	}
	var input any
	switch item.Type {
	case "command_execution":
		input = map[string]any{"command": item.Command}
	case "file_change":
		input = map[string]any{"changes": item.Changes}
	case "mcp_tool_call":
		input = map[string]any{"server": item.Server, "tool": item.Tool}
	case "web_search":
		input = map[string]any{"query": item.Query}
	default:
		return nil
	}
	raw, _ := json.Marshal(input)
	p.started[item.ID] = true
	name := item.Type
	if item.Type == "mcp_tool_call" && item.Tool != "" {
		name = item.Tool
	}
	return []Event{chunkEvent(session.NewToolUseChunk(session.ToolCall{ID: item.ID, Name: name, Input: raw}))}
}

func (p *codexParser) completed(item *codexItem) []Event {
	switch item.Type {
	case "agent_message":
		if item.Text == "" {
			return nil
		}
		return []Event{textEvent(session.ChunkText, item.Text)}
	case "reasoning":
		if item.Text == "" {
			return nil
		}
		return []Event{textEvent(session.ChunkThinking, item.Text)}
	case "error":
		return []Event{textEvent(session.ChunkError, item.Message)}
	}

	events := p.toolUse(item)
	if len(events) == 0 && !p.started[item.ID] {
		return nil
	}
	isError := item.Status == "failed" || (item.ExitCode != nil && *item.ExitCode != 0)
	output := item.AggregatedOutput
	if output == "" {
		output = item.Status
	}
	events = append(events, chunkEvent(session.NewToolResultChunk(session.ToolResult{
		ToolUseID: item.ID,
		Output:    output,
		IsError:   isError,
	})))
	return events
}
