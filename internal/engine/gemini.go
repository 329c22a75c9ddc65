package engine

import (
	"encoding/json"

	"github.com/zhubert/swarm/internal/errors"
	"github.com/zhubert/swarm/internal/session"
)

// GeminiOptions are read from engines.gemini.options.
type GeminiOptions struct {
	Yolo         bool   `yaml:"yolo"`
	ApprovalMode string `yaml:"approval_mode"`
	Sandbox      bool   `yaml:"sandbox"`
}

// Gemini drives `gemini --output-format stream-json` in one-shot mode.
type Gemini struct {
	base
	opts GeminiOptions
}

func (g *Gemini) Type() session.AgentType { return session.AgentGemini }

func (g *Gemini) SupportsInput() bool { return false }

func (g *Gemini) EncodeInput(string) ([]byte, error) {
	return nil, errors.E(errors.Op("engine.EncodeInput"), errors.KindInvalid, "gemini does not accept follow-up input")
}

func (g *Gemini) Command(inv Invocation) (Command, error) {
	args := []string{"--output-format", "stream-json"}
	if m := g.model(inv); m != "" {
		args = append(args, "--model", m)
	}
	if g.opts.Yolo {
		args = append(args, "--yolo")
	} else if g.opts.ApprovalMode != "" {
		args = append(args, "--approval-mode", g.opts.ApprovalMode)
	}
	if g.opts.Sandbox {
		args = append(args, "--sandbox")
	}
	args = append(args, g.cfg.Args...)
	args = append(args, "--prompt", inv.Prompt)
	return Command{Path: g.Binary(), Args: args, Env: g.env(), Dir: inv.WorkingDir}, nil
}

func (g *Gemini) NewParser() Parser { return geminiParser{} }

type geminiEvent struct {
	Type       string          `json:"type"`
	Model      string          `json:"model"`
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolName   string          `json:"tool_name"`
	ToolID     string          `json:"tool_id"`
	Parameters json.RawMessage `json:"parameters"`
	Status     string          `json:"status"`
	Output     string          `json:"output"`
	Message    string          `json:"message"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	Stats *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		Cached       int `json:"cached"`
	} `json:"stats"`
}

type geminiParser struct{}

func (geminiParser) Parse(line []byte) ([]Event, error) {
	line, ok := frame(line)
	if !ok {
		return rawText(line), nil
	}
	var ev geminiEvent
	if err := decodeFrame(line, &ev); err != nil {
		return nil, err
	}

	switch ev.Type {
	case "":
		return nil, corrupt(line)
	case "init":
		c := session.OutputChunk{Type: session.ChunkSystem, Content: "init"}
		if ev.Model != "" {
			c = c.WithMeta(session.MetaModel, ev.Model)
		}
		return []Event{chunkEvent(c)}, nil
	case "message":
		// The prompt is echoed back as a user message; it is already in the stream.
		if ev.Role != "assistant" || ev.Content == "" {
			return nil, nil
		}
		return []Event{textEvent(session.ChunkText, ev.Content)}, nil
	case "tool_use":
		return []Event{chunkEvent(session.NewToolUseChunk(session.ToolCall{
			ID: ev.ToolID, Name: ev.ToolName, Input: ev.Parameters,
		}))}, nil
	case "tool_result":
		output := ev.Output
		if ev.Error != nil && output == "" {
			output = ev.Error.Message
		}
		return []Event{chunkEvent(session.NewToolResultChunk(session.ToolResult{
			ToolUseID: ev.ToolID,
			Output:    output,
			IsError:   ev.Status == "error",
		}))}, nil
	case "error":
		return []Event{textEvent(session.ChunkError, ev.Message)}, nil
	case "result":
		var events []Event
		if ev.Status == "error" {
			msg := "gemini reported an error"
			if ev.Error != nil && ev.Error.Message != "" {
				msg = ev.Error.Message
			}
			events = append(events, textEvent(session.ChunkError, msg))
		}
		if s := ev.Stats; s != nil {
			events = append(events, Event{Usage: &session.TokenUsage{
				InputTokens:     max(s.InputTokens-s.Cached, 0),
				OutputTokens:    s.OutputTokens,
				CacheReadTokens: s.Cached,
			}})
		}
		return events, nil
	}
	return nil, nil
}
