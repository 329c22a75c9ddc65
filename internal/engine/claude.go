package engine

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/zhubert/swarm/internal/session"
)

// ClaudeOptions are read from engines.claude.options.
type ClaudeOptions struct {
	PermissionMode     string   `yaml:"permission_mode"`
	AllowedTools       []string `yaml:"allowed_tools"`
	SkipPermissions    bool     `yaml:"skip_permissions"`
	AppendSystemPrompt string   `yaml:"append_system_prompt"`
	MCPConfig          string   `yaml:"mcp_config"`
}

// Claude drives `claude --print` with stream-json on both stdin and stdout.
type Claude struct {
	base
	opts ClaudeOptions
}

func (c *Claude) Type() session.AgentType { return session.AgentClaude }

func (c *Claude) SupportsInput() bool { return true }

// Command builds the launch. The prompt goes in over stdin as the first
// stream-json user message.
func (c *Claude) Command(inv Invocation) (Command, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	// claude only accepts UUID session ids.
	if _, err := uuid.Parse(inv.SessionID); err == nil {
		args = append(args, "--session-id", inv.SessionID)
	}
	if m := c.model(inv); m != "" {
		args = append(args, "--model", m)
	}
	if c.opts.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	} else if c.opts.PermissionMode != "" {
		args = append(args, "--permission-mode", c.opts.PermissionMode)
	}
	for _, tool := range c.opts.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	if c.opts.MCPConfig != "" {
		args = append(args, "--mcp-config", c.opts.MCPConfig)
	}
	if c.opts.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", c.opts.AppendSystemPrompt)
	}
	args = append(args, c.cfg.Args...)

	stdin, err := c.EncodeInput(inv.Prompt)
	if err != nil {
		return Command{}, err
	}
	return Command{
		Path:          c.Binary(),
		Args:          args,
		Env:           c.env(),
		Dir:           inv.WorkingDir,
		Stdin:         stdin,
		KeepStdinOpen: inv.Interactive,
	}, nil
}

type claudeInput struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// EncodeInput frames text as one stream-json user message.
func (c *Claude) EncodeInput(text string) ([]byte, error) {
	var msg claudeInput
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = append(msg.Message.Content, struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "text", Text: text})
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (c *Claude) NewParser() Parser {
	return &claudeParser{seenMessages: make(map[string]bool)}
}

// claudeMessage is one line of claude's stream-json output.
type claudeMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Model   string `json:"model"`
	Message struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Content []struct {
			Type      string          `json:"type"`
			ID        string          `json:"id"`
			Text      string          `json:"text"`
			Thinking  string          `json:"thinking"`
			Name      string          `json:"name"`
			Input     json.RawMessage `json:"input"`
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content"`
			IsError   bool            `json:"is_error"`
		} `json:"content"`
		Usage *claudeUsage `json:"usage"`
	} `json:"message"`
	Result  string   `json:"result"`
	IsError bool     `json:"is_error"`
	Errors  []string `json:"errors"`
}

type claudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// Tools whose invocation means the agent is waiting on the user.
const (
	claudeAskTool      = "AskUserQuestion"
	claudeExitPlanTool = "ExitPlanMode"
)

type claudeParser struct {
	// claude repeats the same usage on every content block of one API
	// message, so usage is taken once per message id.
	seenMessages map[string]bool
}

func (p *claudeParser) Parse(line []byte) ([]Event, error) {
	line, ok := frame(line)
	if !ok {
		return rawText(line), nil
	}
	var msg claudeMessage
	if err := decodeFrame(line, &msg); err != nil {
		return nil, err
	}

	var events []Event
	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			c := session.OutputChunk{Type: session.ChunkSystem, Content: "init"}
			if msg.Model != "" {
				c = c.WithMeta(session.MetaModel, msg.Model)
			}
			events = append(events, chunkEvent(c))
		}

	case "assistant":
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, textEvent(session.ChunkText, block.Text))
				}
			case "thinking":
				if block.Thinking != "" {
					events = append(events, textEvent(session.ChunkThinking, block.Thinking))
				}
			case "tool_use":
				ev := chunkEvent(session.NewToolUseChunk(session.ToolCall{ID: block.ID, Name: block.Name, Input: block.Input}))
				switch block.Name {
				case claudeAskTool:
					ev.Signal = SignalQuestion
				case claudeExitPlanTool:
					ev.Signal = SignalApproval
				}
				events = append(events, ev)
			}
		}
		if u := msg.Message.Usage; u != nil && msg.Message.ID != "" && !p.seenMessages[msg.Message.ID] {
			p.seenMessages[msg.Message.ID] = true
			events = append(events, Event{Usage: &session.TokenUsage{
				InputTokens:         u.InputTokens,
				OutputTokens:        u.OutputTokens,
				CacheReadTokens:     u.CacheReadInputTokens,
				CacheCreationTokens: u.CacheCreationInputTokens,
			}})
		}

	case "user":
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" && block.ToolUseID == "" {
				continue
			}
			events = append(events, chunkEvent(session.NewToolResultChunk(session.ToolResult{
				ToolUseID: block.ToolUseID,
				Output:    flattenContent(block.Content),
				IsError:   block.IsError,
			})))
		}

	case "result":
		if msg.IsError || strings.HasPrefix(msg.Subtype, "error") {
			detail := msg.Result
			if detail == "" && len(msg.Errors) > 0 {
				detail = strings.Join(msg.Errors, "; ")
			}
			if detail == "" {
				detail = msg.Subtype
			}
			events = append(events, textEvent(session.ChunkError, detail))
		}
		events = append(events, Event{Signal: SignalIdle})

	case "":
		return nil, corrupt(line)
	}
	return events, nil
}
