package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/zhubert/swarm/internal/session"
)

const previewLen = 120

// formatChunk renders one chunk as a single terminal line.
func formatChunk(c session.OutputChunk) string {
	switch c.Type {
	case session.ChunkText:
		return strings.TrimRight(c.Content, "\n")
	case session.ChunkThinking:
		return "(thinking) " + preview(c.Content)
	case session.ChunkUserMessage:
		return "> " + c.Content
	case session.ChunkError:
		return "error: " + preview(c.Content)
	case session.ChunkToolUse:
		call, ok := c.ToolCall()
		if !ok {
			return "→ " + preview(c.Content)
		}
		if arg := toolArgument(call.Input); arg != "" {
			return fmt.Sprintf("→ %s(%s)", call.Name, arg)
		}
		return "→ " + call.Name
	case session.ChunkToolResult:
		res, ok := c.ToolResult()
		if !ok {
			return "← " + preview(c.Content)
		}
		if res.IsError {
			return "← error: " + preview(res.Output)
		}
		return "← " + preview(res.Output)
	case session.ChunkSystem:
		if c.IsSessionEnd() {
			return "── session " + c.Content
		}
		if u, ok := c.Usage(); ok {
			return fmt.Sprintf("   tokens in=%d out=%d", u.InputTokens, u.OutputTokens)
		}
		return "── " + preview(c.Content)
	default:
		return preview(c.Content)
	}
}

// toolArgument picks the most telling argument of a tool call.
func toolArgument(raw json.RawMessage) string {
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return ""
	}
	for _, key := range []string{"file_path", "notebook_path", "path", "command", "pattern", "query", "url"} {
		if v, ok := input[key].(string); ok && v != "" {
			return preview(v)
		}
	}
	return ""
}

func preview(s string) string {
	return truncate(s, previewLen)
}

// printSessions writes a table of sessions.
func printSessions(w io.Writer, sessions []session.Session, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAGENT\tSTATUS\tAGE\tDIR\tPROMPT")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.AgentType, s.Status, age(now.Sub(s.CreatedAt)), s.WorkingDir, truncate(s.Prompt, 40))
	}
	tw.Flush()
}

func printFiles(w io.Writer, files []session.EditedFileInfo) {
	if len(files) == 0 {
		fmt.Fprintln(w, "No files changed.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, f := range files {
		lines := ""
		if f.LinesAdded != nil || f.LinesRemoved != nil {
			lines = fmt.Sprintf("+%d -%d", deref(f.LinesAdded), deref(f.LinesRemoved))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Operation, f.Path, lines)
	}
	tw.Flush()
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}

func age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
