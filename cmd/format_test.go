package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/swarm/internal/session"
)

func TestFormatChunk(t *testing.T) {
	input, _ := json.Marshal(map[string]any{"file_path": "README.md", "content": "# hi"})

	tests := []struct {
		name  string
		chunk session.OutputChunk
		want  string
	}{
		{"text", session.OutputChunk{Type: session.ChunkText, Content: "Done.\n"}, "Done."},
		{"user message", session.OutputChunk{Type: session.ChunkUserMessage, Content: "add README"}, "> add README"},
		{"tool use with path", session.NewToolUseChunk(session.ToolCall{ID: "1", Name: "Write", Input: input}), "→ Write(README.md)"},
		{"tool use without argument", session.NewToolUseChunk(session.ToolCall{Name: "TodoWrite"}), "→ TodoWrite"},
		{"tool result", session.NewToolResultChunk(session.ToolResult{Output: "ok"}), "← ok"},
		{"tool error", session.NewToolResultChunk(session.ToolResult{Output: "denied", IsError: true}), "← error: denied"},
		{"error", session.OutputChunk{Type: session.ChunkError, Content: "boom"}, "error: boom"},
		{"usage", session.NewUsageChunk(session.TokenUsage{InputTokens: 10, OutputTokens: 5}), "   tokens in=10 out=5"},
		{"session end", session.NewSessionEndChunk(session.StatusFailed, "exit code 3"), "── session failed: exit code 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatChunk(tt.chunk); got != tt.want {
				t.Errorf("formatChunk() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"collapse   inner\nwhitespace", 40, "collapse inner whitespace"},
		{"abcdefghij", 5, "abcd…"},
		{"héllo wörld", 6, "héllo…"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestAge(t *testing.T) {
	tests := map[time.Duration]string{
		42 * time.Second: "42s",
		5 * time.Minute:  "5m",
		3 * time.Hour:    "3h",
	}
	for d, want := range tests {
		if got := age(d); got != want {
			t.Errorf("age(%v) = %q, want %q", d, got, want)
		}
	}
}

func TestPrintFiles(t *testing.T) {
	var buf bytes.Buffer
	printFiles(&buf, nil)
	if !strings.Contains(buf.String(), "No files changed") {
		t.Errorf("empty output = %q", buf.String())
	}

	added := 3
	buf.Reset()
	printFiles(&buf, []session.EditedFileInfo{{Path: "README.md", Operation: session.FileCreate, LinesAdded: &added}})
	out := buf.String()
	if !strings.Contains(out, "README.md") || !strings.Contains(out, "+3 -0") {
		t.Errorf("output = %q", out)
	}
}

func TestTailOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tests := map[int]int64{0: 0, 1: 8, 2: 4, 10: 0}
	for n, want := range tests {
		got, err := tailOffset(path, n)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("tailOffset(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestStyleChunkKeepsText(t *testing.T) {
	chunks := []session.OutputChunk{
		{Type: session.ChunkUserMessage, Content: "hi"},
		{Type: session.ChunkError, Content: "boom"},
		session.NewSessionEndChunk(session.StatusCompleted, ""),
	}
	for _, c := range chunks {
		line := formatChunk(c)
		if got := styleChunk(c, line); !strings.Contains(got, line) {
			t.Errorf("styleChunk(%s) = %q, lost %q", c.Type, got, line)
		}
	}
}
