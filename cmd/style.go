package cmd

import (
	"fmt"
	"io"
	"os"

	"charm.land/lipgloss/v2"
	"github.com/mattn/go-isatty"

	"github.com/zhubert/swarm/internal/session"
)

var (
	colorMuted   = lipgloss.Color("#6C7086")
	colorTool    = lipgloss.Color("#89B4FA")
	colorUser    = lipgloss.Color("#F5C2E7")
	colorError   = lipgloss.Color("#F38BA8")
	colorSuccess = lipgloss.Color("#A6E3A1")
	colorWarning = lipgloss.Color("#F9E2AF")

	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)
	toolStyle  = lipgloss.NewStyle().Foreground(colorTool)
	userStyle  = lipgloss.NewStyle().Foreground(colorUser).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(colorError)
)

// useColor is decided once; NO_COLOR and non-terminal stdout disable it.
var useColor = os.Getenv("NO_COLOR") == "" && isatty.IsTerminal(os.Stdout.Fd())

func statusStyle(status string) lipgloss.Style {
	switch session.Status(status) {
	case session.StatusCompleted:
		return lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	case session.StatusFailed:
		return lipgloss.NewStyle().Foreground(colorError).Bold(true)
	case session.StatusCancelled:
		return lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	default:
		return mutedStyle
	}
}

// styleChunk colors a formatted chunk line by chunk type.
func styleChunk(c session.OutputChunk, line string) string {
	switch c.Type {
	case session.ChunkUserMessage:
		return userStyle.Render(line)
	case session.ChunkToolUse:
		return toolStyle.Render(line)
	case session.ChunkThinking, session.ChunkToolResult:
		return mutedStyle.Render(line)
	case session.ChunkError:
		return errorStyle.Render(line)
	case session.ChunkSystem:
		if c.IsSessionEnd() {
			return statusStyle(c.Meta(session.MetaStatus)).Render(line)
		}
		return mutedStyle.Render(line)
	}
	return line
}

// printChunk writes one chunk line, colored when w is the terminal.
func printChunk(w io.Writer, c session.OutputChunk) {
	line := formatChunk(c)
	if useColor && w == os.Stdout {
		line = styleChunk(c, line)
	}
	fmt.Fprintln(w, line)
}
