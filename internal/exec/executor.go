// Package exec abstracts running external commands so git plumbing can be
// exercised against a scripted executor in tests.
package exec

import (
	"bytes"
	"context"
	"fmt"
	osexec "os/exec"
	"strings"
)

// CommandExecutor runs a command in dir and reports its output.
type CommandExecutor interface {
	// Run returns stdout and stderr separately.
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error)
	// Output returns stdout only.
	Output(ctx context.Context, dir, name string, args ...string) ([]byte, error)
	// CombinedOutput returns stdout and stderr interleaved.
	CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// RealExecutor runs commands with os/exec.
type RealExecutor struct{}

// NewRealExecutor returns an executor backed by os/exec.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

func (RealExecutor) command(ctx context.Context, dir, name string, args ...string) *osexec.Cmd {
	cmd := osexec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd
}

func (r RealExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := r.command(ctx, dir, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (r RealExecutor) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return r.command(ctx, dir, name, args...).Output()
}

func (r RealExecutor) CombinedOutput(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return r.command(ctx, dir, name, args...).CombinedOutput()
}

var _ CommandExecutor = RealExecutor{}

// FormatCommand renders name and args for log lines.
func FormatCommand(name string, args ...string) string {
	return strings.TrimSpace(fmt.Sprintf("%s %s", name, strings.Join(args, " ")))
}
