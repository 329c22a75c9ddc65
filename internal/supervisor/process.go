package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/zhubert/swarm/internal/engine"
	"github.com/zhubert/swarm/internal/errors"
)

// Process is a running engine CLI.
type Process interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Write sends bytes to stdin.
	Write(p []byte) error
	// CloseStdin signals end of input. Safe to call more than once.
	CloseStdin() error
	// Terminate asks the process group to exit.
	Terminate() error
	// Kill forces the process group down.
	Kill() error
	// Wait blocks until exit. It must only be called after Stdout and Stderr
	// have been read to EOF. A non-nil error means the exit status could not
	// be determined.
	Wait() (exitCode int, err error)
}

// Launcher starts processes.
type Launcher interface {
	Launch(ctx context.Context, cmd engine.Command) (Process, error)
}

// ExecLauncher runs commands as child processes in their own process group.
type ExecLauncher struct{}

// Launch starts cmd. The process outlives ctx; its lifetime is managed
// through Terminate and Kill.
func (ExecLauncher) Launch(ctx context.Context, c engine.Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := exec.LookPath(c.Path)
	if err != nil {
		return nil, errors.CLINotFound(c.Path)
	}

	cmd := exec.Command(path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	configureProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu          sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool
}

func (p *execProcess) PID() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdinClosed {
		return fmt.Errorf("stdin already closed")
	}
	if _, err := p.stdin.Write(b); err != nil {
		return fmt.Errorf("failed to write to process: %w", err)
	}
	return nil
}

func (p *execProcess) CloseStdin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdinClosed {
		return nil
	}
	p.stdinClosed = true
	return p.stdin.Close()
}

func (p *execProcess) Terminate() error { return terminateGroup(p.cmd) }
func (p *execProcess) Kill() error      { return killGroup(p.cmd) }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
