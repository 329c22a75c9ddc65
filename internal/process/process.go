// Package process finds agent CLI processes that outlived the swarm server
// that started them.
package process

import (
	"context"
	stderrors "errors"
	osexec "os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	pexec "github.com/zhubert/swarm/internal/exec"
	"github.com/zhubert/swarm/internal/logger"
)

// sessionFlags carry the session id on an agent's command line.
var sessionFlags = []string{"--session-id", "--resume"}

// AgentProcess is a running agent CLI found on the system.
type AgentProcess struct {
	PID       int
	Command   string
	SessionID string
}

// Finder lists and kills agent processes.
type Finder struct {
	ex  pexec.CommandExecutor
	log *logrus.Entry
}

// NewFinder returns a Finder running pgrep, ps and kill through ex.
func NewFinder(ex pexec.CommandExecutor) *Finder {
	if ex == nil {
		ex = pexec.NewRealExecutor()
	}
	return &Finder{ex: ex, log: logger.WithComponent("process")}
}

// List returns the processes whose command line carries a session id.
// Unsupported platforms report none.
func (f *Finder) List(ctx context.Context) ([]AgentProcess, error) {
	if runtime.GOOS != "darwin" && runtime.GOOS != "linux" {
		return nil, nil
	}

	out, err := f.ex.Output(ctx, "", "pgrep", "-f", "--", "--session-id")
	if err != nil {
		// pgrep exits 1 when nothing matches
		var exitErr *osexec.ExitError
		if stderrors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}

	var procs []AgentProcess
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		args, err := f.ex.Output(ctx, "", "ps", "-p", field, "-o", "args=")
		if err != nil {
			continue
		}
		cmdLine := strings.TrimSpace(string(args))
		id := extractSessionID(cmdLine)
		if id == "" {
			continue
		}
		procs = append(procs, AgentProcess{PID: pid, Command: cmdLine, SessionID: id})
	}
	f.log.WithField("count", len(procs)).Debug("found agent processes")
	return procs, nil
}

// extractSessionID reads the value of the first session flag in cmdLine.
func extractSessionID(cmdLine string) string {
	for _, flag := range sessionFlags {
		_, after, ok := strings.Cut(cmdLine, flag)
		if !ok {
			continue
		}
		fields := strings.Fields(strings.TrimLeft(after, " ="))
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// Kill sends SIGKILL to pid.
func (f *Finder) Kill(ctx context.Context, pid int) error {
	_, err := f.ex.CombinedOutput(ctx, "", "kill", "-9", strconv.Itoa(pid))
	return err
}

// Reap kills every listed process whose session stale reports true and
// returns how many were killed. Processes of unknown sessions are left
// alone; they may belong to another tool.
func (f *Finder) Reap(ctx context.Context, stale func(sessionID string) bool) (int, error) {
	procs, err := f.List(ctx)
	if err != nil {
		return 0, err
	}
	killed := 0
	for _, p := range procs {
		if !stale(p.SessionID) {
			continue
		}
		log := f.log.WithFields(logrus.Fields{"pid": p.PID, "sessionID": p.SessionID})
		if err := f.Kill(ctx, p.PID); err != nil {
			log.WithError(err).Warn("failed to kill orphaned agent process")
			continue
		}
		log.Info("killed orphaned agent process")
		killed++
	}
	return killed, nil
}
