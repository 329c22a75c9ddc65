package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhubert/swarm/internal/engine"
	"github.com/zhubert/swarm/internal/errors"
	"github.com/zhubert/swarm/internal/session"
	"github.com/zhubert/swarm/internal/store"
)

// stderrKeep is how much trailing stderr is kept for failure reports.
const stderrKeep = 8 << 10

type exitResult struct {
	code int
	err  error
}

// run is the session task. It returns once the process has exited and the
// session has been finalized.
func (sv *Supervisor) run(t *task) {
	ctx := context.Background()

	lines := make(chan []byte, 64)
	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		readLines(t.proc.Stdout(), lines)
	}()

	stderr := &tailBuffer{max: stderrKeep}
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		if _, err := io.Copy(stderr, t.proc.Stderr()); err != nil {
			t.log.WithError(err).Debug("error reading stderr")
		}
	}()

	// Wait closes the pipes, so it only runs once both readers hit EOF.
	exitCh := make(chan exitResult, 1)
	go func() {
		<-stdoutDone
		<-stderrDone
		code, err := t.proc.Wait()
		exitCh <- exitResult{code: code, err: err}
	}()

	parser := t.eng.NewParser()
	watchdog := time.NewTimer(sv.cfg.StartTimeout)
	defer watchdog.Stop()

	var (
		in        = lines
		cancelCh  = t.cancelCh
		finishCh  = t.finishCh
		grace     <-chan time.Time
		st        = runState{}
		cancelled bool
		timedOut  bool
	)

	for {
		select {
		case line, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			if sv.handleLine(ctx, t, parser, line, &st) && !st.sawOutput {
				st.sawOutput = true
				watchdog.Stop()
			}

		case p := <-t.prompts:
			sv.deliver(ctx, t, p)

		case <-cancelCh:
			cancelCh = nil
			cancelled = true
			t.log.Debug("sending SIGTERM to process group")
			if err := t.proc.Terminate(); err != nil {
				t.log.WithError(err).Warn("terminate failed")
			}
			grace = time.After(sv.cfg.CancelGrace)

		case <-grace:
			grace = nil
			t.log.Warn("process ignored SIGTERM, killing")
			t.proc.Kill()

		case <-finishCh:
			finishCh = nil
			t.log.Debug("closing stdin")
			t.proc.CloseStdin()

		case <-watchdog.C:
			if !st.sawOutput {
				timedOut = true
				t.log.WithField("timeout", sv.cfg.StartTimeout).Error("no output before start timeout, killing process")
				t.proc.Kill()
			}

		case res := <-exitCh:
			// The reader has finished; anything still buffered is ours.
			for line := range lines {
				if sv.handleLine(ctx, t, parser, line, &st) {
					st.sawOutput = true
				}
			}
			sv.exit(ctx, t, res, st.sawOutput, cancelled, timedOut, stderr.String())
			return
		}
	}
}

// runState is owned by the task goroutine.
type runState struct {
	sawOutput bool
	working   bool
}

// handleLine parses one stdout line and reports whether it produced a chunk.
func (sv *Supervisor) handleLine(ctx context.Context, t *task, parser engine.Parser, line []byte, st *runState) bool {
	events, err := parser.Parse(line)
	if err != nil {
		if !errors.Is(err, errors.KindStreamCorruption) {
			t.log.WithError(err).Warn("parser failed")
		} else {
			t.log.WithError(err).Warn("discarding malformed output")
		}
		c := session.OutputChunk{Type: session.ChunkError, Content: err.Error()}
		sv.emit(ctx, t, c.WithMeta(session.MetaEvent, session.EventStreamCorruption), st)
		return true
	}

	emitted := false
	for _, ev := range events {
		if ev.Chunk != nil {
			sv.emit(ctx, t, *ev.Chunk, st)
			emitted = true
		}
		if ev.Usage != nil {
			sv.emit(ctx, t, session.NewUsageChunk(*ev.Usage), st)
			emitted = true
			if _, err := sv.cfg.Store.Update(t.id, store.Update{AddUsage: ev.Usage}); err != nil && !errors.Is(err, errors.KindAlreadyTerminal) {
				t.log.WithError(err).Debug("failed to record usage")
			}
		}
		if ev.Signal != engine.SignalNone {
			sv.signal(t, ev.Signal)
		}
	}
	return emitted
}

// emit appends engine output, moving the session to working on the first chunk.
func (sv *Supervisor) emit(ctx context.Context, t *task, c session.OutputChunk, st *runState) {
	if !st.working {
		st.working = true
		sv.transition(t, session.StatusWorking)
	}
	if _, err := sv.cfg.Stream.Append(ctx, t.id, c); err != nil {
		t.log.WithError(err).Error("failed to append chunk")
	}
}

func (sv *Supervisor) signal(t *task, sig engine.Signal) {
	switch sig {
	case engine.SignalApproval:
		sv.transition(t, session.StatusWaitingApproval)
	case engine.SignalQuestion:
		sv.transition(t, session.StatusWaitingInput)
	case engine.SignalIdle:
		// One-shot sessions exit right after their turn; idle only means
		// something when another prompt can follow.
		if t.interactive {
			sv.transition(t, session.StatusIdle)
		}
	}
}

// transition applies a non-terminal status change from the task. Edges
// that do not apply from the current status are skipped.
func (sv *Supervisor) transition(t *task, to session.Status) {
	s, err := sv.cfg.Store.Get(t.id)
	if err != nil || s.Status.IsTerminal() || s.Status == to {
		return
	}
	if session.ValidateTransition(s.Status, to) != nil {
		t.log.WithFields(logrus.Fields{"from": s.Status, "to": to}).Debug("ignoring status signal")
		return
	}
	if _, err := sv.cfg.Store.Transition(t.id, to, nil); err != nil && !errors.Is(err, errors.KindAlreadyTerminal) {
		t.log.WithError(err).Warn("status transition failed")
	}
}

// deliver writes a follow-up prompt to the process.
func (sv *Supervisor) deliver(ctx context.Context, t *task, p prompt) {
	data, err := t.eng.EncodeInput(p.text)
	if err != nil {
		t.log.WithError(err).Warn("cannot encode follow-up prompt")
		return
	}
	c := session.OutputChunk{Type: session.ChunkUserMessage, Content: p.text}
	if p.clientID != "" {
		c = c.WithMeta(session.MetaClientMessageID, p.clientID)
	}
	if _, err := sv.cfg.Stream.Append(ctx, t.id, c); err != nil {
		t.log.WithError(err).Error("failed to append user message")
	}
	if err := t.proc.Write(data); err != nil {
		t.log.WithError(err).Warn("failed to deliver prompt")
		if _, err := sv.cfg.Stream.Append(ctx, t.id, session.OutputChunk{Type: session.ChunkError, Content: "prompt not delivered: " + err.Error()}); err != nil {
			t.log.WithError(err).Error("failed to append delivery error")
		}
		return
	}
	sv.transition(t, session.StatusWorking)
}

// exit decides the terminal status and finalizes the session.
func (sv *Supervisor) exit(ctx context.Context, t *task, res exitResult, sawOutput, cancelled, timedOut bool, stderr string) {
	if s, err := sv.cfg.Store.Get(t.id); err == nil && s.Status == session.StatusCancelled {
		cancelled = true
	}

	code := res.code
	var status session.Status
	var detail string
	switch {
	case cancelled:
		status = session.StatusCancelled
	case timedOut:
		status = session.StatusFailed
		detail = errors.ProcessStartTimeout(t.id).Error()
	case res.err != nil:
		status = session.StatusFailed
		detail = res.err.Error()
	case code == 0 && !sawOutput:
		status = session.StatusFailed
		detail = errors.ProcessSpawnFailed(t.id, fmt.Errorf("process exited before producing output")).Error()
	case code == 0:
		status = session.StatusCompleted
	default:
		status = session.StatusFailed
		detail = fmt.Sprintf("exit code %d", code)
		if last := lastLine(stderr); last != "" {
			detail += ": " + last
		}
	}

	if status == session.StatusFailed && strings.TrimSpace(stderr) != "" {
		c := session.OutputChunk{Type: session.ChunkError, Content: strings.TrimSpace(stderr)}
		if _, err := sv.cfg.Stream.Append(ctx, t.id, c.WithMeta(session.MetaEvent, session.EventStderr)); err != nil {
			t.log.WithError(err).Warn("failed to append stderr")
		}
	}

	t.log.WithFields(logrus.Fields{"exitCode": code, "status": status}).Info("process exited")
	sv.finalize(ctx, t.id, status, detail, &code)
}

// finalize appends the end marker, folds metadata, moves the session to
// status (if it is not terminal already) and releases its worktree.
func (sv *Supervisor) finalize(ctx context.Context, id string, status session.Status, detail string, exitCode *int) {
	s, err := sv.cfg.Store.Get(id)
	if err != nil {
		sv.log.WithError(err).WithField("sessionID", id).Error("finalize: session vanished")
		return
	}
	if s.Status.IsTerminal() {
		status = s.Status
	}

	if _, err := sv.cfg.Stream.Append(ctx, id, session.NewSessionEndChunk(status, detail)); err != nil {
		sv.log.WithError(err).WithField("sessionID", id).Error("failed to append end marker")
	}
	md, err := sv.cfg.Store.Fold(ctx, id)
	if err != nil {
		sv.log.WithError(err).WithField("sessionID", id).Warn("failed to fold metadata")
	}

	if s.Status.IsTerminal() {
		sv.cfg.Store.FinalizeMetadata(id, md)
	} else {
		for _, step := range session.PathTo(s.Status, status) {
			final := step == status
			_, err := sv.cfg.Store.Transition(id, step, func(s *session.Session) {
				if !final {
					return
				}
				s.PID = 0
				s.ExitCode = exitCode
				if status == session.StatusFailed {
					s.ErrorMessage = detail
				}
				s.Metadata = md.Clone()
			})
			if errors.Is(err, errors.KindAlreadyTerminal) {
				// Cancelled while we were finishing.
				sv.cfg.Store.FinalizeMetadata(id, md)
				break
			}
			if err != nil {
				sv.log.WithError(err).WithField("sessionID", id).Error("failed to record terminal status")
				break
			}
		}
	}

	if s.WorktreePath != "" && sv.cfg.Worktrees != nil {
		remove := !(s.KeepWorktree || sv.cfg.KeepWorktrees)
		if err := sv.cfg.Worktrees.Release(ctx, id, remove); err != nil {
			sv.log.WithError(err).WithField("sessionID", id).Warn("failed to release worktree")
		}
	}
}

// readLines sends each stdout line (without its newline) until EOF.
func readLines(r io.Reader, out chan<- []byte) {
	defer close(out)
	reader := bufio.NewReaderSize(r, 64<<10)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			out <- bytes.TrimRight(line, "\r\n")
		}
		if err != nil {
			return
		}
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
