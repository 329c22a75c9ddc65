// Package supervisor runs agent processes and drives session status from
// what they print.
//
// Each session gets one task goroutine. The task is the only writer of that
// session's output stream and the only place the process is signalled; the
// public methods deliver requests into it over channels. Its suspension
// points are the next output line, the next follow-up prompt, a cancel or
// finish request, the start watchdog and cancel grace timers, and process
// exit.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhubert/swarm/internal/engine"
	"github.com/zhubert/swarm/internal/errors"
	"github.com/zhubert/swarm/internal/logger"
	"github.com/zhubert/swarm/internal/session"
	"github.com/zhubert/swarm/internal/store"
	"github.com/zhubert/swarm/internal/stream"
	"github.com/zhubert/swarm/internal/worktree"
)

// Defaults for Config's zero values.
const (
	DefaultStartTimeout = 60 * time.Second
	DefaultCancelGrace  = 5 * time.Second
)

// EngineFactory resolves the adapter for an agent type.
type EngineFactory func(session.AgentType) (engine.Engine, error)

// Config wires a Supervisor.
type Config struct {
	Store     *store.Store
	Stream    stream.Store
	Worktrees *worktree.Manager
	Launcher  Launcher
	Engines   EngineFactory

	StartTimeout time.Duration
	CancelGrace  time.Duration
	// KeepWorktrees keeps every worktree on disk after its session ends.
	KeepWorktrees bool
}

// Supervisor owns the running agent processes.
type Supervisor struct {
	cfg Config
	log *logrus.Entry

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

// New returns a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.Launcher == nil {
		cfg.Launcher = ExecLauncher{}
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	return &Supervisor{
		cfg:   cfg,
		log:   logger.WithComponent("supervisor"),
		tasks: make(map[string]*task),
	}
}

type prompt struct {
	text     string
	clientID string
}

type task struct {
	id          string
	eng         engine.Engine
	interactive bool
	proc        Process
	log         *logrus.Entry

	prompts    chan prompt
	cancelCh   chan struct{}
	cancelOnce sync.Once
	finishCh   chan struct{}
	finishOnce sync.Once
	// ready is closed once eng, interactive and proc are set.
	ready chan struct{}
	done  chan struct{}
}

func (t *task) requestCancel() { t.cancelOnce.Do(func() { close(t.cancelCh) }) }
func (t *task) requestFinish() { t.finishOnce.Do(func() { close(t.finishCh) }) }

func (t *task) cancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

// Start launches the agent for a pending session. The initial prompt is
// appended to the stream as a user_message carrying clientMessageID.
//
// The task is registered before anything else so a concurrent Cancel always
// finds it; from then on Start owns finalization until the run loop takes
// over.
func (sv *Supervisor) Start(ctx context.Context, sessionID, clientMessageID string) error {
	t := &task{
		id:       sessionID,
		log:      logger.WithSession(sessionID).WithField("component", "supervisor"),
		prompts:  make(chan prompt, 16),
		cancelCh: make(chan struct{}),
		finishCh: make(chan struct{}),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	s, err := sv.register(t)
	if err != nil {
		return err
	}
	log := t.log

	eng, err := sv.cfg.Engines(s.AgentType)
	if err != nil {
		sv.abort(ctx, t, err)
		return err
	}
	interactive := s.Interactive && eng.SupportsInput()
	cmd, err := eng.Command(engine.Invocation{
		SessionID:   s.ID,
		Prompt:      composePrompt(s.Messages, s.Prompt),
		WorkingDir:  s.WorkingDir,
		Model:       s.Model,
		Interactive: interactive,
	})
	if err != nil {
		sv.abort(ctx, t, err)
		return err
	}
	t.eng = eng
	t.interactive = interactive

	if t.cancelled() {
		log.Info("cancelled before the process started")
		sv.abort(ctx, t, nil)
		return nil
	}

	first := session.OutputChunk{Type: session.ChunkUserMessage, Content: s.Prompt}
	if clientMessageID != "" {
		first = first.WithMeta(session.MetaClientMessageID, clientMessageID)
	}
	if _, err := sv.cfg.Stream.Append(ctx, sessionID, first); err != nil {
		sv.abort(ctx, t, err)
		return err
	}

	log.WithFields(logrus.Fields{"command": cmd.Path, "args": strings.Join(cmd.Args, " "), "dir": cmd.Dir}).Debug("starting process")
	startTime := time.Now()
	proc, err := sv.cfg.Launcher.Launch(ctx, cmd)
	if err != nil {
		spawnErr := errors.ProcessSpawnFailed(sessionID, err)
		sv.abort(ctx, t, spawnErr)
		return spawnErr
	}
	t.proc = proc
	close(t.ready)

	pid := proc.PID()
	now := time.Now()
	if _, err := sv.cfg.Store.Update(sessionID, store.Update{PID: &pid, StartedAt: &now}); err != nil && !errors.Is(err, errors.KindAlreadyTerminal) {
		log.WithError(err).Warn("failed to record pid")
	}
	log.WithFields(logrus.Fields{"pid": pid, "elapsed": time.Since(startTime)}).Info("process started")

	if len(cmd.Stdin) > 0 {
		if err := proc.Write(cmd.Stdin); err != nil {
			log.WithError(err).Warn("failed to write initial input")
		}
	}
	if !cmd.KeepStdinOpen {
		proc.CloseStdin()
	}

	go func() {
		defer sv.wg.Done()
		defer sv.forget(sessionID)
		defer close(t.done)
		sv.run(t)
	}()
	return nil
}

// register adds t under sv.mu after checking the session is still pending.
// Cancel transitions under the same lock, so it either sees t or wins and
// finalizes the session itself.
func (sv *Supervisor) register(t *task) (*session.Session, error) {
	op := errors.Op("supervisor.Start")
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if _, running := sv.tasks[t.id]; running {
		return nil, errors.E(op, errors.KindInvalid, fmt.Sprintf("session %s is already running", t.id))
	}
	s, err := sv.cfg.Store.Get(t.id)
	if err != nil {
		return nil, err
	}
	if s.Status.IsTerminal() {
		return s, errors.SessionTerminal(t.id, string(s.Status))
	}
	if s.Status != session.StatusPending {
		return nil, errors.E(op, errors.KindInvalid, fmt.Sprintf("session %s is %s, not pending", t.id, s.Status))
	}
	sv.tasks[t.id] = t
	sv.wg.Add(1)
	return s, nil
}

// abort finishes a registered task whose process never ran. A nil cause
// means the session was cancelled while starting.
func (sv *Supervisor) abort(ctx context.Context, t *task, cause error) {
	status := session.StatusCancelled
	detail := ""
	if cause != nil {
		status = session.StatusFailed
		detail = cause.Error()
		t.log.WithError(cause).Error("failed to start agent")
		if !t.cancelled() {
			if _, err := sv.cfg.Stream.Append(ctx, t.id, session.OutputChunk{Type: session.ChunkError, Content: detail}); err != nil {
				t.log.WithError(err).Warn("failed to append start error")
			}
		}
	}
	sv.finalize(ctx, t.id, status, detail, nil)
	sv.forget(t.id)
	close(t.done)
	sv.wg.Done()
}

func (sv *Supervisor) forget(id string) {
	sv.mu.Lock()
	delete(sv.tasks, id)
	sv.mu.Unlock()
}

func (sv *Supervisor) lookup(id string) *task {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.tasks[id]
}

// Running reports whether sessionID has a live task.
func (sv *Supervisor) Running(sessionID string) bool {
	return sv.lookup(sessionID) != nil
}

// Done returns a channel closed when sessionID's task has finished. It is
// already closed for sessions without a task.
func (sv *Supervisor) Done(sessionID string) <-chan struct{} {
	if t := sv.lookup(sessionID); t != nil {
		return t.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Cancel stops a session. The status flips to cancelled immediately; the
// process is sent SIGTERM and, after the grace period, SIGKILL. Cancelling a
// terminal session returns it unchanged.
func (sv *Supervisor) Cancel(ctx context.Context, sessionID string) (*session.Session, error) {
	// Transition and lookup happen under sv.mu so a task Start registers
	// concurrently is either seen here or sees the cancelled status.
	sv.mu.Lock()
	s, err := sv.cfg.Store.Transition(sessionID, session.StatusCancelled, func(s *session.Session) {
		s.PID = 0
	})
	var t *task
	if err == nil {
		t = sv.tasks[sessionID]
	}
	sv.mu.Unlock()

	if errors.Is(err, errors.KindAlreadyTerminal) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	sv.log.WithField("sessionID", sessionID).Info("session cancelled")

	if t != nil {
		t.requestCancel()
		return s, nil
	}
	// No process: nothing will append the end marker unless we do.
	sv.finalize(ctx, sessionID, session.StatusCancelled, "", nil)
	return sv.cfg.Store.Get(sessionID)
}

// Send delivers a follow-up prompt to an interactive session.
func (sv *Supervisor) Send(sessionID, text, clientMessageID string) error {
	s, err := sv.cfg.Store.Get(sessionID)
	if err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		return errors.SessionTerminal(sessionID, string(s.Status))
	}
	t := sv.lookup(sessionID)
	if t == nil {
		return errors.E(errors.Op("supervisor.Send"), errors.KindInvalid, fmt.Sprintf("session %s has no running process", sessionID))
	}
	select {
	case <-t.ready:
	case <-t.done:
		return errors.E(errors.Op("supervisor.Send"), errors.KindInvalid, fmt.Sprintf("session %s has exited", sessionID))
	}
	if !t.interactive {
		return errors.E(errors.Op("supervisor.Send"), errors.KindInvalid, fmt.Sprintf("session %s does not accept follow-up input", sessionID))
	}
	select {
	case t.prompts <- prompt{text: text, clientID: clientMessageID}:
		return nil
	case <-t.done:
		return errors.E(errors.Op("supervisor.Send"), errors.KindInvalid, fmt.Sprintf("session %s has exited", sessionID))
	}
}

// Finish closes an interactive session's input so the agent can exit once
// it is done.
func (sv *Supervisor) Finish(sessionID string) error {
	t := sv.lookup(sessionID)
	if t == nil {
		if _, err := sv.cfg.Store.Get(sessionID); err != nil {
			return err
		}
		return nil
	}
	t.requestFinish()
	return nil
}

// Shutdown cancels every running session and waits for their tasks.
func (sv *Supervisor) Shutdown(ctx context.Context) error {
	sv.mu.Lock()
	ids := make([]string, 0, len(sv.tasks))
	for id := range sv.tasks {
		ids = append(ids, id)
	}
	sv.mu.Unlock()

	for _, id := range ids {
		sv.Cancel(ctx, id)
	}

	done := make(chan struct{})
	go func() {
		sv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// composePrompt prefixes prior conversation so one-shot engines see it.
func composePrompt(history []session.Message, prompt string) string {
	if len(history) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString("Previous conversation:\n\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n\n", m.Role, m.Content)
	}
	b.WriteString("Current request:\n\n")
	b.WriteString(prompt)
	return b.String()
}
