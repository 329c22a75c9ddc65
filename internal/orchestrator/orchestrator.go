// Package orchestrator is the single entry point to swarm's core. One
// Orchestrator owns the registry, the output stream, the session store, the
// worktree manager and the process supervisor; transports and the CLI only
// talk to it.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zhubert/swarm/internal/config"
	"github.com/zhubert/swarm/internal/engine"
	"github.com/zhubert/swarm/internal/errors"
	"github.com/zhubert/swarm/internal/logger"
	"github.com/zhubert/swarm/internal/metadata"
	"github.com/zhubert/swarm/internal/paths"
	"github.com/zhubert/swarm/internal/pending"
	"github.com/zhubert/swarm/internal/process"
	"github.com/zhubert/swarm/internal/registry"
	"github.com/zhubert/swarm/internal/session"
	"github.com/zhubert/swarm/internal/store"
	"github.com/zhubert/swarm/internal/stream"
	"github.com/zhubert/swarm/internal/supervisor"
	"github.com/zhubert/swarm/internal/worktree"
)

// SpawnParams describes a spawn request. Only Prompt is required for a new
// session; SessionID continues an existing one.
type SpawnParams struct {
	Prompt     string            `json:"prompt"`
	WorkingDir string            `json:"working_dir,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	AgentType  session.AgentType `json:"agent_type,omitempty"`
	Model      string            `json:"model,omitempty"`
	TaskPath   string            `json:"task_path,omitempty"`
	// Isolate runs the session in its own worktree. A TaskPath implies it.
	Isolate      bool              `json:"isolate,omitempty"`
	KeepWorktree bool              `json:"keep_worktree,omitempty"`
	Interactive  bool              `json:"interactive,omitempty"`
	Messages     []session.Message `json:"messages,omitempty"`
	// ClientMessageID tags the prompt's user_message chunk for reconciliation.
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// Descriptor is what Spawn returns.
type Descriptor struct {
	SessionID      string            `json:"session_id"`
	Status         session.Status    `json:"status"`
	AgentType      session.AgentType `json:"agent_type"`
	WorkingDir     string            `json:"working_dir"`
	WorktreePath   string            `json:"worktree_path,omitempty"`
	WorktreeBranch string            `json:"worktree_branch,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	// FollowUp is set when the prompt went to an already running session.
	FollowUp bool `json:"follow_up,omitempty"`
}

func describe(s *session.Session) Descriptor {
	return Descriptor{
		SessionID:      s.ID,
		Status:         s.Status,
		AgentType:      s.AgentType,
		WorkingDir:     s.WorkingDir,
		WorktreePath:   s.WorktreePath,
		WorktreeBranch: s.WorktreeBranch,
		CreatedAt:      s.CreatedAt,
	}
}

// Option overrides one of the Orchestrator's collaborators.
type Option func(*Orchestrator)

// WithRegistry uses reg instead of the registry file in the data directory.
func WithRegistry(reg registry.Registry) Option {
	return func(o *Orchestrator) { o.registry = reg }
}

// WithStream uses st instead of the SQLite database in the data directory.
func WithStream(st stream.Store) Option {
	return func(o *Orchestrator) { o.stream = st }
}

// WithWorktrees uses m instead of a manager built from config.
func WithWorktrees(m *worktree.Manager) Option {
	return func(o *Orchestrator) { o.worktrees = m }
}

// WithLauncher sets how agent processes are started.
func WithLauncher(l supervisor.Launcher) Option {
	return func(o *Orchestrator) { o.launcher = l }
}

// WithProcessFinder replaces the finder used to reap leftover agent processes.
func WithProcessFinder(f *process.Finder) Option {
	return func(o *Orchestrator) { o.procs = f }
}

// WithEngines overrides engine resolution.
func WithEngines(f supervisor.EngineFactory) Option {
	return func(o *Orchestrator) { o.engines = f }
}

// Orchestrator is the core's facade.
type Orchestrator struct {
	cfg *config.Config
	log *logrus.Entry

	registry  registry.Registry
	stream    stream.Store
	worktrees *worktree.Manager
	launcher  supervisor.Launcher
	engines   supervisor.EngineFactory
	procs     *process.Finder

	store *store.Store
	sv    *supervisor.Supervisor

	// closers are the collaborators this instance opened itself.
	closers []func() error
}

// New builds an Orchestrator. Collaborators not supplied as options are
// opened under cfg.DataDir.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := &Orchestrator{cfg: cfg, log: logger.WithComponent("orchestrator")}
	for _, opt := range opts {
		opt(o)
	}

	if o.registry == nil || o.stream == nil {
		if err := paths.EnsureDir(cfg.DataDir); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	if o.registry == nil {
		reg, err := registry.Open(paths.RegistryFile(cfg.DataDir))
		if err != nil {
			return nil, errors.E(errors.Op("orchestrator.New"), errors.KindIO, err)
		}
		o.registry = reg
		o.closers = append(o.closers, reg.Close)
	}
	if o.stream == nil {
		st, err := stream.Open(paths.StreamDB(cfg.DataDir), stream.WithMaxWait(cfg.TailMaxWait.D()))
		if err != nil {
			o.Close(context.Background())
			return nil, errors.E(errors.Op("orchestrator.New"), errors.KindIO, err)
		}
		o.stream = st
		o.closers = append(o.closers, st.Close)
	}
	if o.worktrees == nil {
		o.worktrees = worktree.New(
			worktree.WithBaseDir(cfg.WorktreeDir),
			worktree.WithBranchPrefix(cfg.BranchPrefix),
		)
	}
	if o.procs == nil {
		o.procs = process.NewFinder(nil)
	}
	if o.engines == nil {
		o.engines = func(t session.AgentType) (engine.Engine, error) {
			return engine.New(t, cfg)
		}
	}

	agg := metadata.New(metadata.NewTaxonomy(cfg.GetTaxonomy()), cfg.ContextWindow)
	o.store = store.New(o.registry, o.stream, agg)
	o.sv = supervisor.New(supervisor.Config{
		Store:         o.store,
		Stream:        o.stream,
		Worktrees:     o.worktrees,
		Launcher:      o.launcher,
		Engines:       o.engines,
		StartTimeout:  cfg.StartTimeout.D(),
		CancelGrace:   cfg.CancelGrace.D(),
		KeepWorktrees: cfg.KeepWorktrees,
	})
	return o, nil
}

// ApplyConfig picks up the settings that may change while running.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) {
	o.store.Aggregator().SetTaxonomy(metadata.NewTaxonomy(cfg.GetTaxonomy()))
	if err := logger.SetLevel(cfg.GetLogLevel()); err != nil {
		o.log.WithError(err).Warn("ignoring invalid log level")
	}
	o.log.Info("configuration reloaded")
}

// Spawn creates and starts a session, or continues an existing one.
//
// For an existing SessionID: a terminal session is returned as is, and a
// live interactive session receives Prompt as a follow-up. If the agent
// cannot be started the failed session's descriptor is returned together
// with the error.
func (o *Orchestrator) Spawn(ctx context.Context, p SpawnParams) (Descriptor, error) {
	if p.SessionID != "" {
		return o.continueSession(p)
	}
	if p.Prompt == "" {
		return Descriptor{}, errors.E(errors.Op("orchestrator.Spawn"), errors.KindInvalid, "prompt is required")
	}

	agent := p.AgentType
	if agent == "" {
		agent = session.AgentType(o.cfg.DefaultAgent)
	}
	if !agent.Valid() {
		return Descriptor{}, errors.E(errors.Op("orchestrator.Spawn"), errors.KindInvalid, fmt.Sprintf("unknown agent type %q", agent))
	}

	dir, err := resolveDir(p.WorkingDir)
	if err != nil {
		return Descriptor{}, err
	}

	s := &session.Session{
		ID:           uuid.NewString(),
		Prompt:       p.Prompt,
		AgentType:    agent,
		Model:        p.Model,
		WorkingDir:   dir,
		Messages:     p.Messages,
		TaskPath:     p.TaskPath,
		Interactive:  p.Interactive,
		KeepWorktree: p.KeepWorktree,
	}
	log := o.log.WithField("sessionID", s.ID)

	if p.Isolate || p.TaskPath != "" {
		o.isolate(ctx, s, log)
	}

	if err := o.store.Create(s); err != nil {
		if s.WorktreePath != "" {
			o.worktrees.Release(ctx, s.ID, true)
		}
		return Descriptor{}, err
	}
	log.WithFields(logrus.Fields{"agent": agent, "dir": s.WorkingDir}).Info("session created")

	startErr := o.sv.Start(ctx, s.ID, p.ClientMessageID)
	if errors.Is(startErr, errors.KindAlreadyTerminal) {
		// Cancelled before the agent launched; the descriptor says so.
		log.WithError(startErr).Info("session ended before start")
		startErr = nil
	}
	current, err := o.store.Get(s.ID)
	if err != nil {
		return Descriptor{}, err
	}
	return describe(current), startErr
}

// isolate points s at a fresh worktree. Any failure leaves the session on
// the repository root (or the requested directory outside a repository).
func (o *Orchestrator) isolate(ctx context.Context, s *session.Session, log *logrus.Entry) {
	root, err := o.worktrees.RepoRoot(ctx, s.WorkingDir)
	if err != nil {
		log.WithError(err).Warn("isolation requested outside a git repository, using working directory")
		return
	}
	s.RepoRoot = root

	wt, err := o.worktrees.Ensure(ctx, s.ID, root)
	if err != nil {
		log.WithError(err).Warn("worktree creation failed, falling back to repository root")
		s.WorkingDir = root
		return
	}
	s.WorkingDir = wt.Path
	s.WorktreePath = wt.Path
	s.WorktreeBranch = wt.Branch
}

func (o *Orchestrator) continueSession(p SpawnParams) (Descriptor, error) {
	s, err := o.store.Get(p.SessionID)
	if err != nil {
		return Descriptor{}, err
	}
	if s.Status.IsTerminal() {
		return describe(s), nil
	}
	if p.Prompt == "" {
		return describe(s), nil
	}
	if err := o.sv.Send(s.ID, p.Prompt, p.ClientMessageID); err != nil {
		return Descriptor{}, err
	}
	d := describe(s)
	d.FollowUp = true
	return d, nil
}

func resolveDir(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", errors.E(errors.Op("orchestrator.Spawn"), errors.KindIO, err)
		}
		dir = wd
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.E(errors.Op("orchestrator.Spawn"), errors.KindInvalid, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", errors.E(errors.Op("orchestrator.Spawn"), errors.KindInvalid, fmt.Sprintf("working directory %s does not exist", abs))
	}
	return abs, nil
}

// GetSession returns a session by id.
func (o *Orchestrator) GetSession(id string) (*session.Session, error) {
	return o.store.Get(id)
}

// ListSessions returns the sessions matching f, oldest first.
func (o *Orchestrator) ListSessions(f store.Filter) []*session.Session {
	return o.store.List(f)
}

// Cancel stops a session. Cancelling a terminal session returns it unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*session.Session, error) {
	return o.sv.Cancel(ctx, id)
}

// Send delivers a follow-up prompt to an interactive session.
func (o *Orchestrator) Send(id, text, clientMessageID string) error {
	if text == "" {
		return errors.E(errors.Op("orchestrator.Send"), errors.KindInvalid, "message is empty")
	}
	return o.sv.Send(id, text, clientMessageID)
}

// Finish closes an interactive session's input.
func (o *Orchestrator) Finish(id string) error {
	return o.sv.Finish(id)
}

// Done is closed once the session's process has exited and been finalized.
func (o *Orchestrator) Done(id string) <-chan struct{} {
	return o.sv.Done(id)
}

// TailOutput returns the session's chunks from offset from.
func (o *Orchestrator) TailOutput(ctx context.Context, id string, from int) ([]session.OutputChunk, error) {
	if err := o.checkTail(id, from); err != nil {
		return nil, err
	}
	return o.stream.Tail(ctx, id, from)
}

// WaitOutput long-polls for chunks at or past from, waiting at most wait
// (capped by tail_max_wait).
func (o *Orchestrator) WaitOutput(ctx context.Context, id string, from int, wait time.Duration) ([]session.OutputChunk, error) {
	if err := o.checkTail(id, from); err != nil {
		return nil, err
	}
	if max := o.cfg.TailMaxWait.D(); wait > max {
		wait = max
	}
	return o.stream.Wait(ctx, id, from, wait)
}

// OutputChanged returns a channel closed on the session's next append.
func (o *Orchestrator) OutputChanged(id string) <-chan struct{} {
	return o.stream.Changed(id)
}

func (o *Orchestrator) checkTail(id string, from int) error {
	if from < 0 {
		return errors.E(errors.Op("orchestrator.TailOutput"), errors.KindInvalid, "offset must not be negative")
	}
	_, err := o.store.Get(id)
	return err
}

// DisplayOutput merges the session's stream with messages a client has sent
// but not yet seen confirmed.
func (o *Orchestrator) DisplayOutput(ctx context.Context, id string, unconfirmed []session.Message) ([]pending.DisplayItem, error) {
	chunks, err := o.TailOutput(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	return pending.MergeForDisplay(chunks, unconfirmed), nil
}

// GetChangedFiles returns the files the session's agent edited.
func (o *Orchestrator) GetChangedFiles(ctx context.Context, id string) ([]session.EditedFileInfo, error) {
	return o.store.ChangedFiles(ctx, id)
}

// ReplayRegistry returns every recorded lifecycle event.
func (o *Orchestrator) ReplayRegistry() ([]session.RegistryEvent, error) {
	return o.registry.Replay()
}

// Rebuild restores sessions from the registry. With recoverOrphans, sessions
// a previous process left running are failed and their worktrees released;
// otherwise live worktrees are re-registered.
func (o *Orchestrator) Rebuild(ctx context.Context, recoverOrphans bool) (store.RebuildStats, error) {
	stats, err := o.store.Rebuild(ctx, store.RebuildOptions{RecoverOrphans: recoverOrphans})
	if err != nil {
		return stats, err
	}

	for _, s := range o.store.List(store.Filter{}) {
		orphaned := recoverOrphans && s.Status == session.StatusFailed && s.ErrorMessage == store.OrphanReason
		if s.WorktreePath == "" || (s.Status.IsTerminal() && !orphaned) {
			continue
		}
		if _, statErr := os.Stat(s.WorktreePath); statErr != nil {
			continue
		}
		wt := session.Worktree{Path: s.WorktreePath, Branch: s.WorktreeBranch, SessionID: s.ID, RepoRoot: s.RepoRoot}
		if err := o.worktrees.Adopt(wt); err != nil {
			o.log.WithError(err).WithField("sessionID", s.ID).Warn("cannot re-register worktree")
			continue
		}
		if orphaned {
			remove := !(s.KeepWorktree || o.cfg.KeepWorktrees)
			if err := o.worktrees.Release(ctx, s.ID, remove); err != nil {
				o.log.WithError(err).WithField("sessionID", s.ID).Warn("failed to release orphaned worktree")
			}
		}
	}

	if recoverOrphans && stats.Orphans > 0 {
		if _, err := o.ReapProcesses(ctx); err != nil {
			o.log.WithError(err).Warn("cannot look for leftover agent processes")
		}
	}

	o.log.WithFields(logrus.Fields{
		"events":   stats.Events,
		"sessions": stats.Sessions,
		"orphans":  stats.Orphans,
	}).Info("rebuilt session store")
	return stats, nil
}

// RepoRoot returns the top of the git repository containing dir.
func (o *Orchestrator) RepoRoot(ctx context.Context, dir string) (string, error) {
	return o.worktrees.RepoRoot(ctx, dir)
}

// ReapProcesses kills agent processes still running for sessions that are
// already terminal, typically left behind by a crashed server.
func (o *Orchestrator) ReapProcesses(ctx context.Context) (int, error) {
	return o.procs.Reap(ctx, func(id string) bool {
		s, err := o.store.Get(id)
		return err == nil && s.Status.IsTerminal()
	})
}

// PruneWorktrees removes worktrees under swarm's worktree directory that no
// live session owns. It returns how many were removed.
func (o *Orchestrator) PruneWorktrees(ctx context.Context, repoRoots ...string) int {
	known := make(map[string]bool)
	roots := make(map[string]bool)
	for _, r := range repoRoots {
		roots[r] = true
	}
	for _, s := range o.store.List(store.Filter{}) {
		if s.RepoRoot != "" {
			roots[s.RepoRoot] = true
		}
		if !s.Status.IsTerminal() || s.KeepWorktree || o.cfg.KeepWorktrees {
			known[s.ID] = true
		}
	}
	list := make([]string, 0, len(roots))
	for r := range roots {
		list = append(list, r)
	}
	orphans := o.worktrees.FindOrphans(list, known)
	return o.worktrees.PruneOrphans(ctx, orphans)
}

// Close cancels running sessions, waits for them to finalize and closes
// what New opened.
func (o *Orchestrator) Close(ctx context.Context) error {
	var firstErr error
	if o.sv != nil {
		if err := o.sv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.closers = nil
	return firstErr
}
