// Package worktree allocates an isolated git worktree per session.
//
// Given a repository at /path/to/repo, a session's worktree lives at
//
//	/path/to/.swarm-worktrees/repo/<session-id>/
//
// on branch swarm/<session-id>. When that branch or directory is already
// taken, a numeric suffix (-2, -3, ...) is appended to both. Creation is
// serialized per repository because concurrent `git worktree add` calls
// race on the repository's index and ref locks; different repositories
// proceed in parallel.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhubert/swarm/internal/errors"
	pexec "github.com/zhubert/swarm/internal/exec"
	"github.com/zhubert/swarm/internal/logger"
	"github.com/zhubert/swarm/internal/session"
)

// DirName is the sibling directory that holds worktrees when no base
// directory is configured.
const DirName = ".swarm-worktrees"

// DefaultRetryBackoff is the pause before the single retry of a failed
// creation.
const DefaultRetryBackoff = 250 * time.Millisecond

// maxSuffix bounds the collision search.
const maxSuffix = 100

// transientMarkers identify git failures caused by lock contention with
// another git process, which are worth one retry.
var transientMarkers = []string{
	"index.lock",
	"could not lock",
	"cannot lock ref",
	"unable to create",
	"resource temporarily unavailable",
	"another git process",
}

// Manager tracks which session holds which worktree.
type Manager struct {
	exec         pexec.CommandExecutor
	log          *logrus.Entry
	baseDir      string
	branchPrefix string
	retryBackoff time.Duration

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
	byID      map[string]session.Worktree
	byPath    map[string]string
}

// Option configures a Manager.
type Option func(*Manager)

// WithExecutor replaces the git command runner.
func WithExecutor(e pexec.CommandExecutor) Option {
	return func(m *Manager) { m.exec = e }
}

// WithBaseDir puts every worktree under dir instead of next to its repo.
func WithBaseDir(dir string) Option {
	return func(m *Manager) { m.baseDir = dir }
}

// WithBranchPrefix sets the prefix for generated branch names.
func WithBranchPrefix(prefix string) Option {
	return func(m *Manager) { m.branchPrefix = prefix }
}

// WithRetryBackoff sets the pause before retrying a transient failure.
func WithRetryBackoff(d time.Duration) Option {
	return func(m *Manager) { m.retryBackoff = d }
}

// New returns a Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		exec:         pexec.NewRealExecutor(),
		log:          logger.WithComponent("worktree"),
		branchPrefix: "swarm/",
		retryBackoff: DefaultRetryBackoff,
		repoLocks:    make(map[string]*sync.Mutex),
		byID:         make(map[string]session.Worktree),
		byPath:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) repoLock(repoRoot string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.repoLocks[repoRoot]
	if !ok {
		l = &sync.Mutex{}
		m.repoLocks[repoRoot] = l
	}
	return l
}

// WorktreesDir returns the directory holding worktrees for repoRoot.
func (m *Manager) WorktreesDir(repoRoot string) string {
	base := m.baseDir
	if base == "" {
		base = filepath.Join(filepath.Dir(repoRoot), DirName)
	}
	return filepath.Join(base, filepath.Base(repoRoot))
}

// RepoRoot resolves the top level of the repository containing path.
func (m *Manager) RepoRoot(ctx context.Context, path string) (string, error) {
	out, err := m.exec.Output(ctx, path, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		return "", errors.NotARepo(path)
	}
	return strings.TrimSpace(string(out)), nil
}

// Ensure returns the worktree for sessionID, creating it if needed.
func (m *Manager) Ensure(ctx context.Context, sessionID, repoRoot string) (session.Worktree, error) {
	if wt, ok := m.Lookup(sessionID); ok {
		if _, err := os.Stat(wt.Path); err == nil {
			return wt, nil
		}
		m.log.WithFields(logrus.Fields{"sessionID": sessionID, "path": wt.Path}).Warn("registered worktree vanished, recreating")
		m.unregister(sessionID)
	}

	root, err := m.RepoRoot(ctx, repoRoot)
	if err != nil {
		return session.Worktree{}, err
	}

	lock := m.repoLock(root)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	branch, path, err := m.pickNames(ctx, root, sessionID)
	if err != nil {
		return session.Worktree{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return session.Worktree{}, errors.WorktreeFailed(branch, err)
	}

	log := m.log.WithFields(logrus.Fields{"sessionID": sessionID, "branch": branch, "path": path})
	log.Debug("creating worktree")

	if err := m.add(ctx, root, branch, path); err != nil {
		if !isTransient(err) {
			log.WithError(err).Error("worktree creation failed")
			return session.Worktree{}, errors.WorktreeFailed(branch, err)
		}
		log.WithError(err).Warn("transient worktree failure, retrying once")
		select {
		case <-time.After(m.retryBackoff):
		case <-ctx.Done():
			return session.Worktree{}, errors.WorktreeFailed(branch, ctx.Err())
		}
		// A half-finished attempt may have left the branch behind.
		if m.branchExists(ctx, root, branch) {
			if _, _, err := m.exec.Run(ctx, root, "git", "branch", "-D", branch); err != nil {
				log.WithError(err).Debug("stale branch delete failed")
			}
		}
		if err := m.add(ctx, root, branch, path); err != nil {
			log.WithError(err).Error("worktree creation failed after retry")
			return session.Worktree{}, errors.WorktreeFailed(branch, err)
		}
	}

	wt := session.Worktree{SessionID: sessionID, RepoRoot: root, Path: path, Branch: branch}
	m.register(wt)
	log.WithField("elapsed", time.Since(start)).Info("worktree created")
	return wt, nil
}

func (m *Manager) add(ctx context.Context, root, branch, path string) error {
	out, err := m.exec.CombinedOutput(ctx, root, "git", "worktree", "add", "-b", branch, path, "HEAD")
	if err != nil {
		return errors.GitFailed(errors.Op("worktree.Ensure"), "worktree add", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// pickNames finds the first free branch/path pair. Caller holds the repo lock.
func (m *Manager) pickNames(ctx context.Context, root, sessionID string) (string, string, error) {
	baseBranch := m.branchPrefix + sessionID
	basePath := filepath.Join(m.WorktreesDir(root), sessionID)

	for n := 1; n <= maxSuffix; n++ {
		branch, path := baseBranch, basePath
		if n > 1 {
			branch = fmt.Sprintf("%s-%d", baseBranch, n)
			path = fmt.Sprintf("%s-%d", basePath, n)
		}
		if m.pathTaken(path) || m.branchExists(ctx, root, branch) {
			continue
		}
		return branch, path, nil
	}
	return "", "", errors.WorktreeFailed(baseBranch, fmt.Errorf("no free branch name after %d attempts", maxSuffix))
}

func (m *Manager) pathTaken(path string) bool {
	m.mu.Lock()
	_, held := m.byPath[path]
	m.mu.Unlock()
	if held {
		return true
	}
	_, err := os.Stat(path)
	return err == nil
}

func (m *Manager) branchExists(ctx context.Context, root, branch string) bool {
	_, _, err := m.exec.Run(ctx, root, "git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (m *Manager) register(wt session.Worktree) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[wt.SessionID] = wt
	m.byPath[wt.Path] = wt.SessionID
}

func (m *Manager) unregister(sessionID string) (session.Worktree, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wt, ok := m.byID[sessionID]
	if !ok {
		return session.Worktree{}, false
	}
	delete(m.byID, sessionID)
	delete(m.byPath, wt.Path)
	return wt, true
}

// Adopt registers an existing worktree, e.g. one restored from the registry.
// It fails if another session already holds the path.
func (m *Manager) Adopt(wt session.Worktree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.byPath[wt.Path]; ok && owner != wt.SessionID {
		return errors.E(errors.Op("worktree.Adopt"), errors.KindWorktree,
			fmt.Sprintf("path %s is held by session %s", wt.Path, owner))
	}
	m.byID[wt.SessionID] = wt
	m.byPath[wt.Path] = wt.SessionID
	return nil
}

// Lookup returns the worktree held by sessionID.
func (m *Manager) Lookup(sessionID string) (session.Worktree, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wt, ok := m.byID[sessionID]
	return wt, ok
}

// List returns every registered worktree.
func (m *Manager) List() []session.Worktree {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]session.Worktree, 0, len(m.byID))
	for _, wt := range m.byID {
		out = append(out, wt)
	}
	return out
}

// Release gives up sessionID's worktree. With removeFromDisk the checkout
// and its branch are deleted as well. Releasing an unknown or already
// released session is a no-op.
func (m *Manager) Release(ctx context.Context, sessionID string, removeFromDisk bool) error {
	wt, ok := m.unregister(sessionID)
	if !ok {
		return nil
	}
	log := m.log.WithFields(logrus.Fields{"sessionID": sessionID, "path": wt.Path})
	if !removeFromDisk {
		log.Debug("worktree released, kept on disk")
		return nil
	}

	lock := m.repoLock(wt.RepoRoot)
	lock.Lock()
	defer lock.Unlock()

	if err := m.remove(ctx, wt.RepoRoot, wt.Path, wt.Branch); err != nil {
		log.WithError(err).Error("failed to remove worktree")
		return err
	}
	log.Info("worktree removed")
	return nil
}

// remove deletes a worktree directory and branch. Caller holds the repo lock.
func (m *Manager) remove(ctx context.Context, repoRoot, path, branch string) error {
	if out, err := m.exec.CombinedOutput(ctx, repoRoot, "git", "worktree", "remove", "--force", path); err != nil {
		m.log.WithField("output", strings.TrimSpace(string(out))).Warn("git worktree remove failed, removing directory directly")
		if err := os.RemoveAll(path); err != nil {
			return errors.E(errors.Op("worktree.Release"), errors.KindWorktree, fmt.Sprintf("failed to remove %s", path), err)
		}
	}
	if out, err := m.exec.CombinedOutput(ctx, repoRoot, "git", "worktree", "prune"); err != nil {
		m.log.WithField("output", strings.TrimSpace(string(out))).Warn("worktree prune failed (best-effort)")
	}
	if branch != "" {
		if out, err := m.exec.CombinedOutput(ctx, repoRoot, "git", "branch", "-D", branch); err != nil {
			m.log.WithField("output", strings.TrimSpace(string(out))).Debug("branch delete failed (may already be gone)")
		}
	}
	return nil
}
