package worktree

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/zhubert/swarm/internal/errors"
)

// Orphan is a worktree directory that no known session owns.
type Orphan struct {
	Path     string
	RepoRoot string
	ID       string
}

// GitWorktree is one entry of `git worktree list --porcelain`.
type GitWorktree struct {
	Path   string
	Commit string
	Branch string
	Bare   bool
}

// ListGitWorktrees asks git for every worktree attached to repoRoot.
func (m *Manager) ListGitWorktrees(ctx context.Context, repoRoot string) ([]GitWorktree, error) {
	out, err := m.exec.Output(ctx, repoRoot, "git", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, errors.GitFailed(errors.Op("worktree.ListGitWorktrees"), "worktree list", "", err)
	}
	return parseWorktreeList(string(out)), nil
}

func parseWorktreeList(output string) []GitWorktree {
	var worktrees []GitWorktree
	var current GitWorktree
	for _, line := range strings.Split(output, "\n") {
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = GitWorktree{}
			}
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "worktree":
			current.Path = value
		case "HEAD":
			current.Commit = value
		case "branch":
			current.Branch = strings.TrimPrefix(value, "refs/heads/")
		case "bare":
			current.Bare = true
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// FindOrphans lists worktree directories under each repo's worktrees dir
// whose session id is neither in known nor currently registered.
func (m *Manager) FindOrphans(repoRoots []string, known map[string]bool) []Orphan {
	var orphans []Orphan
	checked := make(map[string]bool)
	for _, root := range repoRoots {
		dir := m.WorktreesDir(root)
		if checked[dir] {
			continue
		}
		checked[dir] = true

		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			id := sessionIDFromDir(entry.Name(), known)
			if known[id] {
				continue
			}
			m.mu.Lock()
			_, held := m.byPath[path]
			m.mu.Unlock()
			if held {
				continue
			}
			orphans = append(orphans, Orphan{Path: path, RepoRoot: root, ID: entry.Name()})
		}
	}
	return orphans
}

// sessionIDFromDir strips a collision suffix ("<id>-2") when the bare id is known.
func sessionIDFromDir(name string, known map[string]bool) string {
	if known[name] {
		return name
	}
	if i := strings.LastIndex(name, "-"); i > 0 && known[name[:i]] {
		return name[:i]
	}
	return name
}

// PruneOrphans removes orphaned worktrees and their branches, returning how
// many were removed.
// The branch git reports for the worktree wins over the name derived from
// the directory.
func (m *Manager) PruneOrphans(ctx context.Context, orphans []Orphan) int {
	branches := make(map[string]map[string]string)
	branchOf := func(o Orphan) string {
		byPath, ok := branches[o.RepoRoot]
		if !ok {
			byPath = make(map[string]string)
			list, err := m.ListGitWorktrees(ctx, o.RepoRoot)
			if err != nil {
				m.log.WithError(err).WithField("repo", o.RepoRoot).Debug("cannot list worktrees, deriving branch names")
			}
			for _, g := range list {
				byPath[filepath.Clean(g.Path)] = g.Branch
			}
			branches[o.RepoRoot] = byPath
		}
		if b := byPath[filepath.Clean(o.Path)]; b != "" {
			return b
		}
		return m.branchPrefix + o.ID
	}

	pruned := 0
	for _, o := range orphans {
		branch := branchOf(o)
		lock := m.repoLock(o.RepoRoot)
		lock.Lock()
		err := m.remove(ctx, o.RepoRoot, o.Path, branch)
		lock.Unlock()
		if err != nil {
			m.log.WithFields(logrus.Fields{"path": o.Path}).WithError(err).Error("failed to prune orphan")
			continue
		}
		pruned++
	}
	return pruned
}
