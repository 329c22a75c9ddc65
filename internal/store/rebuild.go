package store

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zhubert/swarm/internal/errors"
	"github.com/zhubert/swarm/internal/session"
)

// OrphanReason is recorded on sessions found live in the registry after a restart.
const OrphanReason = "orphaned by restart"

// RebuildOptions controls Rebuild.
type RebuildOptions struct {
	// RecoverOrphans fails sessions that were still live when the previous
	// process stopped. Only the process that owns the data directory should
	// set it.
	RecoverOrphans bool
	// Concurrency bounds how many streams are folded at once (default 8).
	Concurrency int
}

// RebuildStats summarizes a Rebuild.
type RebuildStats struct {
	Events   int
	Sessions int
	Orphans  int
	Skipped  int
}

// Rebuild replays the registry into the store and refreshes every
// session's metadata from its stream.
func (st *Store) Rebuild(ctx context.Context, opts RebuildOptions) (RebuildStats, error) {
	var stats RebuildStats

	events, err := st.registry.Replay()
	if err != nil {
		return stats, errors.E(errors.Op("store.Rebuild"), errors.KindIO, "failed to replay registry", err)
	}
	stats.Events = len(events)

	restored := make(map[string]*session.Session)
	var order []string
	for _, ev := range events {
		switch ev.Type {
		case session.EventCreated:
			if _, dup := restored[ev.SessionID]; dup {
				stats.Skipped++
				continue
			}
			restored[ev.SessionID] = session.SessionFromCreated(ev)
			order = append(order, ev.SessionID)
		default:
			s, ok := restored[ev.SessionID]
			if !ok || s.Status.IsTerminal() {
				// Terminal event for an unknown session, or a second terminal
				// event: the first one wins.
				stats.Skipped++
				continue
			}
			s.ApplyTerminal(ev)
		}
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	var mu sync.Mutex
	for _, id := range order {
		s := restored[id]
		g.Go(func() error {
			md, err := st.Fold(gctx, s.ID)
			if err != nil {
				return errors.E(errors.Op("store.Rebuild"), errors.KindIO, "failed to read stream for "+s.ID, err)
			}
			mu.Lock()
			defer mu.Unlock()
			if s.Metadata == nil {
				s.Metadata = md.Clone()
			}
			if s.TokenUsage == (session.TokenUsage{}) {
				s.TokenUsage = md.Usage
			}
			if !s.Status.IsTerminal() && len(md.Turns) > 0 {
				started := md.Turns[0].StartedAt
				s.StartedAt = &started
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	st.mu.Lock()
	for _, id := range order {
		if _, live := st.sessions[id]; live {
			continue
		}
		st.sessions[id] = &entry{s: restored[id]}
		stats.Sessions++
	}
	st.mu.Unlock()

	if opts.RecoverOrphans {
		for _, id := range order {
			if restored[id].Status.IsTerminal() {
				continue
			}
			if err := st.recoverOrphan(ctx, id); err != nil {
				st.log.WithError(err).WithField("sessionID", id).Warn("failed to recover orphaned session")
				continue
			}
			stats.Orphans++
		}
	}

	st.log.WithFields(logrus.Fields{
		"events":   stats.Events,
		"sessions": stats.Sessions,
		"orphans":  stats.Orphans,
	}).Info("store rebuilt from registry")
	return stats, nil
}

// recoverOrphan appends an end marker and fails the session.
func (st *Store) recoverOrphan(ctx context.Context, id string) error {
	s, err := st.Get(id)
	if err != nil {
		return err
	}
	if _, err := st.stream.Append(ctx, id, session.NewSessionEndChunk(session.StatusFailed, OrphanReason)); err != nil {
		return err
	}
	md, err := st.Fold(ctx, id)
	if err != nil {
		return err
	}
	for _, step := range session.PathTo(s.Status, session.StatusFailed) {
		if _, err := st.Transition(id, step, func(s *session.Session) {
			if step == session.StatusFailed {
				s.ErrorMessage = OrphanReason
				s.PID = 0
				s.Metadata = md.Clone()
			}
		}); err != nil {
			return err
		}
	}
	return nil
}
