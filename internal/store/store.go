// Package store is the queryable current-state view of every session.
//
// The store is rebuilt from the registry and the output stream on startup
// and mutated afterwards only through Create, Update and Transition. Each
// session carries its own mutex so that a process exit and a cancel for the
// same session cannot interleave; different sessions never share a lock
// beyond the short map lookup.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zhubert/swarm/internal/errors"
	"github.com/zhubert/swarm/internal/logger"
	"github.com/zhubert/swarm/internal/metadata"
	"github.com/zhubert/swarm/internal/registry"
	"github.com/zhubert/swarm/internal/session"
	"github.com/zhubert/swarm/internal/stream"
)

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Statuses   []session.Status
	AgentType  session.AgentType
	WorkingDir string
	TaskPath   string
	ActiveOnly bool
	Limit      int
}

func (f Filter) matches(s *session.Session) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if st == s.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ActiveOnly && s.Status.IsTerminal() {
		return false
	}
	if f.AgentType != "" && f.AgentType != s.AgentType {
		return false
	}
	if f.WorkingDir != "" && f.WorkingDir != s.WorkingDir && f.WorkingDir != s.RepoRoot {
		return false
	}
	if f.TaskPath != "" && f.TaskPath != s.TaskPath {
		return false
	}
	return true
}

// Update is a partial change to a live session. Nil fields are untouched.
type Update struct {
	Status         *session.Status
	PID            *int
	StartedAt      *time.Time
	WorkingDir     *string
	WorktreePath   *string
	WorktreeBranch *string
	ErrorMessage   *string
	// AddUsage is added to the running token totals.
	AddUsage *session.TokenUsage
	// Metadata replaces the live metadata snapshot.
	Metadata *session.SessionMetadata
}

type entry struct {
	mu sync.Mutex
	s  *session.Session
}

// Store holds every known session.
type Store struct {
	registry registry.Registry
	stream   stream.Store
	agg      *metadata.Aggregator
	log      *logrus.Entry
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
}

// New returns an empty store. Call Rebuild to load history.
func New(reg registry.Registry, st stream.Store, agg *metadata.Aggregator) *Store {
	if agg == nil {
		agg = metadata.New(nil, 0)
	}
	return &Store{
		registry: reg,
		stream:   st,
		agg:      agg,
		log:      logger.WithComponent("store"),
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

func (st *Store) lookup(id string) (*entry, error) {
	st.mu.RLock()
	e, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, errors.SessionNotFound(id)
	}
	return e, nil
}

// Create adds a pending session and records session_created. The session
// is only visible once the event is durable.
func (st *Store) Create(s *session.Session) error {
	if s.ID == "" {
		return errors.E(errors.Op("store.Create"), errors.KindInvalid, "session id is required")
	}
	if !s.AgentType.Valid() {
		return errors.E(errors.Op("store.Create"), errors.KindInvalid, fmt.Sprintf("unknown agent type %q", s.AgentType))
	}
	s = s.Clone()
	s.Status = session.StatusPending
	if s.CreatedAt.IsZero() {
		s.CreatedAt = st.now()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.sessions[s.ID]; exists {
		return errors.E(errors.Op("store.Create"), errors.KindInvalid, fmt.Sprintf("session %s already exists", s.ID))
	}
	if err := st.registry.Record(session.CreatedEvent(s)); err != nil {
		return errors.E(errors.Op("store.Create"), errors.KindIO, "failed to record session_created", err)
	}
	st.sessions[s.ID] = &entry{s: s}
	st.log.WithFields(logrus.Fields{"sessionID": s.ID, "agent": s.AgentType}).Info("session created")
	return nil
}

// Get returns a copy of the session.
func (st *Store) Get(id string) (*session.Session, error) {
	e, err := st.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Clone(), nil
}

// List returns copies of the matching sessions, oldest first.
func (st *Store) List(f Filter) []*session.Session {
	st.mu.RLock()
	entries := make([]*entry, 0, len(st.sessions))
	for _, e := range st.sessions {
		entries = append(entries, e)
	}
	st.mu.RUnlock()

	out := make([]*session.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if f.matches(e.s) {
			out = append(out, e.s.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Update applies u to a live session. A status change must be a valid
// edge of the state machine and may not be terminal; terminal changes go
// through Transition so they are recorded.
func (st *Store) Update(id string, u Update) (*session.Session, error) {
	e, err := st.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.s
	if s.Status.IsTerminal() {
		return s.Clone(), errors.SessionTerminal(id, string(s.Status))
	}
	if u.Status != nil && *u.Status != s.Status {
		if u.Status.IsTerminal() {
			return nil, errors.E(errors.Op("store.Update"), errors.KindInvalid, "terminal statuses are set with Transition")
		}
		if err := session.ValidateTransition(s.Status, *u.Status); err != nil {
			return nil, errors.InvalidTransition(id, string(s.Status), string(*u.Status))
		}
	}
	if u.WorkingDir != nil && *u.WorkingDir != s.WorkingDir && (s.PID != 0 || s.StartedAt != nil) {
		return nil, errors.E(errors.Op("store.Update"), errors.KindInvalid,
			fmt.Sprintf("session %s: working directory is fixed once the process starts", id))
	}

	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.PID != nil {
		s.PID = *u.PID
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		s.StartedAt = &t
	}
	if u.WorkingDir != nil {
		s.WorkingDir = *u.WorkingDir
	}
	if u.WorktreePath != nil {
		s.WorktreePath = *u.WorktreePath
	}
	if u.WorktreeBranch != nil {
		s.WorktreeBranch = *u.WorktreeBranch
	}
	if u.ErrorMessage != nil {
		s.ErrorMessage = *u.ErrorMessage
	}
	if u.AddUsage != nil {
		s.TokenUsage.Add(*u.AddUsage)
	}
	if u.Metadata != nil {
		s.Metadata = u.Metadata.Clone()
	}
	return s.Clone(), nil
}

// Transition moves a session to status to. mutate, if non-nil, runs under
// the session lock just before the status changes. Reaching a terminal
// status stamps CompletedAt and records the matching registry event.
//
// Transitioning a terminal session returns its current state together with
// an AlreadyTerminal error. Transitioning to the current status is a no-op.
func (st *Store) Transition(id string, to session.Status, mutate func(*session.Session)) (*session.Session, error) {
	e, err := st.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.s
	if s.Status.IsTerminal() {
		return s.Clone(), errors.SessionTerminal(id, string(s.Status))
	}
	if s.Status == to {
		return s.Clone(), nil
	}
	if err := session.ValidateTransition(s.Status, to); err != nil {
		return s.Clone(), errors.InvalidTransition(id, string(s.Status), string(to))
	}

	next := s.Clone()
	if mutate != nil {
		mutate(next)
	}
	next.Status = to

	if ev, ok := session.TerminalEventFor(to); ok {
		now := st.now()
		next.CompletedAt = &now
		usage := next.TokenUsage
		record := session.RegistryEvent{
			Type:       ev,
			SessionID:  id,
			Timestamp:  now,
			ExitCode:   next.ExitCode,
			Error:      next.ErrorMessage,
			TokenUsage: &usage,
			Metadata:   next.Metadata,
		}
		if err := st.registry.Record(record); err != nil {
			// The in-memory state still moves on; replay will see the session
			// as orphaned and recover it as failed.
			st.log.WithError(err).WithField("sessionID", id).Error("failed to record terminal event")
		}
	}

	e.s = next
	st.log.WithFields(logrus.Fields{"sessionID": id, "from": s.Status, "to": to}).Debug("status transition")
	return next.Clone(), nil
}

// FinalizeMetadata attaches metadata to a session, terminal or not.
func (st *Store) FinalizeMetadata(id string, md session.SessionMetadata) error {
	e, err := st.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.Metadata = md.Clone()
	return nil
}

// ChangedFiles returns the session's edited files in first-touch order.
// Finalized metadata is used for terminal sessions; otherwise the stream is
// scanned with the same detector the aggregator uses.
func (st *Store) ChangedFiles(ctx context.Context, id string) ([]session.EditedFileInfo, error) {
	s, err := st.Get(id)
	if err != nil {
		return nil, err
	}
	if s.Status.IsTerminal() && s.Metadata != nil {
		return s.Metadata.EditedFiles, nil
	}
	chunks, err := st.stream.Tail(ctx, id, 0)
	if err != nil {
		return nil, errors.E(errors.Op("store.ChangedFiles"), errors.KindIO, err)
	}
	return metadata.EditedFiles(chunks), nil
}

// Fold computes metadata for a session from its stream.
func (st *Store) Fold(ctx context.Context, id string) (session.SessionMetadata, error) {
	chunks, err := st.stream.Tail(ctx, id, 0)
	if err != nil {
		return session.SessionMetadata{}, err
	}
	return st.agg.Fold(chunks), nil
}

// Aggregator returns the metadata aggregator in use.
func (st *Store) Aggregator() *metadata.Aggregator {
	return st.agg
}
