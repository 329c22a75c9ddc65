package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/zhubert/swarm/internal/logger"
	"github.com/zhubert/swarm/internal/session"
)

// DefaultMaxWait caps long-polls when the caller asks for longer.
const DefaultMaxWait = 30 * time.Second

// SQLite is a Store backed by a SQLite database in WAL mode, so tails never
// block the writer.
type SQLite struct {
	db      *sql.DB
	maxWait time.Duration
	log     *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	mu     sync.Mutex // serializes appends for one session
	loaded bool
	next   int
	last   time.Time

	notifyMu sync.Mutex
	notify   chan struct{}
}

var _ Store = (*SQLite)(nil)

// Option configures a SQLite store.
type Option func(*SQLite)

// WithMaxWait caps the duration Wait may block.
func WithMaxWait(d time.Duration) Option {
	return func(s *SQLite) {
		if d > 0 {
			s.maxWait = d
		}
	}
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string, opts ...Option) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &SQLite{
		db:       db,
		maxWait:  DefaultMaxWait,
		log:      logger.WithComponent("stream"),
		sessions: make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS output_chunks (
		session_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL,
		PRIMARY KEY (session_id, idx)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) state(sessionID string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &sessionState{notify: make(chan struct{})}
		s.sessions[sessionID] = st
	}
	return st
}

// load reads the persisted high-water mark. Caller holds st.mu.
func (s *SQLite) load(ctx context.Context, sessionID string, st *sessionState) error {
	if st.loaded {
		return nil
	}
	var (
		count int
		maxTS sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(ts) FROM output_chunks WHERE session_id=?`, sessionID,
	).Scan(&count, &maxTS)
	if err != nil {
		return err
	}
	st.next = count
	if maxTS.Valid {
		st.last = time.Unix(0, maxTS.Int64).UTC()
	}
	st.loaded = true
	return nil
}

// Append stores chunk at the session's next index and wakes waiters.
// Timestamps never go backwards within a session.
func (s *SQLite) Append(ctx context.Context, sessionID string, chunk session.OutputChunk) (int, error) {
	st := s.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.load(ctx, sessionID, st); err != nil {
		return 0, err
	}

	ts := chunk.Timestamp.UTC()
	if chunk.Timestamp.IsZero() {
		ts = time.Now().UTC()
	}
	if ts.Before(st.last) {
		ts = st.last
	}

	var md string
	if len(chunk.Metadata) > 0 {
		data, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return 0, err
		}
		md = string(data)
	}

	idx := st.next
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO output_chunks (session_id, idx, type, content, metadata, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, idx, string(chunk.Type), chunk.Content, md, ts.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	st.next++
	st.last = ts

	st.notifyMu.Lock()
	close(st.notify)
	st.notify = make(chan struct{})
	st.notifyMu.Unlock()

	return idx, nil
}

// Tail returns the chunks at index from and later, in index order.
func (s *SQLite) Tail(ctx context.Context, sessionID string, from int) ([]session.OutputChunk, error) {
	if from < 0 {
		from = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, type, content, metadata, ts FROM output_chunks
		 WHERE session_id=? AND idx >= ? ORDER BY idx ASC`,
		sessionID, from,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chunks := []session.OutputChunk{}
	for rows.Next() {
		var (
			c     session.OutputChunk
			typ   string
			md    string
			tsRaw int64
		)
		if err := rows.Scan(&c.Index, &typ, &c.Content, &md, &tsRaw); err != nil {
			return nil, err
		}
		c.Type = session.ChunkType(typ)
		c.Timestamp = time.Unix(0, tsRaw).UTC()
		if md != "" {
			if err := json.Unmarshal([]byte(md), &c.Metadata); err != nil {
				s.log.WithFields(logrus.Fields{"sessionID": sessionID, "index": c.Index}).
					WithError(err).Warn("corrupt chunk metadata, substituting error chunk")
				c = corruptChunk(c)
			}
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// corruptChunk stands in for a stored row that cannot be decoded.
func corruptChunk(c session.OutputChunk) session.OutputChunk {
	return session.OutputChunk{
		Index:     c.Index,
		Type:      session.ChunkError,
		Content:   "unreadable output chunk",
		Timestamp: c.Timestamp,
		Metadata:  map[string]string{session.MetaEvent: session.EventStreamCorruption},
	}
}

// Wait is Tail that blocks until a chunk at or after from exists. After
// maxWait, which the store caps, it returns an empty slice.
func (s *SQLite) Wait(ctx context.Context, sessionID string, from int, maxWait time.Duration) ([]session.OutputChunk, error) {
	if maxWait <= 0 || maxWait > s.maxWait {
		maxWait = s.maxWait
	}
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		// Grab the channel before reading so an append between the read and
		// the select still wakes us.
		changed := s.Changed(sessionID)
		chunks, err := s.Tail(ctx, sessionID, from)
		if err != nil || len(chunks) > 0 {
			return chunks, err
		}
		select {
		case <-changed:
		case <-timer.C:
			return []session.OutputChunk{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len counts the session's chunks.
func (s *SQLite) Len(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM output_chunks WHERE session_id=?`, sessionID,
	).Scan(&n)
	return n, err
}

// Changed returns a channel closed by the session's next Append.
func (s *SQLite) Changed(sessionID string) <-chan struct{} {
	st := s.state(sessionID)
	st.notifyMu.Lock()
	defer st.notifyMu.Unlock()
	return st.notify
}

// Sessions lists the ids that have at least one chunk.
func (s *SQLite) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT session_id FROM output_chunks ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
