package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/swarm/internal/errors"
	"github.com/zhubert/swarm/internal/registry"
	"github.com/zhubert/swarm/internal/session"
	"github.com/zhubert/swarm/internal/stream"
)

type fixture struct {
	dir    string
	reg    *registry.File
	stream *stream.SQLite
	store  *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	return openFixture(t, dir)
}

func openFixture(t *testing.T, dir string) *fixture {
	t.Helper()
	reg, err := registry.Open(filepath.Join(dir, "registry.jsonl"))
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	st, err := stream.Open(filepath.Join(dir, "output.db"))
	if err != nil {
		t.Fatalf("stream.Open: %v", err)
	}
	t.Cleanup(func() {
		reg.Close()
		st.Close()
	})
	return &fixture{dir: dir, reg: reg, stream: st, store: New(reg, st, nil)}
}

func newSession(id string) *session.Session {
	return &session.Session{ID: id, Prompt: "add README", AgentType: session.AgentClaude, WorkingDir: "/repo"}
}

func writeChunk(t *testing.T, f *fixture, id string, c session.OutputChunk) {
	t.Helper()
	if _, err := f.stream.Append(context.Background(), id, c); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func writeReadme(t *testing.T, f *fixture, id string) {
	t.Helper()
	input, _ := json.Marshal(map[string]string{"file_path": "README.md", "content": "# hi\n"})
	writeChunk(t, f, id, session.OutputChunk{Type: session.ChunkUserMessage, Content: "add README"})
	writeChunk(t, f, id, session.NewToolUseChunk(session.ToolCall{ID: "tu_1", Name: "Write", Input: input}))
	writeChunk(t, f, id, session.NewToolResultChunk(session.ToolResult{ToolUseID: "tu_1", Output: "File created"}))
}

func TestCreateAndGet(t *testing.T) {
	f := newFixture(t)
	if err := f.store.Create(newSession("s1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s, err := f.store.Get("s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.Status != session.StatusPending {
		t.Errorf("Status = %s, want pending", s.Status)
	}
	if s.CreatedAt.IsZero() {
		t.Error("CreatedAt should be stamped")
	}

	s.Prompt = "mutated"
	again, _ := f.store.Get("s1")
	if again.Prompt != "add README" {
		t.Error("Get must return a copy")
	}

	if err := f.store.Create(newSession("s1")); err == nil {
		t.Error("duplicate Create should fail")
	}
	if _, err := f.store.Get("missing"); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("Get(missing) = %v, want NotFound", err)
	}

	events, _ := f.reg.Replay()
	if len(events) != 1 || events[0].Type != session.EventCreated || events[0].SessionID != "s1" {
		t.Errorf("registry = %+v", events)
	}
}

func TestCreate_Invalid(t *testing.T) {
	f := newFixture(t)
	if err := f.store.Create(&session.Session{AgentType: session.AgentClaude}); !errors.Is(err, errors.KindInvalid) {
		t.Errorf("missing id: %v", err)
	}
	if err := f.store.Create(&session.Session{ID: "x", AgentType: "cursor"}); !errors.Is(err, errors.KindInvalid) {
		t.Errorf("unknown agent: %v", err)
	}
}

func TestList_Filter(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		s := newSession(id)
		s.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if id == "b" {
			s.AgentType = session.AgentCodex
			s.TaskPath = "tasks/42.md"
		}
		if err := f.store.Create(s); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := f.store.Transition("c", session.StatusWorking, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Transition("c", session.StatusCompleted, nil); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"a", "b", "c"}},
		{"agent", Filter{AgentType: session.AgentCodex}, []string{"b"}},
		{"task", Filter{TaskPath: "tasks/42.md"}, []string{"b"}},
		{"active", Filter{ActiveOnly: true}, []string{"a", "b"}},
		{"status", Filter{Statuses: []session.Status{session.StatusCompleted}}, []string{"c"}},
		{"limit keeps newest", Filter{Limit: 2}, []string{"b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.store.List(tt.filter)
			var ids []string
			for _, s := range got {
				ids = append(ids, s.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Errorf("ids = %v, want %v", ids, tt.want)
					break
				}
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	f.store.Create(newSession("s1"))

	dir := "/worktree"
	if _, err := f.store.Update("s1", Update{WorkingDir: &dir}); err != nil {
		t.Fatalf("WorkingDir before start should be allowed: %v", err)
	}

	pid := 4242
	now := time.Now()
	working := session.StatusWorking
	s, err := f.store.Update("s1", Update{PID: &pid, StartedAt: &now, Status: &working, AddUsage: &session.TokenUsage{InputTokens: 5}})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if s.PID != 4242 || s.Status != session.StatusWorking || s.TokenUsage.InputTokens != 5 {
		t.Errorf("session = %+v", s)
	}

	other := "/elsewhere"
	if _, err := f.store.Update("s1", Update{WorkingDir: &other}); !errors.Is(err, errors.KindInvalid) {
		t.Errorf("WorkingDir after start = %v, want invalid", err)
	}

	pending := session.StatusPending
	if _, err := f.store.Update("s1", Update{Status: &pending}); !errors.Is(err, errors.KindInvalid) {
		t.Errorf("working -> pending = %v, want invalid", err)
	}
	completed := session.StatusCompleted
	if _, err := f.store.Update("s1", Update{Status: &completed}); !errors.Is(err, errors.KindInvalid) {
		t.Errorf("terminal via Update = %v, want invalid", err)
	}

	f.store.Transition("s1", session.StatusCancelled, nil)
	if _, err := f.store.Update("s1", Update{PID: &pid}); !errors.Is(err, errors.KindAlreadyTerminal) {
		t.Errorf("Update on terminal = %v, want AlreadyTerminal", err)
	}
}

func TestTransition_Terminal(t *testing.T) {
	f := newFixture(t)
	f.store.Create(newSession("s1"))

	if _, err := f.store.Transition("s1", session.StatusWorking, nil); err != nil {
		t.Fatalf("pending -> working: %v", err)
	}
	s, err := f.store.Transition("s1", session.StatusCompleted, func(s *session.Session) {
		code := 0
		s.ExitCode = &code
	})
	if err != nil {
		t.Fatalf("working -> completed: %v", err)
	}
	if s.CompletedAt == nil || s.ExitCode == nil || *s.ExitCode != 0 {
		t.Errorf("terminal session = %+v", s)
	}

	again, err := f.store.Transition("s1", session.StatusCancelled, nil)
	if !errors.Is(err, errors.KindAlreadyTerminal) {
		t.Errorf("second terminal transition = %v, want AlreadyTerminal", err)
	}
	if again == nil || again.Status != session.StatusCompleted {
		t.Errorf("should return current state, got %+v", again)
	}

	events, _ := f.reg.Replay()
	if len(events) != 2 || events[1].Type != session.EventCompleted {
		t.Fatalf("registry = %+v", events)
	}
	if events[1].ExitCode == nil || *events[1].ExitCode != 0 {
		t.Errorf("completed event exit code = %v", events[1].ExitCode)
	}
}

func TestTransition_Invalid(t *testing.T) {
	f := newFixture(t)
	f.store.Create(newSession("s1"))
	if _, err := f.store.Transition("s1", session.StatusIdle, nil); !errors.Is(err, errors.KindInvalid) {
		t.Errorf("pending -> idle = %v, want invalid", err)
	}
	if _, err := f.store.Transition("nope", session.StatusWorking, nil); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("unknown session = %v, want NotFound", err)
	}
}

func TestTransition_ExitAndCancelRace(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		f.store.Create(newSession(id))
		f.store.Transition(id, session.StatusWorking, nil)

		var wg sync.WaitGroup
		results := make([]error, 2)
		for j, to := range []session.Status{session.StatusCompleted, session.StatusCancelled} {
			wg.Add(1)
			go func(j int, to session.Status) {
				defer wg.Done()
				_, results[j] = f.store.Transition(id, to, nil)
			}(j, to)
		}
		wg.Wait()

		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
			} else if !errors.Is(err, errors.KindAlreadyTerminal) {
				t.Errorf("unexpected error %v", err)
			}
		}
		if wins != 1 {
			t.Errorf("session %s: %d winners, want exactly 1", id, wins)
		}
	}

	terminal := 0
	events, _ := f.reg.Replay()
	for _, ev := range events {
		if ev.Type != session.EventCreated {
			terminal++
		}
	}
	if terminal != 20 {
		t.Errorf("recorded %d terminal events, want 20", terminal)
	}
}

func TestChangedFiles_PathsAgree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Create(newSession("s1"))
	writeReadme(t, f, "s1")

	live, err := f.store.ChangedFiles(ctx, "s1")
	if err != nil {
		t.Fatalf("ChangedFiles failed: %v", err)
	}
	if len(live) != 1 || live[0].Path != "README.md" || live[0].Operation != session.FileCreate {
		t.Fatalf("live files = %+v", live)
	}

	md, err := f.store.Fold(ctx, "s1")
	if err != nil {
		t.Fatalf("Fold failed: %v", err)
	}
	f.store.Transition("s1", session.StatusWorking, nil)
	f.store.Transition("s1", session.StatusCompleted, func(s *session.Session) { s.Metadata = md.Clone() })

	final, err := f.store.ChangedFiles(ctx, "s1")
	if err != nil {
		t.Fatalf("ChangedFiles failed: %v", err)
	}
	if len(final) != 1 || final[0].Path != live[0].Path || final[0].Operation != live[0].Operation {
		t.Errorf("finalized %+v disagrees with live %+v", final, live)
	}
}

func TestFinalizeMetadata_OnTerminal(t *testing.T) {
	f := newFixture(t)
	f.store.Create(newSession("s1"))
	f.store.Transition("s1", session.StatusCancelled, nil)

	md := session.SessionMetadata{ContextTokens: 10}
	if err := f.store.FinalizeMetadata("s1", md); err != nil {
		t.Fatalf("FinalizeMetadata failed: %v", err)
	}
	s, _ := f.store.Get("s1")
	if s.Metadata == nil || s.Metadata.ContextTokens != 10 {
		t.Errorf("metadata = %+v", s.Metadata)
	}
}

func TestRebuild(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := openFixture(t, dir)
	first.store.Create(newSession("done"))
	first.store.Create(newSession("live"))
	first.store.Create(newSession("waiting"))
	writeReadme(t, first, "done")
	writeReadme(t, first, "live")

	first.store.Transition("done", session.StatusWorking, nil)
	first.store.Transition("done", session.StatusCompleted, nil)
	first.store.Transition("live", session.StatusWorking, nil)
	first.store.Transition("waiting", session.StatusWorking, nil)
	first.store.Transition("waiting", session.StatusWaitingInput, nil)
	first.reg.Close()
	first.stream.Close()

	second := openFixture(t, dir)
	stats, err := second.store.Rebuild(ctx, RebuildOptions{RecoverOrphans: true})
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if stats.Sessions != 3 || stats.Orphans != 2 {
		t.Errorf("stats = %+v", stats)
	}

	done, _ := second.store.Get("done")
	if done.Status != session.StatusCompleted {
		t.Errorf("done status = %s", done.Status)
	}
	if done.Metadata == nil || len(done.Metadata.EditedFiles) != 1 {
		t.Errorf("done metadata should be folded from the stream: %+v", done.Metadata)
	}

	for _, id := range []string{"live", "waiting"} {
		s, _ := second.store.Get(id)
		if s.Status != session.StatusFailed || s.ErrorMessage != OrphanReason {
			t.Errorf("%s = %s %q, want failed/%q", id, s.Status, s.ErrorMessage, OrphanReason)
		}
		chunks, _ := second.stream.Tail(ctx, id, 0)
		if len(chunks) == 0 || !chunks[len(chunks)-1].IsSessionEnd() {
			t.Errorf("%s: stream should end with a session end marker", id)
		}
	}

	live, _ := second.store.Get("live")
	if live.Metadata == nil || len(live.Metadata.Turns) != 1 || live.Metadata.Turns[0].Outcome != string(session.StatusFailed) {
		t.Errorf("live metadata = %+v", live.Metadata)
	}

	// A second rebuild over the same data is stable.
	third := openFixture(t, dir)
	stats, err = third.store.Rebuild(ctx, RebuildOptions{RecoverOrphans: true})
	if err != nil {
		t.Fatalf("second Rebuild failed: %v", err)
	}
	if stats.Orphans != 0 {
		t.Errorf("orphans on second rebuild = %d, want 0", stats.Orphans)
	}
}

func TestRebuild_WithoutRecovery(t *testing.T) {
	dir := t.TempDir()
	first := openFixture(t, dir)
	first.store.Create(newSession("live"))
	first.reg.Close()
	first.stream.Close()

	second := openFixture(t, dir)
	if _, err := second.store.Rebuild(context.Background(), RebuildOptions{}); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	s, _ := second.store.Get("live")
	if s.Status != session.StatusPending {
		t.Errorf("status = %s, want pending", s.Status)
	}
}
