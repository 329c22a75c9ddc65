package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/swarm/internal/config"
	"github.com/zhubert/swarm/internal/engine"
	"github.com/zhubert/swarm/internal/errors"
	"github.com/zhubert/swarm/internal/registry"
	"github.com/zhubert/swarm/internal/session"
	"github.com/zhubert/swarm/internal/store"
	"github.com/zhubert/swarm/internal/stream"
)

const (
	readmeLines = `{"type":"system","subtype":"init","model":"claude-sonnet-4"}
{"type":"assistant","message":{"id":"msg_1","content":[{"type":"text","text":"Creating README"},{"type":"tool_use","id":"tu_1","name":"Write","input":{"file_path":"README.md","content":"# hi\n"}}],"usage":{"input_tokens":10,"output_tokens":5}}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","content":"File created successfully at: README.md"}]}}
{"type":"result","subtype":"success","result":"done"}`
	textLine   = `{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]}}`
	resultLine = `{"type":"result","subtype":"success","result":"ok"}`
)

type fixture struct {
	dir    string
	stream *stream.SQLite
	store  *store.Store
	sv     *Supervisor
}

// newFixture wires a supervisor whose claude engine is the given shell script.
func newFixture(t *testing.T, script string, opts ...func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()

	agent := filepath.Join(dir, "fake-agent")
	if err := os.WriteFile(agent, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

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

	cfg := config.Default()
	cfg.SetEngine("claude", config.EngineConfig{Command: agent})

	sc := Config{
		Store:        store.New(reg, st, nil),
		Stream:       st,
		StartTimeout: 5 * time.Second,
		CancelGrace:  time.Second,
		Engines: func(a session.AgentType) (engine.Engine, error) {
			return engine.New(a, cfg)
		},
	}
	for _, opt := range opts {
		opt(&sc)
	}
	sv := New(sc)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sv.Shutdown(ctx)
	})
	return &fixture{dir: dir, stream: st, store: sc.Store, sv: sv}
}

func (f *fixture) create(t *testing.T, id string, interactive bool) {
	t.Helper()
	s := &session.Session{
		ID:          id,
		Prompt:      "add README",
		AgentType:   session.AgentClaude,
		WorkingDir:  f.dir,
		Interactive: interactive,
	}
	if err := f.store.Create(s); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func (f *fixture) wait(t *testing.T, id string) *session.Session {
	t.Helper()
	select {
	case <-f.sv.Done(id):
	case <-time.After(10 * time.Second):
		t.Fatalf("session %s did not finish", id)
	}
	s, err := f.store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return s
}

func (f *fixture) waitStatus(t *testing.T, id string, want session.Status) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s, _ := f.store.Get(id); s != nil && s.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	s, _ := f.store.Get(id)
	t.Fatalf("status = %s, want %s", s.Status, want)
}

func (f *fixture) chunks(t *testing.T, id string) []session.OutputChunk {
	t.Helper()
	chunks, err := f.stream.Tail(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	return chunks
}

func TestStart_Completes(t *testing.T) {
	f := newFixture(t, "cat >/dev/null\ncat <<'EOF'\n"+readmeLines+"\nEOF")
	f.create(t, "s1", false)

	if err := f.sv.Start(context.Background(), "s1", "client-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s := f.wait(t, "s1")

	if s.Status != session.StatusCompleted {
		t.Fatalf("Status = %s (%s), want completed", s.Status, s.ErrorMessage)
	}
	if s.ExitCode == nil || *s.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", s.ExitCode)
	}
	if s.CompletedAt == nil || s.StartedAt == nil {
		t.Error("StartedAt and CompletedAt should be set")
	}
	if s.PID != 0 {
		t.Errorf("PID = %d, want cleared", s.PID)
	}
	if s.TokenUsage.InputTokens != 10 || s.TokenUsage.OutputTokens != 5 {
		t.Errorf("TokenUsage = %+v", s.TokenUsage)
	}
	if s.Metadata == nil || len(s.Metadata.EditedFiles) != 1 || s.Metadata.EditedFiles[0].Path != "README.md" {
		t.Fatalf("Metadata = %+v", s.Metadata)
	}

	files, err := f.store.ChangedFiles(context.Background(), "s1")
	if err != nil || len(files) != 1 || files[0].Operation != session.FileCreate {
		t.Errorf("ChangedFiles = %+v, %v", files, err)
	}

	chunks := f.chunks(t, "s1")
	first, last := chunks[0], chunks[len(chunks)-1]
	if first.Type != session.ChunkUserMessage || first.Meta(session.MetaClientMessageID) != "client-1" {
		t.Errorf("first chunk = %+v", first)
	}
	if !last.IsSessionEnd() || last.Meta(session.MetaStatus) != string(session.StatusCompleted) {
		t.Errorf("last chunk = %+v", last)
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
	}
}

func TestStart_Failures(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		timeout time.Duration
		wantErr string
	}{
		{
			name:    "non-zero exit",
			script:  "echo '" + textLine + "'\necho 'boom happened' >&2\nexit 3",
			wantErr: "exit code 3: boom happened",
		},
		{
			name:    "exit without output",
			script:  "exit 0",
			wantErr: "before producing output",
		},
		{
			name:    "start timeout",
			script:  "sleep 30",
			timeout: 200 * time.Millisecond,
			wantErr: "start timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.script, func(c *Config) {
				if tt.timeout > 0 {
					c.StartTimeout = tt.timeout
				}
			})
			f.create(t, "s1", false)
			if err := f.sv.Start(context.Background(), "s1", ""); err != nil {
				t.Fatalf("Start: %v", err)
			}
			s := f.wait(t, "s1")
			if s.Status != session.StatusFailed {
				t.Fatalf("Status = %s, want failed", s.Status)
			}
			if !strings.Contains(s.ErrorMessage, tt.wantErr) {
				t.Errorf("ErrorMessage = %q, want it to contain %q", s.ErrorMessage, tt.wantErr)
			}
			chunks := f.chunks(t, "s1")
			if !chunks[len(chunks)-1].IsSessionEnd() {
				t.Error("stream should end with the session end marker")
			}
		})
	}
}

func TestStart_MissingBinary(t *testing.T) {
	f := newFixture(t, "exit 0", func(c *Config) {
		cfg := config.Default()
		cfg.SetEngine("claude", config.EngineConfig{Command: "/nonexistent/agent"})
		c.Engines = func(a session.AgentType) (engine.Engine, error) { return engine.New(a, cfg) }
	})
	f.create(t, "s1", false)

	err := f.sv.Start(context.Background(), "s1", "")
	if !errors.Is(err, errors.KindProcessSpawn) {
		t.Fatalf("Start error = %v, want process spawn", err)
	}
	s, _ := f.store.Get("s1")
	if s.Status != session.StatusFailed || s.StartedAt != nil {
		t.Errorf("session = %+v, want failed without StartedAt", s)
	}
}

func TestStart_NotPending(t *testing.T) {
	f := newFixture(t, "echo '{\"type\":\"system\",\"subtype\":\"init\"}'\nsleep 30")
	f.create(t, "s1", false)
	if err := f.sv.Start(context.Background(), "s1", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.sv.Start(context.Background(), "s1", ""); !errors.Is(err, errors.KindInvalid) {
		t.Errorf("second Start = %v, want invalid", err)
	}
	f.sv.Cancel(context.Background(), "s1")
	f.wait(t, "s1")
}

func TestStart_AfterCancel(t *testing.T) {
	f := newFixture(t, `touch "$(dirname "$0")/ran"`)
	f.create(t, "s1", false)
	if _, err := f.sv.Cancel(context.Background(), "s1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if err := f.sv.Start(context.Background(), "s1", ""); !errors.Is(err, errors.KindAlreadyTerminal) {
		t.Fatalf("Start = %v, want already terminal", err)
	}
	if chunks := f.chunks(t, "s1"); len(chunks) != 1 || !chunks[0].IsSessionEnd() {
		t.Errorf("chunks = %+v, want only the end marker", chunks)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "ran")); !os.IsNotExist(err) {
		t.Error("agent should not have been launched")
	}
}

func TestCancel_WhileStarting(t *testing.T) {
	var f *fixture
	f = newFixture(t, `touch "$(dirname "$0")/ran"`+"\necho '"+resultLine+"'", func(c *Config) {
		resolve := c.Engines
		c.Engines = func(a session.AgentType) (engine.Engine, error) {
			// Lands between registration and launch.
			if _, err := f.sv.Cancel(context.Background(), "s1"); err != nil {
				t.Errorf("Cancel: %v", err)
			}
			return resolve(a)
		}
	})
	f.create(t, "s1", false)

	if err := f.sv.Start(context.Background(), "s1", "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s := f.wait(t, "s1")
	if s.Status != session.StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", s.Status)
	}
	if f.sv.Running("s1") {
		t.Error("task should be gone")
	}

	chunks := f.chunks(t, "s1")
	if len(chunks) != 1 || !chunks[0].IsSessionEnd() || chunks[0].Meta(session.MetaStatus) != string(session.StatusCancelled) {
		t.Errorf("chunks = %+v, want a single cancelled end marker", chunks)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "ran")); !os.IsNotExist(err) {
		t.Error("agent should not have been launched")
	}
}

func TestStart_CorruptLineIsRecorded(t *testing.T) {
	f := newFixture(t, "echo '{\"type\":\"assistant\",'\necho '"+resultLine+"'")
	f.create(t, "s1", false)
	if err := f.sv.Start(context.Background(), "s1", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s := f.wait(t, "s1")
	if s.Status != session.StatusCompleted {
		t.Fatalf("Status = %s, want completed", s.Status)
	}

	found := false
	for _, c := range f.chunks(t, "s1") {
		if c.Type == session.ChunkError && c.Meta(session.MetaEvent) == session.EventStreamCorruption {
			found = true
		}
	}
	if !found {
		t.Error("malformed line should produce a stream_corruption error chunk")
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, "echo '{\"type\":\"system\",\"subtype\":\"init\"}'\nsleep 30")
	f.create(t, "s1", false)
	if err := f.sv.Start(context.Background(), "s1", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitStatus(t, "s1", session.StatusWorking)

	first, err := f.sv.Cancel(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if first.Status != session.StatusCancelled {
		t.Errorf("Cancel returned %s, want cancelled", first.Status)
	}
	second, err := f.sv.Cancel(context.Background(), "s1")
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if second.Status != session.StatusCancelled {
		t.Errorf("second Cancel returned %s", second.Status)
	}

	s := f.wait(t, "s1")
	if s.Status != session.StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", s.Status)
	}
	if s.Metadata == nil {
		t.Error("metadata should be finalized after cancel")
	}
	chunks := f.chunks(t, "s1")
	last := chunks[len(chunks)-1]
	if !last.IsSessionEnd() || last.Meta(session.MetaStatus) != string(session.StatusCancelled) {
		t.Errorf("last chunk = %+v", last)
	}
}

func TestCancel_KillsAfterGrace(t *testing.T) {
	const grace = 300 * time.Millisecond
	f := newFixture(t, "trap '' TERM\necho '{\"type\":\"system\",\"subtype\":\"init\"}'\nwhile true; do sleep 1; done", func(c *Config) {
		c.CancelGrace = grace
	})
	f.create(t, "s1", false)
	if err := f.sv.Start(context.Background(), "s1", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitStatus(t, "s1", session.StatusWorking)

	begin := time.Now()
	if _, err := f.sv.Cancel(context.Background(), "s1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	s := f.wait(t, "s1")
	elapsed := time.Since(begin)

	if s.Status != session.StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", s.Status)
	}
	if elapsed < grace {
		t.Errorf("process exited after %v, before the %v grace period", elapsed, grace)
	}
	if elapsed > grace+5*time.Second {
		t.Errorf("process took %v to die after cancel", elapsed)
	}
	chunks := f.chunks(t, "s1")
	if last := chunks[len(chunks)-1]; !last.IsSessionEnd() || last.Meta(session.MetaStatus) != string(session.StatusCancelled) {
		t.Errorf("last chunk = %+v", last)
	}
}

func TestWaitingApproval_ExitCompletes(t *testing.T) {
	const planLine = `{"type":"assistant","message":{"id":"msg_1","content":[{"type":"tool_use","id":"tu_1","name":"ExitPlanMode","input":{"plan":"write README"}}]}}`
	f := newFixture(t, "echo '{\"type\":\"system\",\"subtype\":\"init\"}'\necho '"+planLine+"'\nsleep 1\nexit 0")
	f.create(t, "s1", false)
	if err := f.sv.Start(context.Background(), "s1", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitStatus(t, "s1", session.StatusWaitingApproval)

	s := f.wait(t, "s1")
	if s.Status != session.StatusCompleted {
		t.Fatalf("Status = %s (%s), want completed", s.Status, s.ErrorMessage)
	}
	if s.ExitCode == nil || *s.ExitCode != 0 || s.Metadata == nil {
		t.Errorf("session = %+v, want exit code 0 and metadata", s)
	}
	chunks := f.chunks(t, "s1")
	if last := chunks[len(chunks)-1]; !last.IsSessionEnd() || last.Meta(session.MetaStatus) != string(session.StatusCompleted) {
		t.Errorf("last chunk = %+v", last)
	}
}

func TestCancel_Pending(t *testing.T) {
	f := newFixture(t, "exit 0")
	f.create(t, "s1", false)

	s, err := f.sv.Cancel(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if s.Status != session.StatusCancelled {
		t.Errorf("Status = %s", s.Status)
	}
	chunks := f.chunks(t, "s1")
	if len(chunks) != 1 || !chunks[0].IsSessionEnd() {
		t.Errorf("chunks = %+v, want only the end marker", chunks)
	}
}

func TestCancel_Unknown(t *testing.T) {
	f := newFixture(t, "exit 0")
	if _, err := f.sv.Cancel(context.Background(), "nope"); !errors.Is(err, errors.KindNotFound) {
		t.Errorf("Cancel = %v, want not found", err)
	}
}

func TestSend_Interactive(t *testing.T) {
	// One result per line of input until stdin closes.
	f := newFixture(t, "while read line; do echo '"+textLine+"'; echo '"+resultLine+"'; done")
	f.create(t, "s1", true)

	if err := f.sv.Start(context.Background(), "s1", "c1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitStatus(t, "s1", session.StatusIdle)

	if err := f.sv.Send("s1", "and a LICENSE", "c2"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		n := 0
		for _, c := range f.chunks(t, "s1") {
			if c.Type == session.ChunkText {
				n++
			}
		}
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second turn never produced output")
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.waitStatus(t, "s1", session.StatusIdle)

	if err := f.sv.Finish("s1"); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	s := f.wait(t, "s1")
	if s.Status != session.StatusCompleted {
		t.Fatalf("Status = %s (%s), want completed", s.Status, s.ErrorMessage)
	}

	var prompts []session.OutputChunk
	for _, c := range f.chunks(t, "s1") {
		if c.Type == session.ChunkUserMessage {
			prompts = append(prompts, c)
		}
	}
	if len(prompts) != 2 || prompts[1].Content != "and a LICENSE" || prompts[1].Meta(session.MetaClientMessageID) != "c2" {
		t.Errorf("user messages = %+v", prompts)
	}
	if len(s.Metadata.Turns) != 2 {
		t.Errorf("Turns = %d, want 2", len(s.Metadata.Turns))
	}

	if err := f.sv.Send("s1", "too late", ""); !errors.Is(err, errors.KindAlreadyTerminal) {
		t.Errorf("Send after exit = %v, want already terminal", err)
	}
}

func TestSend_OneShotRejected(t *testing.T) {
	f := newFixture(t, "echo '{\"type\":\"system\",\"subtype\":\"init\"}'\nsleep 30")
	f.create(t, "s1", false)
	if err := f.sv.Start(context.Background(), "s1", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.sv.Send("s1", "more", ""); !errors.Is(err, errors.KindInvalid) {
		t.Errorf("Send = %v, want invalid", err)
	}
	f.sv.Cancel(context.Background(), "s1")
	f.wait(t, "s1")
}

func TestComposePrompt(t *testing.T) {
	if got := composePrompt(nil, "hi"); got != "hi" {
		t.Errorf("composePrompt(nil) = %q", got)
	}
	got := composePrompt([]session.Message{{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"}}, "c")
	for _, want := range []string{"user: a", "assistant: b", "Current request:\n\nc"} {
		if !strings.Contains(got, want) {
			t.Errorf("composePrompt missing %q in %q", want, got)
		}
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 4}
	b.Write([]byte("abc"))
	b.Write([]byte("defg"))
	if got := b.String(); got != "defg" {
		t.Errorf("tail = %q, want defg", got)
	}
	if got := lastLine("one\ntwo\n"); got != "two" {
		t.Errorf("lastLine = %q", got)
	}
}
