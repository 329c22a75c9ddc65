package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/swarm/internal/session"
)

func newTestRegistry(t *testing.T) (*File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "registry.jsonl")
	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, path
}

func TestRecordAndReplay(t *testing.T) {
	r, _ := newTestRegistry(t)

	created := session.RegistryEvent{Type: session.EventCreated, SessionID: "s1", AgentType: session.AgentClaude, Prompt: "add README"}
	code := 0
	done := session.RegistryEvent{Type: session.EventCompleted, SessionID: "s1", ExitCode: &code}

	if err := r.Record(created); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := r.Record(done); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := r.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Replay returned %d events, want 2", len(events))
	}
	if events[0].Type != session.EventCreated || events[0].Prompt != "add README" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].Type != session.EventCompleted || events[1].ExitCode == nil || *events[1].ExitCode != 0 {
		t.Errorf("events[1] = %+v", events[1])
	}
	for _, ev := range events {
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Errorf("event missing id or timestamp: %+v", ev)
		}
	}
}

func TestReplay_Empty(t *testing.T) {
	r, _ := newTestRegistry(t)
	events, err := r.Replay()
	if err != nil || len(events) != 0 {
		t.Errorf("Replay() = %v, %v", events, err)
	}
}

func TestReplay_SurvivesReopen(t *testing.T) {
	r, path := newTestRegistry(t)
	r.Record(session.RegistryEvent{Type: session.EventCreated, SessionID: "s1"})
	r.Close()

	r2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Close()
	r2.Record(session.RegistryEvent{Type: session.EventCancelled, SessionID: "s1"})

	events, err := r2.Replay()
	if err != nil || len(events) != 2 {
		t.Fatalf("Replay() = %v, %v", events, err)
	}
}

func TestReplay_SkipsTornRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")
	good := `{"id":"e1","type":"session_created","session_id":"s1","timestamp":"2026-01-01T00:00:00Z"}` + "\n"
	torn := `{"id":"e2","type":"session_compl`
	if err := os.WriteFile(path, []byte(good+torn), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := r.Record(session.RegistryEvent{Type: session.EventFailed, SessionID: "s1", Error: "orphaned"}); err != nil {
		t.Fatal(err)
	}

	events, err := r.Replay()
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Replay returned %d events, want 2 (torn line skipped): %+v", len(events), events)
	}
	if events[1].Type != session.EventFailed {
		t.Errorf("record after a torn line should be intact, got %+v", events[1])
	}
}

func TestRecord_Concurrent(t *testing.T) {
	r, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Record(session.RegistryEvent{Type: session.EventCreated, SessionID: "s", Timestamp: time.Now()})
		}()
	}
	wg.Wait()

	events, err := r.Replay()
	if err != nil || len(events) != 20 {
		t.Errorf("Replay() = %d events, %v; want 20", len(events), err)
	}
}
