// Package registry is the durable, append-only log of session lifecycle
// events. It is the source of truth for which sessions exist and how they
// ended; replaying it after a restart reconstructs the session list.
package registry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zhubert/swarm/internal/logger"
	"github.com/zhubert/swarm/internal/session"
)

// Registry records and replays lifecycle events.
type Registry interface {
	Record(ev session.RegistryEvent) error
	Replay() ([]session.RegistryEvent, error)
	Close() error
}

// File is a Registry stored as one JSON object per line.
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
	log  *logrus.Entry
}

var _ Registry = (*File)(nil)

// Open opens (or creates) the registry file at path.
func Open(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	r := &File{path: path, f: f, log: logger.WithComponent("registry")}
	if err := r.terminateTornLine(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// terminateTornLine makes sure the next record starts on a fresh line when
// a previous process died mid-write.
func (r *File) terminateTornLine() error {
	info, err := r.f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := r.f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	r.log.WithField("path", r.path).Warn("registry ends with a partial record, terminating it")
	_, err = r.f.Write([]byte{'\n'})
	return err
}

// Path returns the backing file path.
func (r *File) Path() string {
	return r.path
}

// Record appends ev and syncs it to disk before returning. Missing ids and
// timestamps are filled in.
func (r *File) Record(ev session.RegistryEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write registry event: %w", err)
	}
	if err := r.f.Sync(); err != nil {
		return fmt.Errorf("sync registry: %w", err)
	}
	r.log.WithFields(logrus.Fields{"sessionID": ev.SessionID, "type": ev.Type}).Debug("recorded event")
	return nil
}

// Replay returns every event in append order. Lines that do not decode
// (a torn final write, manual edits) are skipped with a warning.
func (r *File) Replay() ([]session.RegistryEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []session.RegistryEvent
	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				var ev session.RegistryEvent
				if jerr := json.Unmarshal(line, &ev); jerr != nil || ev.SessionID == "" {
					r.log.WithFields(logrus.Fields{"line": lineNo}).Warn("skipping unreadable registry record")
				} else {
					events = append(events, ev)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return events, nil
}

// Close closes the file.
func (r *File) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}
