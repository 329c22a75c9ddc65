package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// EnvLogLevel overrides the configured log level when set.
const EnvLogLevel = "SWARM_LOG_LEVEL"

var (
	base     = newBase()
	logFile  *os.File
	logPath  string
	initDone bool
	mu       sync.Mutex
)

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	if lvl := os.Getenv(EnvLogLevel); lvl != "" {
		if parsed, err := logrus.ParseLevel(lvl); err == nil {
			l.SetLevel(parsed)
		}
	}
	return l
}

// Init opens path for appending and routes all loggers to it. When stderr
// is a terminal and debug is enabled, output is mirrored there as well.
// Calling Init again without Reset is a no-op.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if initDone {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	logFile = f
	logPath = path
	initDone = true
	applyOutput()

	base.WithField("path", path).Info("Logger initialized")
	return nil
}

// applyOutput must be called with mu held.
func applyOutput() {
	var writers []io.Writer
	if logFile != nil {
		writers = append(writers, logFile)
	}
	if base.GetLevel() >= logrus.DebugLevel && isatty.IsTerminal(os.Stderr.Fd()) {
		writers = append(writers, os.Stderr)
	}
	switch len(writers) {
	case 0:
		base.SetOutput(io.Discard)
	case 1:
		base.SetOutput(writers[0])
	default:
		base.SetOutput(io.MultiWriter(writers...))
	}
}

// SetLevel sets the minimum level by name ("debug", "info", "warn", "error").
// Unknown names are rejected and leave the level unchanged.
func SetLevel(level string) error {
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	base.SetLevel(parsed)
	applyOutput()
	return nil
}

// SetDebug enables debug level logging
func SetDebug(enabled bool) {
	if enabled {
		_ = SetLevel("debug")
	} else {
		_ = SetLevel("info")
	}
}

// Info writes an info message
func Info(format string, args ...interface{}) {
	base.Infof(format, args...)
}

// Warn writes a warning message
func Warn(format string, args ...interface{}) {
	base.Warnf(format, args...)
}

// WithComponent returns an entry with the component field pre-attached.
//
//	log := logger.WithComponent("supervisor")
//	log.WithField("sessionID", id).Info("process started")
func WithComponent(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// WithSession returns an entry with the session ID pre-attached.
func WithSession(sessionID string) *logrus.Entry {
	return base.WithField("sessionID", sessionID)
}

// Path returns the active log file path, or "" before Init.
func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return logPath
}

// Close closes the log file
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	applyOutput()
}

// Reset restores the initial state, allowing reinitialization.
// The current level is preserved.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	initDone = false
	logPath = ""
	applyOutput()
}

// ClearLogs removes all *.log files in dir and returns how many were removed.
func ClearLogs(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.log"))
	if err != nil {
		return 0, err
	}
	count := 0
	for _, p := range matches {
		if err := os.Remove(p); err == nil {
			count++
		} else if !os.IsNotExist(err) {
			return count, err
		}
	}
	return count, nil
}
