package cmd

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/zhubert/swarm/internal/logger"
)

func TestDebugFlagDefaultFalse(t *testing.T) {
	flag := rootCmd.PersistentFlags().Lookup("debug")
	if flag == nil {
		t.Fatal("--debug flag not found")
	}
	if flag.DefValue != "false" {
		t.Errorf("--debug default = %q, want %q", flag.DefValue, "false")
	}
}

func TestQuietFlagExists(t *testing.T) {
	flag := rootCmd.PersistentFlags().Lookup("quiet")
	if flag == nil {
		t.Fatal("--quiet flag not found")
	}
	if flag.DefValue != "false" {
		t.Errorf("--quiet default = %q, want %q", flag.DefValue, "false")
	}
	if flag.Shorthand != "q" {
		t.Errorf("--quiet shorthand = %q, want %q", flag.Shorthand, "q")
	}
}

func TestSubcommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "run", "sessions", "tail", "files", "cancel", "replay", "logs", "clean"} {
		if c, _, err := rootCmd.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestApplyLogLevel(t *testing.T) {
	origDebug, origQuiet := debugMode, quietMode
	defer func() {
		debugMode, quietMode = origDebug, origQuiet
		logger.Reset()
	}()

	tests := []struct {
		name       string
		debug      bool
		quiet      bool
		configured string
		want       logrus.Level
	}{
		{"configured level", false, false, "warn", logrus.WarnLevel},
		{"debug flag wins over config", true, false, "error", logrus.DebugLevel},
		{"quiet overrides debug", true, true, "debug", logrus.WarnLevel},
		{"invalid configured level falls back to info", false, false, "chatty", logrus.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			debugMode, quietMode = tt.debug, tt.quiet
			applyLogLevel(tt.configured)
			if got := logger.WithComponent("cmd").Logger.GetLevel(); got != tt.want {
				t.Errorf("level = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVersionTemplate(t *testing.T) {
	origV, origC, origD := version, commit, date
	defer SetVersionInfo(origV, origC, origD)

	SetVersionInfo("1.2.3", "none", "unknown")
	if got := versionTemplate(); got != "swarm 1.2.3\n" {
		t.Errorf("versionTemplate() = %q", got)
	}

	SetVersionInfo("1.2.3", "abc123", "2026-01-01")
	if got := versionTemplate(); got != "swarm 1.2.3\n  commit: abc123\n  built:  2026-01-01\n" {
		t.Errorf("versionTemplate() = %q", got)
	}
}
