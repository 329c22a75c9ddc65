package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhubert/swarm/internal/config"
	"github.com/zhubert/swarm/internal/logger"
	"github.com/zhubert/swarm/internal/paths"
)

var (
	debugMode             bool
	quietMode             bool
	configPath            string
	version, commit, date string
)

// SetVersionInfo sets version information from ldflags
func SetVersionInfo(v, c, d string) {
	version, commit, date = v, c, d
}

var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Run and observe concurrent coding-agent sessions",
	Long: `Swarm runs AI coding agents (claude, codex, gemini) as supervised
subprocesses. Each session can get its own git worktree, and every line an
agent prints is kept in a replayable per-session log that any number of
clients can follow.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <data dir>/config.yml)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quietMode, "quiet", "q", false, "Only log warnings and errors")
}

// loadConfig reads the config and starts file logging under its data dir.
// Flags win over the configured log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if err := logger.Init(paths.LogFile(cfg.DataDir)); err != nil {
		return nil, err
	}
	applyLogLevel(cfg.GetLogLevel())
	return cfg, nil
}

func applyLogLevel(configured string) {
	switch {
	case quietMode:
		logger.SetLevel("warn")
	case debugMode:
		logger.SetDebug(true)
	default:
		if err := logger.SetLevel(configured); err != nil {
			logger.Warn("invalid log level %q, using info", configured)
			logger.SetDebug(false)
		}
	}
}

// Execute runs the root command
func Execute() error {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(versionTemplate())
	defer logger.Close()
	return rootCmd.Execute()
}

func versionTemplate() string {
	if commit != "none" && commit != "" {
		return fmt.Sprintf("swarm %s\n  commit: %s\n  built:  %s\n", version, commit, date)
	}
	return fmt.Sprintf("swarm %s\n", version)
}
