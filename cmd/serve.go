package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/swarm/internal/config"
	"github.com/zhubert/swarm/internal/engine"
	"github.com/zhubert/swarm/internal/logger"
	"github.com/zhubert/swarm/internal/orchestrator"
	"github.com/zhubert/swarm/internal/server"
	"github.com/zhubert/swarm/internal/session"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session API server",
	Long: `Starts the HTTP API. On startup the session list is rebuilt from the
registry and sessions a previous server left running are marked failed.
The config file is watched and the tool taxonomy and log level are
reloaded when it changes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.WithComponent("serve")
	reportEngines(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := orch.Close(closeCtx); err != nil {
			log.WithError(err).Warn("shutdown did not complete cleanly")
		}
	}()

	stats, err := orch.Rebuild(ctx, true)
	if err != nil {
		return fmt.Errorf("error rebuilding sessions: %w", err)
	}
	if stats.Orphans > 0 {
		fmt.Fprintf(os.Stderr, "Marked %d session(s) from a previous run as failed.\n", stats.Orphans)
		logger.Info("marked %d orphaned session(s) failed", stats.Orphans)
	}

	if cfg.Path() != "" {
		w, err := config.NewWatcher(cfg, 0, logger.WithComponent("config"), orch.ApplyConfig)
		if err != nil {
			log.WithError(err).Warn("config hot reload disabled")
		} else {
			go w.Run(ctx)
		}
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	fmt.Fprintf(os.Stderr, "swarm listening on http://%s\n", addr)
	return server.New(orch).Run(ctx, addr)
}

// reportEngines warns about agent CLIs that are not installed. Sessions
// for them fail at spawn.
func reportEngines(cfg *config.Config) {
	for _, t := range session.AgentTypes {
		e, err := engine.New(t, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			continue
		}
		if err := engine.Check(e); err != nil {
			logger.WithComponent("serve").WithField("agent", t).Warn(err.Error())
		}
	}
}
