package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/swarm/internal/orchestrator"
	"github.com/zhubert/swarm/internal/session"
)

var (
	runAgent        string
	runModel        string
	runDir          string
	runTask         string
	runIsolate      bool
	runKeepWorktree bool
)

var runCmd = &cobra.Command{
	Use:   "run [flags] PROMPT",
	Short: "Run one agent session in the foreground",
	Long: `Spawns a session without a server and prints its output until the agent
exits. Ctrl-C cancels the session. The session is recorded in the same data
directory a server uses, so it shows up in "swarm replay".`,
	Example: `  swarm run "add a README"
  swarm run --agent codex --isolate "fix the flaky test"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runAgent, "agent", "a", "", "Agent to run: claude, codex or gemini (default from config)")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model override passed to the agent")
	runCmd.Flags().StringVarP(&runDir, "dir", "C", "", "Working directory (default: current directory)")
	runCmd.Flags().StringVar(&runTask, "task", "", "Task path; implies --isolate")
	runCmd.Flags().BoolVar(&runIsolate, "isolate", false, "Run in a dedicated git worktree")
	runCmd.Flags().BoolVar(&runKeepWorktree, "keep-worktree", false, "Keep the worktree after the session ends")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		orch.Close(closeCtx)
	}()

	// Without orphan recovery, so a server sharing the data dir keeps its sessions.
	if _, err := orch.Rebuild(context.Background(), false); err != nil {
		return fmt.Errorf("error loading sessions: %w", err)
	}

	d, err := orch.Spawn(context.Background(), orchestrator.SpawnParams{
		Prompt:       strings.Join(args, " "),
		WorkingDir:   runDir,
		AgentType:    session.AgentType(runAgent),
		Model:        runModel,
		TaskPath:     runTask,
		Isolate:      runIsolate,
		KeepWorktree: runKeepWorktree,
	})
	if err != nil && d.SessionID == "" {
		return err
	}

	fmt.Fprintf(os.Stderr, "session %s (%s)", d.SessionID, d.AgentType)
	if d.WorktreePath != "" {
		fmt.Fprintf(os.Stderr, " in %s [%s]", d.WorktreePath, d.WorktreeBranch)
	}
	fmt.Fprintln(os.Stderr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\ncancelling...")
			orch.Cancel(ctx, d.SessionID)
		case <-ctx.Done():
		}
	}()

	if err := follow(ctx, orch, d.SessionID); err != nil {
		return err
	}

	s, err := orch.GetSession(d.SessionID)
	if err != nil {
		return err
	}
	if files, err := orch.GetChangedFiles(ctx, s.ID); err == nil && len(files) > 0 {
		fmt.Println()
		printFiles(os.Stdout, files)
	}
	if s.Status != session.StatusCompleted {
		if s.ErrorMessage != "" {
			return fmt.Errorf("session %s: %s", s.Status, s.ErrorMessage)
		}
		return fmt.Errorf("session %s", s.Status)
	}
	return nil
}

// follow prints chunks until the session end marker.
func follow(ctx context.Context, orch *orchestrator.Orchestrator, id string) error {
	from := 0
	for {
		chunks, err := orch.WaitOutput(ctx, id, from, 30*time.Second)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			printChunk(os.Stdout, c)
			if c.IsSessionEnd() {
				return nil
			}
		}
		from += len(chunks)
	}
}
