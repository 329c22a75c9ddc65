package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhubert/swarm/internal/logger"
	"github.com/zhubert/swarm/internal/orchestrator"
	"github.com/zhubert/swarm/internal/paths"
)

var (
	skipConfirm bool
	cleanLogs   bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean [REPO...]",
	Short: "Remove orphaned worktrees, leftover agent processes and old logs",
	Long: `Kills agent processes still running for finished sessions and removes
worktrees in swarm's worktree directories that no live or kept
session owns, together with their branches. Repositories are taken from the
recorded sessions plus any given as arguments (default: the repository
containing the current directory).

With --logs, swarm's log files are removed as well. It will prompt for
confirmation before proceeding unless the --yes flag is used.`,
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVarP(&skipConfirm, "yes", "y", false, "Skip confirmation prompt")
	cleanCmd.Flags().BoolVar(&cleanLogs, "logs", false, "Also remove log files")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	return runCleanWithReader(os.Stdin, args)
}

// runCleanWithReader allows injecting a reader for testing
func runCleanWithReader(input io.Reader, repos []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	orch, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		orch.Close(closeCtx)
	}()
	if _, err := orch.Rebuild(ctx, false); err != nil {
		return fmt.Errorf("error loading sessions: %w", err)
	}

	var roots []string
	if len(repos) == 0 {
		if wd, err := os.Getwd(); err == nil {
			repos = []string{wd}
		}
	}
	for _, r := range repos {
		root, err := orch.RepoRoot(ctx, r)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %s is not in a git repository\n", r)
			continue
		}
		roots = append(roots, root)
	}

	fmt.Println("This will clean:")
	fmt.Println("  - agent processes of finished sessions")
	fmt.Println("  - worktrees no session owns")
	if cleanLogs {
		fmt.Printf("  - all log files in %s\n", paths.LogDir(cfg.DataDir))
	}

	if !skipConfirm {
		if !confirm(input, "Continue?") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	killed, err := orch.ReapProcesses(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: error looking for agent processes: %v\n", err)
	}
	pruned := orch.PruneWorktrees(ctx, roots...)

	var logsCleared int
	if cleanLogs {
		logger.Reset()
		logsCleared, err = logger.ClearLogs(paths.LogDir(cfg.DataDir))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: error clearing logs: %v\n", err)
		}
	}

	fmt.Println()
	if killed == 0 && pruned == 0 && logsCleared == 0 {
		fmt.Println("Nothing to clean.")
		return nil
	}
	fmt.Println("Cleaned:")
	if killed > 0 {
		fmt.Printf("  - %d orphaned process(es) killed\n", killed)
	}
	if pruned > 0 {
		fmt.Printf("  - %d orphaned worktree(s) pruned\n", pruned)
	}
	if logsCleared > 0 {
		fmt.Printf("  - %d log file(s) removed\n", logsCleared)
	}
	return nil
}

// confirm prompts the user for y/n confirmation
func confirm(input io.Reader, prompt string) bool {
	reader := bufio.NewReader(input)
	fmt.Printf("%s [y/N]: ", prompt)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
