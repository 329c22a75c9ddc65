package cmd

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"

	"github.com/zhubert/swarm/internal/logger"
	"github.com/zhubert/swarm/internal/paths"
)

var (
	logsFollow bool
	logsLines  int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show swarm's own log file",
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Keep printing as the log grows")
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "Number of trailing lines to show (0 for all)")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := logger.Path()
	if path == "" {
		path = paths.LogFile(cfg.DataDir)
	}

	offset, err := tailOffset(path, logsLines)
	if err != nil {
		if os.IsNotExist(err) && !logsFollow {
			fmt.Println("No log file yet.")
			return nil
		}
		if !os.IsNotExist(err) {
			return err
		}
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:    logsFollow,
		ReOpen:    logsFollow,
		MustExist: !logsFollow,
		Location:  &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		Logger:    stdlog.New(io.Discard, "", 0),
	})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer t.Cleanup()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				return line.Err
			}
			fmt.Println(line.Text)
		case <-sigCh:
			return t.Stop()
		}
	}
}

// tailOffset returns the byte offset where the last n lines of path begin.
func tailOffset(path string, n int) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, nil
	}
	end := len(data)
	if end > 0 && data[end-1] == '\n' {
		end--
	}
	for i := end - 1; i >= 0; i-- {
		if data[i] == '\n' {
			n--
			if n == 0 {
				return int64(i + 1), nil
			}
		}
	}
	return 0, nil
}
