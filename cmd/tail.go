package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	tailFrom   int
	tailFollow bool
)

var tailCmd = &cobra.Command{
	Use:   "tail SESSION",
	Short: "Print a session's output",
	Long: `Prints the session's output stream starting at --from. With --follow
it keeps long-polling the server until the session ends.`,
	Args: cobra.ExactArgs(1),
	RunE: runTail,
}

func init() {
	tailCmd.Flags().IntVar(&tailFrom, "from", 0, "Offset to start from")
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Keep following until the session ends")
	rootCmd.AddCommand(tailCmd)
}

func runTail(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	id := args[0]
	from := tailFrom

	for {
		var wait time.Duration
		if tailFollow {
			wait = 25 * time.Second
		}
		page, err := client.output(id, from, wait)
		if err != nil {
			return err
		}
		for _, c := range page.Chunks {
			printChunk(os.Stdout, c)
			if c.IsSessionEnd() {
				return nil
			}
		}
		from = page.Next
		if !tailFollow {
			return nil
		}
	}
}
