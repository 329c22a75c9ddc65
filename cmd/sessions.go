package cmd

import (
	"encoding/json"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	sessionsStatus string
	sessionsAgent  string
	sessionsActive bool
	sessionsLimit  int
	sessionsJSON   bool
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"ls"},
	Short:   "List sessions known to the server",
	RunE:    runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsStatus, "status", "", "Comma-separated statuses to include")
	sessionsCmd.Flags().StringVar(&sessionsAgent, "agent", "", "Only sessions for this agent")
	sessionsCmd.Flags().BoolVar(&sessionsActive, "active", false, "Only sessions that have not finished")
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 0, "Show at most this many (newest)")
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	q := url.Values{}
	if sessionsStatus != "" {
		q.Set("status", sessionsStatus)
	}
	if sessionsAgent != "" {
		q.Set("agent", sessionsAgent)
	}
	if sessionsActive {
		q.Set("active", "true")
	}
	if sessionsLimit > 0 {
		q.Set("limit", strconv.Itoa(sessionsLimit))
	}

	list, err := client.listSessions(q)
	if err != nil {
		return err
	}
	if sessionsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	printSessions(os.Stdout, list, time.Now())
	return nil
}
