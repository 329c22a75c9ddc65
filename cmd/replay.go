package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zhubert/swarm/internal/paths"
	"github.com/zhubert/swarm/internal/registry"
	"github.com/zhubert/swarm/internal/session"
)

var (
	replayJSON  bool
	replayLocal bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Print the session lifecycle registry",
	Long: `Prints every recorded lifecycle event in append order. By default the
events come from the running server; --local reads the registry file in the
data directory instead.`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print events as JSON lines")
	replayCmd.Flags().BoolVar(&replayLocal, "local", false, "Read the registry file directly")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	var (
		events []session.RegistryEvent
		err    error
	)
	if replayLocal {
		events, err = replayLocalRegistry()
	} else {
		var client *apiClient
		client, err = newAPIClient()
		if err == nil {
			events, err = client.registry()
		}
	}
	if err != nil {
		return err
	}

	if replayJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tSESSION\tDETAIL")
	for _, ev := range events {
		detail := ev.Prompt
		if ev.Error != "" {
			detail = ev.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.Timestamp.Local().Format("2006-01-02 15:04:05"), ev.Type, ev.SessionID, truncate(detail, 60))
	}
	return tw.Flush()
}

func replayLocalRegistry() ([]session.RegistryEvent, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(paths.RegistryFile(cfg.DataDir))
	if err != nil {
		return nil, err
	}
	defer reg.Close()
	return reg.Replay()
}
