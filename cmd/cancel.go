package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel SESSION...",
	Short: "Cancel running sessions",
	Long:  `Cancels each session. Sessions that already finished are reported unchanged.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var failed int
		for _, id := range args {
			s, err := client.cancel(id)
			if err != nil {
				fmt.Printf("%s: %v\n", id, err)
				failed++
				continue
			}
			fmt.Printf("%s: %s\n", s.ID, s.Status)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d cancellations failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
