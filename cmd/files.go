package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var filesCmd = &cobra.Command{
	Use:   "files SESSION",
	Short: "List the files a session's agent changed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		files, err := client.files(args[0])
		if err != nil {
			return err
		}
		printFiles(os.Stdout, files)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(filesCmd)
}
