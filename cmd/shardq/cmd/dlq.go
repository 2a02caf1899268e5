package cmd

import (
	"github.com/spf13/cobra"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Dead-letter operations",
	Long: `Inspect messages that were retired after exhausting their retries.

Examples:
  shardq dlq drain
  shardq dlq drain -o json > dead-letters.json`,
}

var dlqDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Remove and print every dead letter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := client.DrainDeadLetters(commandContext(cmd))
		if err != nil {
			return err
		}
		return formatter.FormatDeadLetters(resp)
	},
}

func init() {
	dlqCmd.AddCommand(dlqDrainCmd)
}
