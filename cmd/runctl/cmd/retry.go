package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var retryCmd = &cobra.Command{
	Use:   "retry <run-id>",
	Short: "Retry a failed run",
	Long: `Retry a failed run whose error is recoverable. A new run is created,
linked to the original; the original record is kept for auditing.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))

		run, err := client.RetryRun(args[0])
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Retry failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Retry failed: %v\n", err)
			}
			return
		}

		cmd.Printf("✓ Retry queued!\nNew run ID: %s (attempt %d)\n", run.ID, run.RetryCount+1)
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
}
