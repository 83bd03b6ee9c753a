package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentplane/pkg/api"
)

var getCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run's current state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))

		run, err := client.GetRun(args[0])
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Get failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Get failed: %v\n", err)
			}
			return
		}

		printRun(cmd, run)
	},
}

func printRun(cmd *cobra.Command, run *api.Run) {
	cmd.Printf("Run:        %s\n", run.ID)
	cmd.Printf("Status:     %s\n", run.Status)
	if run.Target != "" {
		cmd.Printf("Target:     %s\n", run.Target)
	}
	if run.Repository != "" {
		cmd.Printf("Repository: %s\n", run.Repository)
	}
	if run.StartedAt != nil {
		cmd.Printf("Started:    %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if run.CompletedAt != nil {
		cmd.Printf("Completed:  %s (%dms)\n", run.CompletedAt.Format("2006-01-02 15:04:05"), run.DurationMS)
	}
	if run.RetryCount > 0 {
		cmd.Printf("Retries:    %d (parent %s)\n", run.RetryCount, run.ParentRunID)
	}
	if run.Output != nil {
		cmd.Printf("Result:     %s\n", run.Output.Result)
		if run.Output.Usage.InputTokens > 0 || run.Output.Usage.OutputTokens > 0 {
			cmd.Printf("Tokens:     %d in / %d out\n", run.Output.Usage.InputTokens, run.Output.Usage.OutputTokens)
		}
	}
	if run.Error != nil {
		cmd.Printf("Error:      [%s] %s (recoverable: %t)\n", run.Error.Code, run.Error.Message, run.Error.Recoverable)
	}
}

func init() {
	rootCmd.AddCommand(getCmd)
}
