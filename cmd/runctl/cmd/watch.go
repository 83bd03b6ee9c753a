package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentplane/pkg/api"
)

var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Stream a run's live output",
	Long: `Stream a run's output as it is produced. The stream closes when the
run reaches a terminal state; watching a finished run prints its final
status and returns immediately.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		quiet, _ := cmd.Flags().GetBool("quiet")

		client := NewRunClient(viper.GetString("url"))

		err := client.StreamEvents(args[0], func(ev api.OutputEvent) bool {
			switch ev.Type {
			case "output":
				cmd.Println(ev.Line)
			case "heartbeat":
				if !quiet {
					cmd.Println("· heartbeat")
				}
			case "done":
				cmd.Printf("Run finished: %s\n", ev.Status)
			}
			return true
		})
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Watch failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Watch failed: %v\n", err)
			}
		}
	},
}

func init() {
	watchCmd.Flags().BoolP("quiet", "q", false, "Suppress heartbeat markers")
	rootCmd.AddCommand(watchCmd)
}
