package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentplane/pkg/api"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new agent run",
	Long: `Submit a new run for execution. The run is queued immediately and
executed when a worker slot is free.

Example:
  runctl submit --prompt "fix the failing unit test" --target backend
  runctl submit --prompt "continue the review" --resume 6b69c9aa-4c1e-4de7-9f68-7f0b4f0ee83d`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		prompt, _ := flags.GetString("prompt")
		repository, _ := flags.GetString("repository")
		target, _ := flags.GetString("target")
		model, _ := flags.GetString("model")
		contextPayload, _ := flags.GetString("context")
		resume, _ := flags.GetString("resume")
		timeout, _ := flags.GetInt("timeout")

		if prompt == "" {
			cmd.Println("Error: --prompt is required")
			return
		}

		client := NewRunClient(viper.GetString("url"))

		run, err := client.SubmitRun(api.SubmitRunRequest{
			Repository:     repository,
			Target:         target,
			Prompt:         prompt,
			Model:          model,
			Context:        contextPayload,
			ResumeToken:    resume,
			TimeoutSeconds: timeout,
		})
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Submit failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Submit failed: %v\n", err)
			}
			return
		}

		cmd.Printf("✓ Run submitted!\nRun ID: %s\nStatus: %s\n", run.ID, run.Status)
	},
}

func init() {
	flags := submitCmd.Flags()
	flags.StringP("prompt", "p", "", "Prompt/command text for the agent (required)")
	flags.StringP("repository", "r", "", "Repository the run applies to")
	flags.StringP("target", "t", "", "Logical target of the run")
	flags.StringP("model", "m", "", "Model override")
	flags.String("context", "", "Extra context payload (diff, history)")
	flags.String("resume", "", "Resume a prior external session (UUID)")
	flags.Int("timeout", 0, "Maximum run duration in seconds (optional)")

	rootCmd.AddCommand(submitCmd)
}
