package cmd

import (
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	Long: `List runs, newest first.

Example:
  runctl list --status FAILED --limit 10
  runctl list --target backend`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		status, _ := flags.GetString("status")
		target, _ := flags.GetString("target")
		repository, _ := flags.GetString("repository")
		limit, _ := flags.GetInt("limit")
		offset, _ := flags.GetInt("offset")

		query := url.Values{}
		if status != "" {
			query.Set("status", status)
		}
		if target != "" {
			query.Set("target", target)
		}
		if repository != "" {
			query.Set("repository", repository)
		}
		if limit > 0 {
			query.Set("limit", strconv.Itoa(limit))
		}
		if offset > 0 {
			query.Set("offset", strconv.Itoa(offset))
		}

		client := NewRunClient(viper.GetString("url"))

		resp, err := client.ListRuns(query)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("List failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("List failed: %v\n", err)
			}
			return
		}

		if len(resp.Items) == 0 {
			cmd.Println("No runs found")
			return
		}

		cmd.Printf("%-36s  %-9s  %-16s  %s\n", "RUN ID", "STATUS", "TARGET", "STARTED")
		for _, run := range resp.Items {
			started := "-"
			if run.StartedAt != nil {
				started = run.StartedAt.Format("2006-01-02 15:04:05")
			}
			cmd.Printf("%-36s  %-9s  %-16s  %s\n", run.ID, run.Status, run.Target, started)
		}
		cmd.Printf("\n%d of %d runs\n", len(resp.Items), resp.Total)
	},
}

func init() {
	flags := listCmd.Flags()
	flags.String("status", "", "Filter by status (QUEUED, RUNNING, SUCCESS, FAILED, CANCELLED, RETRYING)")
	flags.StringP("target", "t", "", "Filter by target")
	flags.StringP("repository", "r", "", "Filter by repository")
	flags.Int("limit", 20, "Page size")
	flags.Int("offset", 0, "Page offset")

	rootCmd.AddCommand(listCmd)
}
