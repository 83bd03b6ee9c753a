package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))

		stats, err := client.Statistics()
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Stats failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Stats failed: %v\n", err)
			}
			return
		}

		cmd.Printf("Total runs:    %d\n", stats.TotalRuns)
		cmd.Printf("Success rate:  %.1f%%\n", stats.SuccessRate*100)
		cmd.Printf("Avg duration:  %dms\n", stats.AvgDurationMS)

		if len(stats.ByStatus) > 0 {
			cmd.Println("\nBy status:")
			for status, count := range stats.ByStatus {
				cmd.Printf("  %-10s %d\n", status, count)
			}
		}
		if len(stats.ByTarget) > 0 {
			cmd.Println("\nBy target:")
			for _, ts := range stats.ByTarget {
				cmd.Printf("  %-16s %d total, %d succeeded\n", ts.Target, ts.Total, ts.Succeeded)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
