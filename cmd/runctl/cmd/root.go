package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "runctl",
	Short: "Runctl is a command line tool for interacting with the agentplane server",
	Long: `runctl is the command-line interface for agentplane, the agent run
orchestration engine.

Agentplane executes long-running AI-agent subprocess invocations ("runs"),
bounds their concurrency, persists their full lifecycle, and streams live
output to subscribers.

Common workflows:

  Submit a run:
    runctl submit --prompt "fix the failing test" --target backend

  Check a run:
    runctl get <run-id>

  Stream live output:
    runctl watch <run-id>

  Retry a failed run:
    runctl retry <run-id>

  Aggregate statistics:
    runctl stats

Configuration:
  Set the API endpoint via environment variables or a config file:
    AGENTPLANE_URL    API endpoint (default: http://localhost:6200)`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".runctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".runctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "AGENTPLANE_VARNAME"
	viper.SetEnvPrefix("AGENTPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.runctl.yaml)")
	rootCmd.PersistentFlags().String("url", "http://localhost:6200", "agentplane API endpoint")

	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}
