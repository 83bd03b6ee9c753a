// Package main is the entry point for runctl, the agentplane CLI.
package main

import (
	"os"

	"agentplane/cmd/runctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
