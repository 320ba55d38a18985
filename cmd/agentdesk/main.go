package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var root = &cobra.Command{
		Use:           "agentdesk",
		Short:         "Knowledge scope service for deployed agents",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(serveCMD(), migrateCMD(), seedCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
