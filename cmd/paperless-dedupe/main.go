package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "paperless-dedupe",
		Short:   "Find and resolve duplicate documents in a Paperless-NGX library",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newAnalyzeCmd())

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}
