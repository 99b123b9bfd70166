// Package main is the entry point for the clipsmith server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clipsmith/clipsmith/internal/config"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configFile string
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "clipsmith",
		Short: "Agentic video editing job server",
		Long: `Clipsmith runs an LLM tool-calling loop over ffmpeg as cancellable
background jobs, streams progress over WebSocket, and persists
conversations to Postgres with optional semantic memory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configFile, "config", config.DefaultFile, "Path to config file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose output")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())

	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
