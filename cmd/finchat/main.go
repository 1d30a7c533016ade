// Package main is the finchat CLI: an interactive chat REPL against the
// configured upstream, a serving mode exposing health and metrics, and
// one-shot cache maintenance.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.2.0 -X main.commit=$(git rev-parse --short HEAD)"
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "finchat",
		Short: "Conversational finance assistant",
		Long: `Finchat answers questions about accounts, transactions, and forecasts.
It keeps per-session conversation history, assembles a budgeted context
window for each turn, and lets the model call read-only finance tools.

Without --config it runs fully in process: memory session store, memory
cache, and a small demo dataset. Point --config at a YAML file to use
Redis and Firestore backends.`,
		Version:      fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(
		buildChatCmd(),
		buildServeCmd(),
		buildWarmCmd(),
		buildVersionCmd(),
	)
	return root
}
