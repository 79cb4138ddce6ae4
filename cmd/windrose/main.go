// Package main provides the windrose CLI: a terminal front end for the
// resilient chat transport core.
//
// # Basic Usage
//
// Store a credential pair obtained from the auth flow:
//
//	windrose login --access <jwt> --refresh <token>
//
// Chat interactively in a conversation:
//
//	windrose chat conv-123
//
// Send a single message (queued durably if the backend is unreachable):
//
//	windrose send conv-123 "running late, be there in 10"
//
// Inspect or discard the offline queue:
//
//	windrose queue ls
//	windrose queue clear
//
// Configuration is read from windrose.yaml (override with --config or
// WINDROSE_CONFIG). Environment variables in the file are expanded.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "windrose",
		Short: "Resilient chat transport client",
		Long: `Windrose keeps a chat conversation alive across flaky mobile networks:
authenticated websocket with heartbeat liveness, exponential-backoff
reconnection, single-flight token refresh, and a durable offline queue
that replays unsent messages when connectivity returns.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		buildLoginCmd(),
		buildLogoutCmd(),
		buildChatCmd(),
		buildSendCmd(),
		buildTailCmd(),
		buildQueueCmd(),
		buildStatusCmd(),
		buildVersionCmd(),
	)
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("windrose %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
