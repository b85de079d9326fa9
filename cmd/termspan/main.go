package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "termspan",
		Short:   "termspan — multi-client PTY console relay",
		Long:    "Exposes long-running terminal sessions to multiple simultaneous clients\nover WebSocket, with replay, reconnection, and shared sizing.",
		Version: version,
	}

	root.AddCommand(
		serveCmd(),
		attachCmd(),
		sessionsCmd(),
		tokenCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
