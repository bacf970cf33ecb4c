// Agentloop runs the blackboard agent loop as an HTTP service or from the
// terminal.
//
// Usage:
//
//	# Serve the control API on the configured host and port
//	agentloop serve
//
//	# One question, with plan approval at the terminal
//	agentloop ask --plan-approval "what is 2^10 + 1?"
//
//	# Interactive session
//	agentloop chat
//
// Configuration is read from ~/.config/agentloop/config.yaml (or --config)
// and AGENTLOOP_* environment variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	verbose    bool
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "\nreceived %v, shutting down\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentloop",
		Short: "Blackboard agent loop with human-in-the-loop gates",
		Long: `agentloop answers queries by planning, executing and re-planning steps
against a shared blackboard. Runs can be driven over HTTP (serve) or from
the terminal (ask, chat).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/agentloop/config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at the configured level in terminal commands")

	root.AddCommand(newServeCmd())
	root.AddCommand(newAskCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newIngestCmd())
	root.AddCommand(newToolsCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "agentloop by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
