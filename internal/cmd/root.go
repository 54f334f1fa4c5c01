package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for the shipper
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "longhouse-shipper",
		Short: "Ships AI coding session transcripts to Longhouse",
		Long: `Longhouse Shipper watches Claude Code, Codex, and Gemini transcripts,
parses new content incrementally, and ships normalized events to a
Longhouse ingest endpoint with at-least-once delivery.

Run 'connect' to start the daemon, or 'ship' for a one-shot bulk
upload. 'service install' keeps the daemon running under launchd or
systemd; 'hooks install' ships each session the moment it ends.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	// Add subcommands
	cmd.AddCommand(NewConnectCommand())
	cmd.AddCommand(NewShipCommand())
	cmd.AddCommand(NewParseCommand())
	cmd.AddCommand(NewBenchCommand())
	cmd.AddCommand(NewServiceCommand())
	cmd.AddCommand(NewHooksCommand())
	cmd.AddCommand(NewPresenceCommand())

	return cmd
}
