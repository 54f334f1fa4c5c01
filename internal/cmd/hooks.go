package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/longhouse/shipper/internal/config"
	"github.com/longhouse/shipper/internal/hooks"
)

// NewHooksCommand creates the 'longhouse-shipper hooks' parent command
func NewHooksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Manage Claude Code hooks for instant shipping",
		Long: `Register this binary in ~/.claude/settings.json so Claude Code invokes
it on session events: Stop ships the transcript the moment a turn ends,
and the prompt/tool events publish presence beats. Hooks from other
tools are left untouched.`,
	}

	cmd.AddCommand(newHooksInstallCommand())
	cmd.AddCommand(newHooksUninstallCommand())
	cmd.AddCommand(newHooksStatusCommand())

	return cmd
}

func newHooksInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Add shipping hooks to Claude Code settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable path: %w", err)
			}
			settings, err := config.SettingsPath()
			if err != nil {
				return err
			}
			actions, err := hooks.Install(settings, exe)
			for _, a := range actions {
				fmt.Fprintln(cmd.OutOrStdout(), a)
			}
			return err
		},
	}
}

func newHooksUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove shipping hooks from Claude Code settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.SettingsPath()
			if err != nil {
				return err
			}
			actions, err := hooks.Uninstall(settings)
			for _, a := range actions {
				fmt.Fprintln(cmd.OutOrStdout(), a)
			}
			return err
		},
	}
}

func newHooksStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which hook events are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.SettingsPath()
			if err != nil {
				return err
			}
			installed, err := hooks.Status(settings)
			if err != nil {
				return err
			}
			for _, event := range hooks.Events {
				state := "not installed"
				if installed[event] {
					state = "installed"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s %s\n", event, state)
			}
			return nil
		},
	}
}
