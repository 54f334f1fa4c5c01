package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/longhouse/shipper/internal/config"
	"github.com/longhouse/shipper/internal/service"
)

// NewServiceCommand creates the 'longhouse-shipper service' parent command
func NewServiceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the background daemon service",
		Long: `Install, remove, or inspect the OS service that keeps the connect
daemon running: a launchd agent on macOS, a systemd user unit on Linux.
The service starts at login and restarts the daemon if it exits.`,
	}

	cmd.AddCommand(newServiceInstallCommand())
	cmd.AddCommand(newServiceUninstallCommand())
	cmd.AddCommand(newServiceStatusCommand())

	return cmd
}

func newServiceInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install and start the daemon service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newServiceManager()
			if err != nil {
				return err
			}
			actions, err := mgr.Install(cmd.Context())
			for _, a := range actions {
				fmt.Fprintln(cmd.OutOrStdout(), a)
			}
			return err
		},
	}
}

func newServiceUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the daemon service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newServiceManager()
			if err != nil {
				return err
			}
			actions, err := mgr.Uninstall(cmd.Context())
			for _, a := range actions {
				fmt.Fprintln(cmd.OutOrStdout(), a)
			}
			return err
		},
	}
}

func newServiceStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon service is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := newServiceManager()
			if err != nil {
				return err
			}
			status, err := mgr.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service: %s\n", status)
			return nil
		},
	}
}

func newServiceManager() (*service.Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return service.NewManager(cfg.LogDir)
}
