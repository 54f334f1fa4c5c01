package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/longhouse/shipper/internal/config"
	"github.com/longhouse/shipper/internal/outbox"
)

// NewPresenceCommand creates the 'longhouse-shipper presence' command
func NewPresenceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "presence",
		Short:  "Queue a presence beat from a hook event on stdin",
		Hidden: true,
		Long: `Read a Claude Code hook event from stdin and drop a presence beat in
the local outbox. The connect daemon drains the outbox to the server.
Called by the installed hooks; never fails the session.`,
		Args: cobra.NoArgs,
		RunE: runPresence,
	}

	cmd.Flags().String("state", "", "Session state to report (thinking, running, idle)")

	return cmd
}

func runPresence(cmd *cobra.Command, args []string) error {
	state, _ := cmd.Flags().GetString("state")
	if state == "" {
		return nil
	}

	in, err := readHookInput(cmd.InOrStdin())
	if err != nil || in.SessionID == "" {
		return nil
	}

	dir, err := config.OutboxDir()
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "presence: %v\n", err)
		return nil
	}

	ev := outbox.PresenceEvent{
		SessionID: in.SessionID,
		State:     state,
		ToolName:  in.ToolName,
		CWD:       in.CWD,
		PID:       os.Getppid(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := outbox.Write(dir, ev); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "presence: %v\n", err)
	}
	return nil
}
