package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/longhouse/shipper/internal/config"
	"github.com/longhouse/shipper/internal/daemon"
	"github.com/longhouse/shipper/internal/logger"
)

// NewConnectCommand creates the 'longhouse-shipper connect' command
func NewConnectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Run the shipping daemon",
		Long: `Run the daemon: watch provider directories for transcript changes,
ship new events incrementally, and replay failed deliveries from the
retry spool.

Logs go to rolling files under the log directory (default:
~/.claude/logs, or LONGHOUSE_LOG_DIR). The daemon holds an exclusive
lock; a second instance exits immediately.`,
		Args: cobra.NoArgs,
		RunE: runConnect,
	}

	cmd.Flags().String("url", "", "API URL override (default: from ~/.claude/longhouse-url)")
	cmd.Flags().String("token", "", "API token override (default: from ~/.claude/longhouse-device-token)")
	cmd.Flags().String("db", "", "SQLite state database path override")
	cmd.Flags().String("compression", "", "Compression algorithm: gzip or zstd (default: zstd)")
	cmd.Flags().Uint64("flush-ms", 500, "How long to coalesce file events, in milliseconds")
	cmd.Flags().Uint64("fallback-scan-secs", 300, "Fallback full scan interval in seconds")
	cmd.Flags().Uint64("spool-replay-secs", 30, "Spool replay interval in seconds")
	cmd.Flags().String("log-dir", "", "Directory for rolling log files")

	return cmd
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Interval flags override the config file only when given.
	if cmd.Flags().Changed("compression") {
		cfg.Compression, _ = cmd.Flags().GetString("compression")
	}
	if cmd.Flags().Changed("flush-ms") {
		ms, _ := cmd.Flags().GetUint64("flush-ms")
		cfg.FlushInterval = time.Duration(ms) * time.Millisecond
	}
	if cmd.Flags().Changed("fallback-scan-secs") {
		secs, _ := cmd.Flags().GetUint64("fallback-scan-secs")
		cfg.FallbackScanInterval = time.Duration(secs) * time.Second
	}
	if cmd.Flags().Changed("spool-replay-secs") {
		secs, _ := cmd.Flags().GetUint64("spool-replay-secs")
		cfg.SpoolReplayInterval = time.Duration(secs) * time.Second
	}
	if cmd.Flags().Changed("log-dir") {
		cfg.LogDir, _ = cmd.Flags().GetString("log-dir")
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.NewFileLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, Version, log)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return d.Run(ctx)
}

// loadConfig resolves the layered configuration and applies the
// --url/--token/--db overrides shared by connect and ship.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	url, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")
	db, _ := cmd.Flags().GetString("db")
	cfg.ApplyOverrides(url, token, db)
	return cfg, nil
}
