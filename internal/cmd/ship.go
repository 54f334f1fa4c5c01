package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/longhouse/shipper/internal/config"
	"github.com/longhouse/shipper/internal/logger"
	"github.com/longhouse/shipper/internal/pipeline"
	"github.com/longhouse/shipper/internal/provider"
	"github.com/longhouse/shipper/internal/shipper"
	"github.com/longhouse/shipper/internal/state"
	"github.com/longhouse/shipper/internal/transport"
)

// NewShipCommand creates the 'longhouse-shipper ship' command
func NewShipCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ship",
		Short: "One-shot: scan all provider sessions and ship new events",
		Long: `Scan every provider directory, parse files with new content, and ship
the events. Parsing and compression run on a worker pool; state writes
and HTTP delivery run on a single lane so cursors stay ordered.

Transient delivery failures land in the retry spool and are replayed
by the daemon (or the next ship run). Use --file to ship a single
transcript, or --dry-run to parse and compress without POSTing.`,
		Args: cobra.NoArgs,
		RunE: runShip,
	}

	cmd.Flags().String("url", "", "API URL override (default: from ~/.claude/longhouse-url)")
	cmd.Flags().String("token", "", "API token override (default: from ~/.claude/longhouse-device-token)")
	cmd.Flags().String("db", "", "SQLite state database path override")
	cmd.Flags().String("file", "", "Ship a single file instead of scanning all providers")
	cmd.Flags().String("provider", "", "Provider name override when using --file (claude, codex, gemini)")
	cmd.Flags().Int("workers", 0, "Number of parse workers (0 = all CPUs)")
	cmd.Flags().Bool("dry-run", false, "Parse and compress but don't POST")
	cmd.Flags().Bool("json", false, "JSON output (machine readable)")
	cmd.Flags().String("compression", "gzip", "Compression algorithm: gzip or zstd")
	cmd.Flags().Bool("from-hook", false, "Read a hook event from stdin and ship its transcript")
	_ = cmd.Flags().MarkHidden("from-hook")

	return cmd
}

func runShip(cmd *cobra.Command, args []string) error {
	compression, _ := cmd.Flags().GetString("compression")
	algo, err := pipeline.ParseAlgorithm(compression)
	if err != nil {
		return err
	}

	if fromHook, _ := cmd.Flags().GetBool("from-hook"); fromHook {
		return runShipFromHook(cmd, algo)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOut, _ := cmd.Flags().GetBool("json")

	if file, _ := cmd.Flags().GetString("file"); file != "" {
		override, _ := cmd.Flags().GetString("provider")
		return runShipFile(ctx, cmd, cfg, algo, file, override, dryRun, jsonOut)
	}

	workers, _ := cmd.Flags().GetInt("workers")
	if !cmd.Flags().Changed("workers") {
		workers = cfg.Workers
	}
	return runShipBulk(ctx, cmd, cfg, algo, workers, dryRun, jsonOut)
}

// shipSummary is the machine-readable result of a bulk ship.
type shipSummary struct {
	Status        string  `json:"status"`
	FilesScanned  int     `json:"files_scanned"`
	FilesShipped  int     `json:"files_shipped"`
	FilesFailed   int     `json:"files_failed"`
	FilesSkipped  int     `json:"files_skipped"`
	EventsShipped int     `json:"events_shipped"`
	BytesShipped  int64   `json:"bytes_shipped"`
	SpoolReplayed int     `json:"spool_replayed"`
	SpoolPending  int     `json:"spool_pending"`
	TotalSeconds  float64 `json:"total_seconds"`
	ThroughputMBs float64 `json:"throughput_mb_s"`
	DryRun        bool    `json:"dry_run"`
}

func runShipBulk(ctx context.Context, cmd *cobra.Command, cfg *config.Config, algo pipeline.Algorithm, workers int, dryRun, jsonOut bool) error {
	start := time.Now()
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	if !jsonOut {
		fmt.Fprintf(errOut, "Shipping to: %s\n", cfg.APIURL)
		if dryRun {
			fmt.Fprintln(errOut, "DRY RUN: will parse and compress but not POST")
		}
	}

	log := logger.NewConsoleLogger(errOut, cfg.LogLevel)
	provider.SetLogger(log)

	store, err := state.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()
	store.SetMaxSpoolRetries(cfg.MaxSpoolRetries)

	client := transport.New(transport.Options{
		APIURL:          cfg.APIURL,
		APIToken:        cfg.APIToken,
		ContentEncoding: algo.ContentEncoding(),
		Timeout:         cfg.HTTPTimeout,
		Logger:          log,
	})
	// A nil tracker logs every failure; one-shot runs want the detail.
	sh := shipper.New(store, client, algo, nil, log)

	recovered, err := sh.RunStartupRecovery(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 && !jsonOut {
		fmt.Fprintf(errOut, "Recovered %d unacked file gaps into spool\n", recovered)
	}

	providers, err := provider.ListExisting()
	if err != nil {
		return err
	}
	all := provider.DiscoverFiles(providers)
	if !jsonOut {
		fmt.Fprintf(errOut, "Found %d session files\n", len(all))
	}

	// Filter to files with new content. Truncated files reset to zero
	// and re-ship in full.
	var toShip []provider.DiscoveredFile
	for _, f := range all {
		current, err := store.GetOffset(ctx, f.Path)
		if err != nil {
			return err
		}
		switch {
		case f.Size < current:
			log.Warnf("file truncated: %s (was %d, now %d), resetting", f.Path, current, f.Size)
			if err := store.ResetOffsets(ctx, f.Path); err != nil {
				return err
			}
			toShip = append(toShip, f)
		case f.Size > current:
			toShip = append(toShip, f)
		}
	}
	if !jsonOut {
		fmt.Fprintf(errOut, "%d files with new content to ship\n", len(toShip))
	}

	if len(toShip) == 0 {
		summary := shipSummary{
			Status:       "ok",
			FilesScanned: len(all),
			TotalSeconds: time.Since(start).Seconds(),
			DryRun:       dryRun,
		}
		if jsonOut {
			return printJSON(out, summary)
		}
		fmt.Fprintln(errOut, "Nothing to ship, all files up to date.")
		return nil
	}

	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if !jsonOut {
		label := ""
		if dryRun {
			label = " (dry run)"
		}
		fmt.Fprintf(errOut, "Processing with %d workers%s\n", workers, label)
	}

	// Phase 1: parse and compress on the pool. Each worker writes to its
	// own slice index, preserving discovery order for the delivery lane.
	items := make([]*shipper.ShipItem, len(toShip))
	var filesDone, bytesDone, eventsDone atomic.Int64
	total := len(toShip)

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				f := toShip[idx]
				item, err := sh.PrepareFile(ctx, f.Path, f.Provider)
				if err != nil {
					log.Warnf("error preparing %s: %v", f.Path, err)
					continue
				}
				if item == nil {
					continue
				}
				items[idx] = item

				done := filesDone.Add(1)
				mb := float64(bytesDone.Add(item.NewOffset-item.Offset)) / (1 << 20)
				events := eventsDone.Add(int64(item.EventCount))
				if !jsonOut && (done%1000 == 0 || done == int64(total)) {
					elapsed := time.Since(start).Seconds()
					fmt.Fprintf(errOut, "  [%d/%d] %d events, %.1f MB, %.1f MB/s\n",
						done, total, events, mb, mb/elapsed)
				}
			}
		}()
	}
	for i := range toShip {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if !jsonOut {
		fmt.Fprintf(errOut, "Parse+compress done in %.1fs, writing state...\n", time.Since(start).Seconds())
	}

	// Phase 2: sequential state writes and HTTP delivery.
	summary := shipSummary{Status: "ok", FilesScanned: len(all), DryRun: dryRun}

	if dryRun {
		var updates []state.OffsetUpdate
		for _, item := range items {
			if item == nil {
				summary.FilesSkipped++
				continue
			}
			updates = append(updates, state.OffsetUpdate{
				Path:              item.Path,
				Offset:            item.NewOffset,
				Provider:          item.Provider,
				SessionID:         item.SessionID,
				ProviderSessionID: item.SessionID,
			})
			summary.FilesShipped++
			summary.EventsShipped += item.EventCount
			summary.BytesShipped += item.NewOffset - item.Offset
		}
		if err := store.SetOffsetsBulk(ctx, updates); err != nil {
			return err
		}
	} else {
		for _, item := range items {
			if item == nil {
				summary.FilesSkipped++
				continue
			}
			events, kind, err := sh.ShipAndRecord(ctx, item)
			if err != nil {
				return err
			}
			switch kind {
			case transport.ShipOk:
				summary.FilesShipped++
				summary.EventsShipped += events
				summary.BytesShipped += item.NewOffset - item.Offset
			case transport.ShipClientError:
				summary.FilesSkipped++
			default:
				summary.FilesFailed++
			}
		}

		replayed, _, err := sh.ReplaySpoolBatch(ctx, 100)
		if err != nil {
			return err
		}
		summary.SpoolReplayed = replayed
	}

	pending, err := store.PendingCount(ctx)
	if err != nil {
		return err
	}
	summary.SpoolPending = pending
	summary.TotalSeconds = time.Since(start).Seconds()
	summary.ThroughputMBs = float64(summary.BytesShipped) / (1 << 20) / summary.TotalSeconds

	if jsonOut {
		return printJSON(out, summary)
	}

	fmt.Fprintf(errOut, "\n=== Ship Results ===\n")
	fmt.Fprintf(errOut, "Files shipped: %d\n", summary.FilesShipped)
	fmt.Fprintf(errOut, "Events shipped: %d\n", summary.EventsShipped)
	fmt.Fprintf(errOut, "Bytes shipped: %.2f MB\n", float64(summary.BytesShipped)/(1<<20))
	if summary.FilesFailed > 0 {
		fmt.Fprintf(errOut, "Files failed (spooled): %d\n", summary.FilesFailed)
	}
	if summary.SpoolReplayed > 0 {
		fmt.Fprintf(errOut, "Spool replayed: %d\n", summary.SpoolReplayed)
	}
	fmt.Fprintf(errOut, "Total: %.3fs\n", summary.TotalSeconds)
	if summary.BytesShipped > 0 {
		fmt.Fprintf(errOut, "Throughput: %.1f MB/s\n", summary.ThroughputMBs)
	}
	return nil
}

func runShipFile(ctx context.Context, cmd *cobra.Command, cfg *config.Config, algo pipeline.Algorithm, path, providerOverride string, dryRun, jsonOut bool) error {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("file not found: %s", path)
	}
	providerName, err := detectProvider(path, providerOverride)
	if err != nil {
		return err
	}

	if !jsonOut {
		fmt.Fprintf(errOut, "Shipping file: %s\n", path)
		fmt.Fprintf(errOut, "Provider: %s\n", providerName)
		if dryRun {
			fmt.Fprintln(errOut, "DRY RUN: will parse and compress but not POST")
		}
	}

	log := logger.NewConsoleLogger(errOut, cfg.LogLevel)
	provider.SetLogger(log)

	store, err := state.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()
	store.SetMaxSpoolRetries(cfg.MaxSpoolRetries)

	client := transport.New(transport.Options{
		APIURL:          cfg.APIURL,
		APIToken:        cfg.APIToken,
		ContentEncoding: algo.ContentEncoding(),
		Timeout:         cfg.HTTPTimeout,
		Logger:          log,
	})
	sh := shipper.New(store, client, algo, nil, log)

	item, err := sh.PrepareFile(ctx, path, providerName)
	if err != nil {
		return err
	}
	if item == nil {
		fmt.Fprintln(out, "No new events")
		return nil
	}

	events := item.EventCount
	if dryRun {
		if err := store.SetOffset(ctx, item.Path, item.NewOffset, item.Provider, item.SessionID, item.SessionID); err != nil {
			return err
		}
	} else {
		events, _, err = sh.ShipAndRecord(ctx, item)
		if err != nil {
			return err
		}
	}

	if jsonOut {
		return printJSON(out, map[string]interface{}{
			"status":         "ok",
			"file":           path,
			"events_shipped": events,
			"dry_run":        dryRun,
		})
	}
	fmt.Fprintf(out, "Shipped %d events\n", events)
	return nil
}

// hookInput is the JSON Claude Code writes to a hook's stdin.
type hookInput struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	CWD            string `json:"cwd"`
	HookEventName  string `json:"hook_event_name"`
	ToolName       string `json:"tool_name"`
}

// runShipFromHook ships the transcript named by the hook event on stdin.
// Hook invocations never fail the session: problems are reported on
// stderr and swallowed, and undelivered ranges wait in the spool for the
// daemon.
func runShipFromHook(cmd *cobra.Command, algo pipeline.Algorithm) error {
	errOut := cmd.ErrOrStderr()

	in, err := readHookInput(cmd.InOrStdin())
	if err != nil || in.TranscriptPath == "" {
		return nil
	}
	if _, err := os.Stat(in.TranscriptPath); err != nil {
		return nil
	}
	providerName, err := detectProvider(in.TranscriptPath, "")
	if err != nil {
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(errOut, "hook ship: %v\n", err)
		return nil
	}

	store, err := state.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(errOut, "hook ship: %v\n", err)
		return nil
	}
	defer store.Close()
	store.SetMaxSpoolRetries(cfg.MaxSpoolRetries)

	client := transport.New(transport.Options{
		APIURL:          cfg.APIURL,
		APIToken:        cfg.APIToken,
		ContentEncoding: algo.ContentEncoding(),
		Timeout:         cfg.HTTPTimeout,
	})
	sh := shipper.New(store, client, algo, nil, logger.Nop{})

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	item, err := sh.PrepareFile(ctx, in.TranscriptPath, providerName)
	if err != nil || item == nil {
		return nil
	}
	if _, _, err := sh.ShipAndRecord(ctx, item); err != nil {
		fmt.Fprintf(errOut, "hook ship: %v\n", err)
	}
	return nil
}

func readHookInput(r io.Reader) (*hookInput, error) {
	var in hookInput
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, err
	}
	return &in, nil
}

// detectProvider resolves a provider name for path: explicit override
// first, then the provider whose root contains the path, then the file
// extension.
func detectProvider(path, override string) (string, error) {
	if override != "" {
		return strings.ToLower(override), nil
	}
	if p, ok := provider.ProviderForPath(path); ok {
		return p.Name, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl":
		return provider.NameClaude, nil
	case ".json":
		return provider.NameGemini, nil
	}
	return "", fmt.Errorf("unable to determine provider for %s (use --provider)", path)
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
