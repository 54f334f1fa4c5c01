package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/longhouse/shipper/internal/pipeline"
	"github.com/longhouse/shipper/internal/provider"
)

// NewParseCommand creates the 'longhouse-shipper parse' command
func NewParseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse <file>",
		Short: "Parse a transcript locally and print timing diagnostics",
		Long: `Parse one transcript without touching state or the network. Prints
per-phase timing and extracted session metadata to stderr and a JSON
summary to stdout. Useful for checking what a file would ship.`,
		Args: cobra.ExactArgs(1),
		RunE: runParse,
	}

	cmd.Flags().Int64("offset", 0, "Byte offset to start parsing from")
	cmd.Flags().String("provider", "", "Provider name override (claude, codex, gemini)")
	cmd.Flags().Bool("json", false, "Dump parsed events as JSON lines to stdout")
	cmd.Flags().Bool("compress", false, "Also compress the payload and report the ratio")
	cmd.Flags().String("compression", "gzip", "Compression algorithm: gzip or zstd")

	return cmd
}

// parseSummary is the JSON block printed after every parse.
type parseSummary struct {
	File          string        `json:"file"`
	FileSizeBytes int64         `json:"file_size_bytes"`
	Offset        int64         `json:"offset"`
	BytesParsed   int64         `json:"bytes_parsed"`
	EventCount    int           `json:"event_count"`
	ParseSeconds  float64       `json:"parse_seconds"`
	TotalSeconds  float64       `json:"total_seconds"`
	ThroughputMBs float64       `json:"throughput_mb_s"`
	EventsPerSec  float64       `json:"events_per_sec"`
	Metadata      parseMetadata `json:"metadata"`
}

type parseMetadata struct {
	CWD       string `json:"cwd,omitempty"`
	GitBranch string `json:"git_branch,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
	EndedAt   string `json:"ended_at,omitempty"`
}

func runParse(cmd *cobra.Command, args []string) error {
	start := time.Now()
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	path := args[0]
	offset, _ := cmd.Flags().GetInt64("offset")
	override, _ := cmd.Flags().GetString("provider")
	dumpEvents, _ := cmd.Flags().GetBool("json")
	compress, _ := cmd.Flags().GetBool("compress")
	compression, _ := cmd.Flags().GetString("compression")

	algo, err := pipeline.ParseAlgorithm(compression)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file not found: %s", path)
	}
	providerName, err := detectProvider(path, override)
	if err != nil {
		return err
	}

	fmt.Fprintf(errOut, "Parsing %s (%.2f MB) from offset %d\n",
		path, float64(info.Size())/(1<<20), offset)

	parseStart := time.Now()
	res, err := provider.Parse(providerName, path, offset)
	if err != nil {
		return err
	}
	parseSecs := time.Since(parseStart).Seconds()

	fmt.Fprintf(errOut, "Parsed %d events, metadata extracted in %.3fs\n", len(res.Events), parseSecs)
	fmt.Fprintf(errOut, "  cwd: %s\n", orNone(res.Metadata.CWD))
	fmt.Fprintf(errOut, "  branch: %s\n", orNone(res.Metadata.GitBranch))
	fmt.Fprintf(errOut, "  started: %s\n", orNoneTime(res.Metadata.StartedAt))
	fmt.Fprintf(errOut, "  ended: %s\n", orNoneTime(res.Metadata.EndedAt))

	// The wire shape carries the JSON tags, so event dumps go through the
	// payload builder rather than the parser's internal type.
	payload := pipeline.BuildPayload(res.Metadata.SessionID, res.Events, &res.Metadata, path, providerName)

	if dumpEvents {
		enc := json.NewEncoder(out)
		for i := range payload.Events {
			if err := enc.Encode(&payload.Events[i]); err != nil {
				return err
			}
		}
	}

	if compress {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		compressed, err := pipeline.BuildAndCompress(res.Metadata.SessionID, res.Events, &res.Metadata, path, providerName, algo)
		if err != nil {
			return err
		}
		ratio := float64(len(raw)) / float64(len(compressed))
		fmt.Fprintf(errOut, "Compressed %d to %d bytes (%.1fx, JSON to %s)\n",
			len(raw), len(compressed), ratio, algo)
	}

	totalSecs := time.Since(start).Seconds()
	bytesParsed := res.LastGoodOffset - offset
	summary := parseSummary{
		File:          path,
		FileSizeBytes: info.Size(),
		Offset:        offset,
		BytesParsed:   bytesParsed,
		EventCount:    len(res.Events),
		ParseSeconds:  parseSecs,
		TotalSeconds:  totalSecs,
		ThroughputMBs: float64(bytesParsed) / (1 << 20) / parseSecs,
		EventsPerSec:  float64(len(res.Events)) / parseSecs,
		Metadata: parseMetadata{
			CWD:       res.Metadata.CWD,
			GitBranch: res.Metadata.GitBranch,
			StartedAt: orEmptyTime(res.Metadata.StartedAt),
			EndedAt:   orEmptyTime(res.Metadata.EndedAt),
		},
	}
	return printJSON(out, summary)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func orNoneTime(t time.Time) string {
	if t.IsZero() {
		return "(none)"
	}
	return t.UTC().Format(time.RFC3339)
}

func orEmptyTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
