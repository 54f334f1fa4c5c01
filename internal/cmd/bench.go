package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/longhouse/shipper/internal/bench"
	"github.com/longhouse/shipper/internal/pipeline"
	"github.com/longhouse/shipper/internal/provider"
)

// NewBenchCommand creates the 'longhouse-shipper bench' command
func NewBenchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark parse and compress throughput over local sessions",
		Long: `Measure how fast the parser and compressor chew through the session
files already on this machine. L1 runs the single largest file, L2 a
10% sample of the largest, L3 everything. Nothing is shipped.`,
		Args: cobra.NoArgs,
		RunE: runBench,
	}

	cmd.Flags().String("level", "L1", "Benchmark level: L1 (largest file), L2 (10% sample), L3 (all files)")
	cmd.Flags().Bool("compress", false, "Include payload compression in the measurement")
	cmd.Flags().Bool("parallel", false, "Parse files on a worker pool instead of one at a time")
	cmd.Flags().Int("workers", 0, "Worker count for --parallel (0 = all CPUs)")
	cmd.Flags().String("compression", "gzip", "Compression algorithm: gzip or zstd")

	return cmd
}

func runBench(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	level, _ := cmd.Flags().GetString("level")
	compress, _ := cmd.Flags().GetBool("compress")
	parallel, _ := cmd.Flags().GetBool("parallel")
	workers, _ := cmd.Flags().GetInt("workers")
	compression, _ := cmd.Flags().GetString("compression")

	algo, err := pipeline.ParseAlgorithm(compression)
	if err != nil {
		return err
	}

	fmt.Fprintln(errOut, "Discovering session files...")
	providers, err := provider.ListExisting()
	if err != nil {
		return err
	}
	all := bench.Discover(providers)
	if len(all) == 0 {
		return fmt.Errorf("no session files found")
	}

	var totalBytes int64
	for _, f := range all {
		totalBytes += f.Size
	}
	fmt.Fprintf(errOut, "Found %d non-empty session files\n", len(all))
	fmt.Fprintf(errOut, "Total: %.2f GB on disk\n", float64(totalBytes)/(1<<30))

	selected, err := bench.SelectLevel(all, strings.ToUpper(level))
	if err != nil {
		return err
	}
	var selectedBytes int64
	for _, f := range selected {
		selectedBytes += f.Size
	}

	mode := "sequential"
	if parallel {
		mode = "parallel"
	}
	compressLabel := "parse-only"
	if compress {
		compressLabel = fmt.Sprintf("yes (%s)", algo)
	}
	fmt.Fprintf(errOut, "\n--- %s benchmark: %d files, %.2f GB ---\n",
		strings.ToUpper(level), len(selected), float64(selectedBytes)/(1<<30))
	fmt.Fprintf(errOut, "Mode: %s, Compress: %s\n", mode, compressLabel)

	var result bench.Result
	if parallel {
		result = bench.RunParallel(selected, compress, workers, algo, errOut)
	} else {
		result = bench.Run(selected, compress, algo, errOut)
	}

	result.WriteSummary(out)
	return nil
}
