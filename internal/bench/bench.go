// Package bench measures parse and compress throughput over real
// transcript files, so levels, worker counts, and compression
// algorithms can be compared on the machine at hand.
package bench

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/longhouse/shipper/internal/pipeline"
	"github.com/longhouse/shipper/internal/provider"
)

// Result aggregates one benchmark run.
type Result struct {
	FilesProcessed  int
	TotalBytes      int64
	TotalEvents     int
	ParseSeconds    float64
	CompressSeconds float64
	TotalSeconds    float64
	PeakRSSMB       float64
	Parallel        bool
	Workers         int
}

// WriteSummary prints the human-readable report. Per-phase timing is
// shown only for sequential runs; in parallel mode the phases overlap
// and their sums exceed wall time.
func (r Result) WriteSummary(w io.Writer) {
	mb := float64(r.TotalBytes) / (1 << 20)
	fmt.Fprintf(w, "\n=== Benchmark Results ===\n")
	if r.Parallel {
		fmt.Fprintf(w, "Mode:       parallel (%d workers)\n", r.Workers)
	} else {
		fmt.Fprintf(w, "Mode:       sequential\n")
	}
	fmt.Fprintf(w, "Files:      %d\n", r.FilesProcessed)
	fmt.Fprintf(w, "Bytes:      %.2f MB\n", mb)
	fmt.Fprintf(w, "Events:     %d\n", r.TotalEvents)
	if !r.Parallel {
		fmt.Fprintf(w, "Parse:      %.3fs (%.1f%%)\n", r.ParseSeconds, r.ParseSeconds/r.TotalSeconds*100)
		fmt.Fprintf(w, "Compress:   %.3fs (%.1f%%)\n", r.CompressSeconds, r.CompressSeconds/r.TotalSeconds*100)
	}
	fmt.Fprintf(w, "Total:      %.3fs\n", r.TotalSeconds)
	fmt.Fprintf(w, "Throughput: %.1f MB/s\n", mb/r.TotalSeconds)
	fmt.Fprintf(w, "Events/s:   %.0f\n", float64(r.TotalEvents)/r.TotalSeconds)
	fmt.Fprintf(w, "Peak RSS:   %.1f MB\n", r.PeakRSSMB)
}

// Discover walks the providers' roots and returns every candidate
// transcript ordered largest first, so parallel workers pick up the
// expensive files before the long tail of small ones.
func Discover(providers []provider.Provider) []provider.DiscoveredFile {
	files := provider.DiscoverFiles(providers)
	sort.Slice(files, func(i, j int) bool {
		if files[i].Size == files[j].Size {
			return files[i].Path < files[j].Path
		}
		return files[i].Size > files[j].Size
	})
	return files
}

// SelectLevel trims a size-ordered discovery to the requested scale:
// L1 is the single largest file, L2 the largest 10%, L3 everything.
func SelectLevel(files []provider.DiscoveredFile, level string) ([]provider.DiscoveredFile, error) {
	switch strings.ToUpper(level) {
	case "L1":
		if len(files) > 1 {
			files = files[:1]
		}
		return files, nil
	case "L2":
		return files[:(len(files)+9)/10], nil
	case "L3":
		return files, nil
	default:
		return nil, fmt.Errorf("unknown level %q: use L1, L2, or L3", level)
	}
}

type fileResult struct {
	bytes        int64
	events       int
	parseSecs    float64
	compressSecs float64
}

// benchFile times one file through parse and, optionally, compress.
// Nothing is shipped or recorded; the compressed bytes are discarded.
func benchFile(f provider.DiscoveredFile, compress bool, algo pipeline.Algorithm) (fileResult, error) {
	info, err := os.Stat(f.Path)
	if err != nil {
		return fileResult{}, err
	}

	parseStart := time.Now()
	res, err := provider.Parse(f.Provider, f.Path, 0)
	if err != nil {
		return fileResult{}, err
	}
	out := fileResult{
		bytes:     info.Size(),
		events:    len(res.Events),
		parseSecs: time.Since(parseStart).Seconds(),
	}

	if compress && len(res.Events) > 0 {
		compressStart := time.Now()
		if _, err := pipeline.BuildAndCompress(res.Metadata.SessionID, res.Events, &res.Metadata, f.Path, f.Provider, algo); err != nil {
			return fileResult{}, err
		}
		out.compressSecs = time.Since(compressStart).Seconds()
	}
	return out, nil
}

// Run processes files one at a time, timing the parse and compress
// phases separately. Unreadable or unparseable files are reported on
// progress and skipped. A nil progress writer discards output.
func Run(files []provider.DiscoveredFile, compress bool, algo pipeline.Algorithm, progress io.Writer) Result {
	if progress == nil {
		progress = io.Discard
	}
	start := time.Now()
	res := Result{Workers: 1}

	for i, f := range files {
		fr, err := benchFile(f, compress, algo)
		if err != nil {
			fmt.Fprintf(progress, "  SKIP %s: %v\n", f.Path, err)
			continue
		}
		res.FilesProcessed++
		res.TotalBytes += fr.bytes
		res.TotalEvents += fr.events
		res.ParseSeconds += fr.parseSecs
		res.CompressSeconds += fr.compressSecs

		if (i+1)%500 == 0 {
			elapsed := time.Since(start).Seconds()
			mb := float64(res.TotalBytes) / (1 << 20)
			fmt.Fprintf(progress, "  [%d/%d] %.1f MB, %d events, %.1f MB/s\n",
				i+1, len(files), mb, res.TotalEvents, mb/elapsed)
		}
	}

	res.TotalSeconds = time.Since(start).Seconds()
	res.PeakRSSMB = rssMB()
	return res
}

// RunParallel spreads the files over a fixed pool of workers. Failed
// files are dropped silently; progress lines may interleave.
func RunParallel(files []provider.DiscoveredFile, compress bool, workers int, algo pipeline.Algorithm, progress io.Writer) Result {
	if progress == nil {
		progress = io.Discard
	}
	if workers < 1 {
		workers = 1
	}
	start := time.Now()
	total := len(files)

	var filesDone, bytesDone, eventsDone atomic.Int64

	jobs := make(chan provider.DiscoveredFile)
	results := make(chan fileResult, total)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				fr, err := benchFile(f, compress, algo)
				if err != nil {
					continue
				}
				done := filesDone.Add(1)
				mb := float64(bytesDone.Add(fr.bytes)) / (1 << 20)
				events := eventsDone.Add(int64(fr.events))
				if done%1000 == 0 || done == int64(total) {
					elapsed := time.Since(start).Seconds()
					fmt.Fprintf(progress, "  [%d/%d] %.1f MB, %d events, %.1f MB/s\n",
						done, total, mb, events, mb/elapsed)
				}
				results <- fr
			}
		}()
	}
	for _, f := range files {
		jobs <- f
	}
	close(jobs)
	wg.Wait()
	close(results)

	res := Result{Parallel: true, Workers: workers}
	for fr := range results {
		res.FilesProcessed++
		res.TotalBytes += fr.bytes
		res.TotalEvents += fr.events
		res.ParseSeconds += fr.parseSecs
		res.CompressSeconds += fr.compressSecs
	}
	res.TotalSeconds = time.Since(start).Seconds()
	res.PeakRSSMB = rssMB()
	return res
}

// rssMB samples this process's resident set. The figure is the RSS at
// sampling time, taken once after the run completes.
func rssMB() float64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mem, err := p.MemoryInfo()
	if err != nil || mem == nil {
		return 0
	}
	return float64(mem.RSS) / (1 << 20)
}
