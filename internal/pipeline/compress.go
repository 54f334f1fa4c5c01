package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/longhouse/shipper/internal/provider"
)

// Algorithm selects the payload compression codec.
type Algorithm string

const (
	AlgoGzip Algorithm = "gzip"
	AlgoZstd Algorithm = "zstd"
)

// ParseAlgorithm maps a config or flag string to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gzip", "gz":
		return AlgoGzip, nil
	case "zstd", "zstandard":
		return AlgoZstd, nil
	default:
		return "", fmt.Errorf("unknown compression %q: use gzip or zstd", s)
	}
}

// ContentEncoding returns the HTTP Content-Encoding value for the codec.
func (a Algorithm) ContentEncoding() string {
	return string(a)
}

// newCompressor wraps w in a compressing writer for the chosen codec.
// Gzip runs at its fastest level since payloads ship every few hundred
// milliseconds; zstd's default level already outpaces that.
func newCompressor(w io.Writer, algo Algorithm) (io.WriteCloser, error) {
	switch algo {
	case AlgoZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	default:
		return gzip.NewWriterLevel(w, gzip.BestSpeed)
	}
}

// BuildAndCompress builds the ingest payload and stream-compresses it.
// The JSON encoder writes token by token into the compressor, so memory
// use is bounded by the compressor's window, not the payload size.
func BuildAndCompress(sessionID string, events []provider.Event, meta *provider.SessionMetadata, sourcePath, providerName string, algo Algorithm) ([]byte, error) {
	payload := BuildPayload(sessionID, events, meta, sourcePath, providerName)

	var buf bytes.Buffer
	buf.Grow(64 * 1024)

	comp, err := newCompressor(&buf, algo)
	if err != nil {
		return nil, fmt.Errorf("create %s writer: %w", algo, err)
	}
	if err := json.NewEncoder(comp).Encode(payload); err != nil {
		comp.Close()
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if err := comp.Close(); err != nil {
		return nil, fmt.Errorf("close %s writer: %w", algo, err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses BuildAndCompress. Used by tests and the bench
// command to validate round trips.
func Decompress(data []byte, algo Algorithm) ([]byte, error) {
	switch algo {
	case AlgoZstd:
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	}
}
