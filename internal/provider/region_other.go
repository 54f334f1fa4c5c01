//go:build !unix

package provider

import (
	"errors"
	"io"
	"os"
)

// mapRegion reads the region into memory on platforms without mmap. Same
// contract as the unix version, minus the sharing.
func mapRegion(f *os.File, offset, length int64) ([]byte, func(), error) {
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}
	return buf[:n], func() {}, nil
}
