//go:build unix

package provider

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapRegion memory-maps [offset, offset+length) of f read-only. mmap wants
// a page-aligned offset, so the mapping starts at the page boundary below
// offset and the returned slice is advanced to the requested byte. The
// returned func unmaps.
func mapRegion(f *os.File, offset, length int64) ([]byte, func(), error) {
	page := int64(os.Getpagesize())
	aligned := offset &^ (page - 1)
	lead := offset - aligned

	data, err := unix.Mmap(int(f.Fd()), aligned, int(length+lead), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return data[lead:], func() { _ = unix.Munmap(data) }, nil
}
