package provider

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// mmapThreshold is the file size above which the parser memory-maps the
// unread region instead of reading through a buffer.
const mmapThreshold = 1 << 20 // 1 MiB

// lineFunc receives one complete line, newline stripped, together with the
// byte offset where the line starts.
type lineFunc func(line []byte, lineStart int64)

// forEachLine feeds every complete line of the file in [startOffset, size)
// to fn and returns the offset just past the newline of the last line it
// handed out. A trailing byte run without a newline is a partial line and
// stays unconsumed; the next pass picks it up once the writer finishes it.
func forEachLine(path string, startOffset int64, fn lineFunc) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return startOffset, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return startOffset, fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()
	if startOffset >= size {
		return startOffset, nil
	}

	if size > mmapThreshold {
		return scanMapped(f, startOffset, size, fn)
	}
	return scanBuffered(f, startOffset, fn)
}

func scanMapped(f *os.File, startOffset, size int64, fn lineFunc) (int64, error) {
	data, done, err := mapRegion(f, startOffset, size-startOffset)
	if err != nil {
		return startOffset, fmt.Errorf("map %s: %w", f.Name(), err)
	}
	defer done()

	lastGood := startOffset
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		fn(data[:nl], lastGood)
		lastGood += int64(nl) + 1
		data = data[nl+1:]
	}
	return lastGood, nil
}

func scanBuffered(f *os.File, startOffset int64, fn lineFunc) (int64, error) {
	if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
		return startOffset, fmt.Errorf("seek %s: %w", f.Name(), err)
	}

	r := bufio.NewReaderSize(f, 64*1024)
	lastGood := startOffset
	for {
		chunk, err := r.ReadBytes('\n')
		if err == nil {
			fn(chunk[:len(chunk)-1], lastGood)
			lastGood += int64(len(chunk))
			continue
		}
		if errors.Is(err, io.EOF) {
			// Remaining bytes in chunk, if any, are a partial line.
			return lastGood, nil
		}
		return lastGood, fmt.Errorf("read %s: %w", f.Name(), err)
	}
}
