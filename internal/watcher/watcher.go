// Package watcher turns filesystem notifications on provider directories
// into batches of changed session file paths. Events are coalesced with a
// flush interval rather than a debounce: a continuously appended transcript
// still flushes on every interval instead of being pushed out forever.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/longhouse/shipper/internal/logger"
	"github.com/longhouse/shipper/internal/provider"
)

// channelCapacity bounds the pending-event queue. Overflow is dropped, not
// blocked on; the periodic fallback scan picks up anything lost.
const channelCapacity = 2048

var sessionExtensions = map[string]bool{
	"jsonl": true,
	"json":  true,
}

// isTempFile reports whether a name looks like an editor or tooling
// scratch file rather than a session transcript.
func isTempFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, ".") ||
		strings.HasPrefix(name, "~") ||
		strings.HasSuffix(name, ".swp") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, "~") ||
		strings.Contains(name, ".#")
}

// SessionWatcher watches provider roots recursively and delivers
// deduplicated batches of changed transcript paths.
type SessionWatcher struct {
	fsw     *fsnotify.Watcher
	paths   chan string
	done    chan struct{}
	dropped atomic.Uint64
	log     logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// New starts watching every provider root that exists. Roots created after
// startup are not picked up; the daemon restarts the watcher on config
// changes instead.
func New(providers []provider.Provider, log logger.Logger) (*SessionWatcher, error) {
	if log == nil {
		log = logger.Nop{}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &SessionWatcher{
		fsw:   fsw,
		paths: make(chan string, channelCapacity),
		done:  make(chan struct{}),
		log:   log,
	}

	for _, p := range providers {
		if info, err := os.Stat(p.Root); err != nil || !info.IsDir() {
			continue
		}
		if err := w.addRecursive(p.Root); err != nil {
			fsw.Close()
			return nil, err
		}
		log.Infof("watching %s for %s sessions", p.Root, p.Name)
	}

	go w.run()
	return w, nil
}

// addRecursive registers dir and every subdirectory. fsnotify has no
// recursive mode, so new directories are added again from handleEvent.
func (w *SessionWatcher) addRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				if os.IsPermission(err) {
					return nil
				}
				return err
			}
		}
		return nil
	})
}

func (w *SessionWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warnf("watcher error: %v", err)
		}
	}
}

func (w *SessionWatcher) handleEvent(event fsnotify.Event) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.addRecursive(path); err != nil {
				w.log.Warnf("cannot watch new directory %s: %v", path, err)
			}
			return
		}
	}

	// Only content-bearing operations matter. Chmod is noise and Remove
	// needs no shipping.
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if !sessionExtensions[ext] {
		return
	}
	if isTempFile(path) {
		return
	}

	select {
	case w.paths <- path:
	default:
		n := w.dropped.Add(1)
		if n%1000 == 0 {
			w.log.Warnf("watcher channel full, %d events dropped (fallback scan will recover)", n)
		}
	}
}

// NextBatch blocks until at least one path arrives, then collects for
// flushInterval and returns the deduplicated set. An expired timer stays
// readable, so sustained appends cannot starve the flush. Returns nil
// without error once the watcher is closed.
func (w *SessionWatcher) NextBatch(ctx context.Context, flushInterval time.Duration) ([]string, error) {
	batch := make(map[string]struct{})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, nil
	case path := <-w.paths:
		batch[path] = struct{}{}
	}

	timer := time.NewTimer(flushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.done:
			return flatten(batch), nil
		case <-timer.C:
			return flatten(batch), nil
		case path := <-w.paths:
			batch[path] = struct{}{}
		}
	}
}

func flatten(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for path := range set {
		out = append(out, path)
	}
	return out
}

// Dropped returns how many events overflowed the queue since startup.
func (w *SessionWatcher) Dropped() uint64 {
	return w.dropped.Load()
}

// Close stops the watcher. Safe to call more than once.
func (w *SessionWatcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.closeErr = w.fsw.Close()
	})
	return w.closeErr
}
