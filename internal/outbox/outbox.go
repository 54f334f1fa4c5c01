// Package outbox moves presence events from disk to the API.
//
// Hook commands write one small JSON file per lifecycle event instead of
// calling the API from the hook's hot path. The daemon drains the
// directory on a short tick: events are coalesced per session (the file
// with the latest mtime wins, ties going to the one visited last), each
// survivor is POSTed to /api/agents/presence, deleted on success and kept
// for the next tick on failure. Presence is ephemeral, so files older
// than staleAfter are deleted without posting.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/longhouse/shipper/internal/filelock"
	"github.com/longhouse/shipper/internal/logger"
	"github.com/longhouse/shipper/internal/transport"
)

// staleAfter is the maximum age of an outbox file before it is dropped
// unsent.
const staleAfter = 10 * time.Minute

// PresenceEvent is one queued lifecycle notification.
type PresenceEvent struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	ToolName  string `json:"tool_name,omitempty"`
	CWD       string `json:"cwd,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Write queues an event in dir. The write is atomic, so a concurrent
// drain never reads a partial file.
func Write(dir string, ev PresenceEvent) error {
	if ev.SessionID == "" {
		return errors.New("presence event has no session_id")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode presence event: %w", err)
	}
	name := fmt.Sprintf("%s-%d.json", ev.SessionID, time.Now().UnixNano())
	return filelock.AtomicWrite(filepath.Join(dir, name), data, 0644)
}

// Drain posts every ready event in dir, coalescing multiple files for the
// same session down to the newest. Unsendable files are kept for the next
// tick; stale, malformed and session-less files are deleted. Returns how
// many events were sent and how many were kept.
func Drain(ctx context.Context, dir string, client *transport.Client, log logger.Logger) (int, int) {
	if log == nil {
		log = logger.Nop{}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		// No outbox yet means no hooks have fired.
		return 0, 0
	}

	type candidate struct {
		path  string
		bytes []byte
		mtime time.Time
	}
	now := time.Now()
	bySession := make(map[string]candidate)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)

		var mtime time.Time
		if info, err := entry.Info(); err == nil {
			mtime = info.ModTime()
			if now.Sub(mtime) > staleAfter {
				os.Remove(path)
				continue
			}
		}

		data, err := os.ReadFile(path)
		if err != nil {
			// Vanished between ReadDir and read.
			continue
		}

		var doc struct {
			SessionID string `json:"session_id"`
		}
		if json.Unmarshal(data, &doc) != nil || doc.SessionID == "" {
			// Retrying these forever helps nobody.
			os.Remove(path)
			continue
		}

		if prev, exists := bySession[doc.SessionID]; exists {
			if !mtime.Before(prev.mtime) {
				os.Remove(prev.path)
				bySession[doc.SessionID] = candidate{path, data, mtime}
			} else {
				os.Remove(path)
			}
		} else {
			bySession[doc.SessionID] = candidate{path, data, mtime}
		}
	}

	var sent, kept int
	for _, c := range bySession {
		if err := client.PostJSON(ctx, "/api/agents/presence", c.bytes); err != nil {
			log.Debugf("presence post failed, keeping %s: %v", c.path, err)
			kept++
			continue
		}
		os.Remove(c.path)
		sent++
	}
	return sent, kept
}
