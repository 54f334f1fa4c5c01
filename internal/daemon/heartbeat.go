package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/longhouse/shipper/internal/filelock"
	"github.com/longhouse/shipper/internal/provider"
	"github.com/longhouse/shipper/internal/transport"
)

// Heartbeat is the periodic liveness payload POSTed to
// /api/agents/heartbeat and mirrored to the local status file.
type Heartbeat struct {
	Version                 string `json:"version"`
	DaemonPID               int    `json:"daemon_pid"`
	LastShipAt              string `json:"last_ship_at,omitempty"`
	SpoolPendingCount       int    `json:"spool_pending_count"`
	ParseErrorCount1h       int64  `json:"parse_error_count_1h"`
	ConsecutiveShipFailures int64  `json:"consecutive_ship_failures"`
	DiskFreeBytes           uint64 `json:"disk_free_bytes"`
	IsOffline               bool   `json:"is_offline"`
}

// statusSnapshot is the on-disk form, extended with the write time so a
// reader can tell how fresh the file is.
type statusSnapshot struct {
	Heartbeat
	LastUpdated string `json:"last_updated"`
}

func (d *Daemon) buildHeartbeat(ctx context.Context) Heartbeat {
	pending, err := d.store.PendingCount(ctx)
	if err != nil {
		d.log.Debugf("spool pending count: %v", err)
	}
	return Heartbeat{
		Version:                 d.version,
		DaemonPID:               os.Getpid(),
		LastShipAt:              d.lastShipAt,
		SpoolPendingCount:       pending,
		ParseErrorCount1h:       provider.ParseErrorsLastHour(),
		ConsecutiveShipFailures: d.tracker.Consecutive(),
		DiskFreeBytes:           diskFreeBytes(filepath.Dir(d.store.Path())),
		IsOffline:               d.offline.isOffline,
	}
}

// emitHeartbeat writes the status file unconditionally and POSTs the
// payload only while online. Both failures are debug-level; the heartbeat
// must never disturb shipping.
func (d *Daemon) emitHeartbeat(ctx context.Context) {
	hb := d.buildHeartbeat(ctx)
	if err := WriteStatusFile(d.statusPath, hb); err != nil {
		d.log.Debugf("status file write failed: %v", err)
	}
	if !d.offline.isOffline {
		if err := SendHeartbeat(ctx, d.client, hb); err != nil {
			d.log.Debugf("heartbeat send failed: %v", err)
		}
	}
}

// diskFreeBytes reports free space on the volume holding path. Zero when
// the lookup fails; the field is advisory.
func diskFreeBytes(path string) uint64 {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0
	}
	return usage.Free
}

// WriteStatusFile atomically replaces the local status file with the
// payload plus a last_updated stamp.
func WriteStatusFile(path string, hb Heartbeat) error {
	snap := statusSnapshot{
		Heartbeat:   hb,
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return filelock.AtomicWrite(path, data, 0644)
}

// SendHeartbeat POSTs the payload to /api/agents/heartbeat uncompressed.
func SendHeartbeat(ctx context.Context, client *transport.Client, hb Heartbeat) error {
	body, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return client.PostJSON(ctx, "/api/agents/heartbeat", body)
}
