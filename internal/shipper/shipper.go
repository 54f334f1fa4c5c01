// Package shipper implements the delivery state machine: parse a file
// slice, compress it, POST it, and record the outcome in the dual-cursor
// store. Transient failures spool byte-range pointers for replay; client
// errors skip the range forever; connect errors additionally signal the
// caller to go offline.
package shipper

import (
	"context"
	"fmt"
	"os"

	"github.com/longhouse/shipper/internal/logger"
	"github.com/longhouse/shipper/internal/pipeline"
	"github.com/longhouse/shipper/internal/provider"
	"github.com/longhouse/shipper/internal/state"
	"github.com/longhouse/shipper/internal/transport"
)

// ShipItem is one parsed and compressed byte range, ready to POST.
type ShipItem struct {
	Path       string
	Provider   string
	Offset     int64
	NewOffset  int64
	EventCount int
	SessionID  string
	Compressed []byte
}

// Shipper ties the parser, compressor, transport and state store together.
// All methods run on the daemon's single goroutine; the bulk ship command
// uses PrepareFile from workers but funnels ShipAndRecord through one lane.
type Shipper struct {
	store   *state.Store
	client  *transport.Client
	algo    pipeline.Algorithm
	tracker *logger.ErrorTracker
	log     logger.Logger
}

// New builds a Shipper. A nil tracker disables log rate limiting, so every
// failure is logged (the one-shot commands want that).
func New(store *state.Store, client *transport.Client, algo pipeline.Algorithm, tracker *logger.ErrorTracker, log logger.Logger) *Shipper {
	if log == nil {
		log = logger.Nop{}
	}
	return &Shipper{store: store, client: client, algo: algo, tracker: tracker, log: log}
}

// PrepareFile parses a file from its acked offset and compresses the new
// events. Returns nil when there is nothing to ship: no new bytes, no
// events in the new bytes, or the file cannot be read.
//
// NewOffset is the file size at stat time, not the parser's last good
// offset. A partial trailing line is excluded from the events but covered
// by the recorded range; the next pass re-reads it once it is complete.
func (s *Shipper) PrepareFile(ctx context.Context, path, providerName string) (*ShipItem, error) {
	current, err := s.store.GetOffset(ctx, path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		s.log.Warnf("cannot stat %s: %v", path, err)
		return nil, nil
	}
	size := info.Size()

	offset := current
	switch {
	case size < current:
		s.log.Warnf("file truncated: %s (was %d, now %d), resetting", path, current, size)
		if err := s.store.ResetOffsets(ctx, path); err != nil {
			return nil, err
		}
		offset = 0
	case size == current:
		return nil, nil
	}

	res, err := provider.Parse(providerName, path, offset)
	if err != nil {
		s.log.Warnf("skip %s: %v", path, err)
		return nil, nil
	}
	if len(res.Events) == 0 {
		return nil, nil
	}

	compressed, err := pipeline.BuildAndCompress(res.Metadata.SessionID, res.Events, &res.Metadata, path, providerName, s.algo)
	if err != nil {
		return nil, fmt.Errorf("compress %s: %w", path, err)
	}

	return &ShipItem{
		Path:       path,
		Provider:   providerName,
		Offset:     offset,
		NewOffset:  size,
		EventCount: len(res.Events),
		SessionID:  res.Metadata.SessionID,
		Compressed: compressed,
	}, nil
}

// ShipAndRecord POSTs a prepared item and records the outcome.
//
// Success advances both cursors. Transient failures (429 exhausted, 5xx,
// unreachable) enqueue the range and advance only queued_offset, and only
// when the enqueue fit: a full spool leaves both cursors alone so startup
// recovery rediscovers the gap. Client errors advance both cursors since
// retrying bad bytes never helps.
//
// Returns the shipped event count and the transport result kind; a
// ShipConnectError kind tells the caller to enter offline mode.
func (s *Shipper) ShipAndRecord(ctx context.Context, item *ShipItem) (int, transport.ResultKind, error) {
	res := s.client.Ship(ctx, item.Compressed)

	switch res.Kind {
	case transport.ShipOk:
		if s.tracker != nil {
			if n, recovered := s.tracker.RecordSuccess(); recovered {
				s.log.Infof("recovered after %d ship failure(s), now shipping normally", n)
			}
		}
		if err := s.store.SetOffset(ctx, item.Path, item.NewOffset, item.Provider, item.SessionID, item.SessionID); err != nil {
			return 0, res.Kind, err
		}
		s.log.Debugf("shipped %s (%d events, %d bytes)",
			item.Path, item.EventCount, item.NewOffset-item.Offset)
		return item.EventCount, res.Kind, nil

	case transport.ShipClientError:
		s.log.Errorf("client error shipping %s: %d %s", item.Path, res.Code, truncate(res.Body, 200))
		if err := s.store.SetOffset(ctx, item.Path, item.NewOffset, item.Provider, item.SessionID, item.SessionID); err != nil {
			return 0, res.Kind, err
		}
		return 0, res.Kind, nil

	default:
		errMsg := describeFailure(res)
		shouldLog, count := true, int64(1)
		if s.tracker != nil {
			shouldLog = s.tracker.RecordError()
			count = s.tracker.Consecutive()
		}
		if shouldLog {
			if count > 1 {
				s.log.Warnf("ship still failing after %d attempts, latest: %s", count, errMsg)
			} else {
				s.log.Warnf("spooled %s: %s", item.Path, errMsg)
			}
		}

		enqueued, err := s.store.Enqueue(ctx, item.Provider, item.Path, item.Offset, item.NewOffset, item.SessionID)
		if err != nil {
			return 0, res.Kind, err
		}
		if enqueued {
			if err := s.store.SetQueuedOffset(ctx, item.Path, item.NewOffset, item.Provider, item.SessionID, item.SessionID); err != nil {
				return 0, res.Kind, err
			}
		} else {
			s.log.Warnf("spool at capacity, %s will be retried on next startup", item.Path)
		}
		return 0, res.Kind, nil
	}
}

// RunStartupRecovery re-enqueues the [acked, queued) gap of every file the
// last run left partially delivered. The spool rows it creates are the
// ones a crash between enqueue and cursor advance would have lost.
func (s *Shipper) RunStartupRecovery(ctx context.Context) (int, error) {
	unacked, err := s.store.GetUnackedFiles(ctx)
	if err != nil {
		return 0, err
	}
	for _, f := range unacked {
		s.log.Infof("recovering gap for %s: acked=%d, queued=%d", f.Path, f.AckedOffset, f.QueuedOffset)
		if _, err := s.store.Enqueue(ctx, f.Provider, f.Path, f.AckedOffset, f.QueuedOffset, f.SessionID); err != nil {
			return 0, err
		}
	}
	return len(unacked), nil
}

// ReplaySpoolBatch re-parses and re-ships due spool entries oldest first.
// A connect error stops the batch so the remaining entries keep their
// temporal order for the next cycle. Returns (shipped, failed).
func (s *Shipper) ReplaySpoolBatch(ctx context.Context, limit int) (int, int, error) {
	pending, err := s.store.DequeueBatch(ctx, limit)
	if err != nil {
		return 0, 0, err
	}

	var shipped, failed int
loop:
	for _, entry := range pending {
		if _, statErr := os.Stat(entry.FilePath); statErr != nil {
			s.log.Warnf("spool file missing: %s", entry.FilePath)
			if _, err := s.store.MarkFailedWithMax(ctx, entry.ID, "file missing", 0); err != nil {
				return shipped, failed, err
			}
			failed++
			continue
		}

		res, parseErr := provider.Parse(entry.Provider, entry.FilePath, entry.StartOffset)
		if parseErr != nil {
			if _, err := s.store.MarkFailed(ctx, entry.ID, parseErr.Error()); err != nil {
				return shipped, failed, err
			}
			failed++
			continue
		}

		// An empty range is effectively delivered.
		if len(res.Events) == 0 {
			if err := s.ackReplayed(ctx, entry); err != nil {
				return shipped, failed, err
			}
			shipped++
			continue
		}

		compressed, err := pipeline.BuildAndCompress(res.Metadata.SessionID, res.Events, &res.Metadata, entry.FilePath, entry.Provider, s.algo)
		if err != nil {
			return shipped, failed, fmt.Errorf("compress %s: %w", entry.FilePath, err)
		}

		switch result := s.client.Ship(ctx, compressed); result.Kind {
		case transport.ShipOk:
			if err := s.ackReplayed(ctx, entry); err != nil {
				return shipped, failed, err
			}
			shipped++
		case transport.ShipConnectError:
			break loop
		case transport.ShipClientError:
			if _, err := s.store.MarkFailedWithMax(ctx, entry.ID, fmt.Sprintf("client error %d", result.Code), 0); err != nil {
				return shipped, failed, err
			}
			failed++
		default:
			if _, err := s.store.MarkFailed(ctx, entry.ID, "server error during replay"); err != nil {
				return shipped, failed, err
			}
			failed++
		}
	}

	cleaned, err := s.store.CleanupSpool(ctx)
	if err != nil {
		return shipped, failed, err
	}
	if cleaned > 0 {
		s.log.Infof("cleaned %d old spool entries", cleaned)
	}

	return shipped, failed, nil
}

// FullScan walks every provider file and ships whatever has new content.
// Used as the watcher's safety net and by the one-shot ship command.
// Returns (files shipped, events shipped).
func (s *Shipper) FullScan(ctx context.Context, providers []provider.Provider) (int, int, error) {
	files := provider.DiscoverFiles(providers)

	var filesShipped, eventsShipped int
	for _, f := range files {
		item, err := s.PrepareFile(ctx, f.Path, f.Provider)
		if err != nil {
			s.log.Warnf("error preparing %s: %v", f.Path, err)
			continue
		}
		if item == nil {
			continue
		}

		events, _, err := s.ShipAndRecord(ctx, item)
		if err != nil {
			return filesShipped, eventsShipped, err
		}
		if events > 0 {
			filesShipped++
			eventsShipped += events
			if filesShipped%100 == 0 {
				s.log.Infof("full scan progress: %d files, %d events shipped", filesShipped, eventsShipped)
			}
		}
	}
	return filesShipped, eventsShipped, nil
}

func (s *Shipper) ackReplayed(ctx context.Context, entry state.SpoolEntry) error {
	if err := s.store.MarkShipped(ctx, entry.ID); err != nil {
		return err
	}
	return s.store.SetAckedOffset(ctx, entry.FilePath, entry.EndOffset)
}

func describeFailure(res transport.ShipResult) string {
	switch res.Kind {
	case transport.ShipRateLimited:
		return "rate limited"
	case transport.ShipServerError:
		return fmt.Sprintf("%d:%s", res.Code, truncate(res.Body, 200))
	case transport.ShipConnectError:
		if res.Err != nil {
			return res.Err.Error()
		}
		return "connection failed"
	default:
		return res.Kind.String()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
