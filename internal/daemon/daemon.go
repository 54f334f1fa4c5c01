// Package daemon runs the long-lived connect loop: a filesystem watcher
// fused with periodic fallback scans, spool replay, state pruning,
// heartbeats and the presence outbox drain. One goroutine owns all
// shipping state; the watcher and the housekeeping cron feed it from the
// side.
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/longhouse/shipper/internal/config"
	"github.com/longhouse/shipper/internal/filelock"
	"github.com/longhouse/shipper/internal/logger"
	"github.com/longhouse/shipper/internal/outbox"
	"github.com/longhouse/shipper/internal/pipeline"
	"github.com/longhouse/shipper/internal/provider"
	"github.com/longhouse/shipper/internal/shipper"
	"github.com/longhouse/shipper/internal/state"
	"github.com/longhouse/shipper/internal/transport"
	"github.com/longhouse/shipper/internal/watcher"
)

const (
	healthCheckInterval = 60 * time.Second
	pruneInterval       = 24 * time.Hour
	heartbeatInterval   = 5 * time.Minute
	outboxDrainInterval = 10 * time.Second

	logRetention  = 7 * 24 * time.Hour
	staleFileDays = 30

	startupReplayLimit = 100
	loopReplayLimit    = 50
)

// offlineState tracks connectivity. Any connect error flips it offline;
// only a successful health check flips it back.
type offlineState struct {
	isOffline           bool
	offlineSince        time.Time
	consecutiveFailures int
}

func (o *offlineState) markOffline() {
	if !o.isOffline {
		o.isOffline = true
		o.offlineSince = time.Now()
	}
	o.consecutiveFailures++
}

// markOnline clears the offline flag and reports how long it was set.
func (o *offlineState) markOnline() (time.Duration, bool) {
	if !o.isOffline {
		return 0, false
	}
	down := time.Since(o.offlineSince)
	o.isOffline = false
	o.offlineSince = time.Time{}
	o.consecutiveFailures = 0
	return down, true
}

// Daemon owns the connect loop's state. Construct with New, run with Run.
type Daemon struct {
	cfg       *config.Config
	version   string
	log       logger.Logger
	store     *state.Store
	client    *transport.Client
	shipper   *shipper.Shipper
	tracker   *logger.ErrorTracker
	providers []provider.Provider

	offline    offlineState
	lastShipAt string

	outboxDir  string
	statusPath string
}

// New wires a Daemon from resolved configuration. The caller owns the
// logger; Close releases the state store.
func New(cfg *config.Config, version string, log logger.Logger) (*Daemon, error) {
	if log == nil {
		log = logger.Nop{}
	}

	algo, err := pipeline.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, err
	}

	store, err := state.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	store.SetMaxSpoolRetries(cfg.MaxSpoolRetries)

	providers, err := provider.ListExisting()
	if err != nil {
		store.Close()
		return nil, err
	}

	outboxDir, err := config.OutboxDir()
	if err != nil {
		store.Close()
		return nil, err
	}
	statusPath, err := config.StatusFilePath()
	if err != nil {
		store.Close()
		return nil, err
	}

	client := transport.New(transport.Options{
		APIURL:          cfg.APIURL,
		APIToken:        cfg.APIToken,
		ContentEncoding: algo.ContentEncoding(),
		Timeout:         cfg.HTTPTimeout,
		Logger:          log,
	})

	tracker := logger.NewErrorTracker()
	provider.SetLogger(log)

	return &Daemon{
		cfg:        cfg,
		version:    version,
		log:        log,
		store:      store,
		client:     client,
		shipper:    shipper.New(store, client, algo, tracker, log),
		tracker:    tracker,
		providers:  providers,
		outboxDir:  outboxDir,
		statusPath: statusPath,
	}, nil
}

// Close releases the state store.
func (d *Daemon) Close() error {
	return d.store.Close()
}

// Run executes the startup sequence and then blocks in the event loop
// until ctx is canceled. Returns an error if another instance already
// holds the lock or a startup step fails; loop-time failures are logged
// and retried, never fatal.
func (d *Daemon) Run(ctx context.Context) error {
	start := time.Now()

	lockPath, err := config.LockFilePath()
	if err != nil {
		return err
	}
	lock := filelock.NewInstanceLock(lockPath)
	held, err := lock.TryAcquire()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !held {
		return fmt.Errorf("another instance is already running (lock: %s)", lockPath)
	}
	defer lock.Release()

	if n, err := logger.PruneOldLogs(d.cfg.LogDir, logRetention); err == nil && n > 0 {
		d.log.Infof("pruned %d old log file(s)", n)
	}

	recovered, err := d.shipper.RunStartupRecovery(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if recovered > 0 {
		d.log.Infof("recovered %d unacked file gaps into spool", recovered)
	}

	if n, err := d.store.PruneStale(ctx, staleFileDays); err != nil {
		d.log.Warnf("file state prune error: %v", err)
	} else if n > 0 {
		d.log.Infof("pruned %d stale file state entries", n)
	}

	d.log.Infof("shipping to %s", d.client.IngestURL())

	if len(d.providers) == 0 {
		d.log.Warnf("no provider directories found, nothing to watch")
		return nil
	}
	for _, p := range d.providers {
		d.log.Infof("provider %s: %s", p.Name, p.Root)
	}

	d.log.Infof("running initial full scan")
	files, events, err := d.shipper.FullScan(ctx, d.providers)
	if err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}
	d.log.Infof("initial scan: shipped %d files, %d events in %.1fs",
		files, events, time.Since(start).Seconds())

	shipped, failed, err := d.shipper.ReplaySpoolBatch(ctx, startupReplayLimit)
	if err != nil {
		return fmt.Errorf("startup spool replay: %w", err)
	}
	if shipped > 0 || failed > 0 {
		d.log.Infof("spool replay: %d shipped, %d failed", shipped, failed)
	}

	w, err := watcher.New(d.providers, d.log)
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer w.Close()

	housekeeping, err := d.startHousekeeping(ctx)
	if err != nil {
		return err
	}
	// Stop returns once no job is mid-flight, so the store outlives them.
	defer func() { <-housekeeping.Stop().Done() }()

	d.log.Infof("daemon ready, watching for file changes (flush interval %s)", d.cfg.FlushInterval)
	d.loop(ctx, w)
	d.log.Infof("daemon shutdown complete")
	return nil
}

// startHousekeeping schedules the daily jobs that must run even when the
// main loop is starved or offline: log pruning and the spool retention
// backstop (replay only cleans the spool while online).
func (d *Daemon) startHousekeeping(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc("@daily", func() {
		if n, err := logger.PruneOldLogs(d.cfg.LogDir, logRetention); err != nil {
			d.log.Warnf("log prune error: %v", err)
		} else if n > 0 {
			d.log.Infof("pruned %d old log file(s)", n)
		}
		if n, err := d.store.CleanupSpool(ctx); err != nil {
			d.log.Warnf("spool cleanup error: %v", err)
		} else if n > 0 {
			d.log.Infof("cleaned %d old spool entries", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule housekeeping: %w", err)
	}
	c.Start()
	return c, nil
}

// loop is the daemon's event loop. Watcher batches arrive over a channel
// fed by a pump goroutine; everything else is a ticker. Online-only
// sources are nil'd out while offline so their events queue in the
// watcher's bounded buffer instead of being consumed and dropped.
func (d *Daemon) loop(ctx context.Context, w *watcher.SessionWatcher) {
	batchCh := make(chan []string)
	go func() {
		defer close(batchCh)
		for {
			paths, err := w.NextBatch(ctx, d.cfg.FlushInterval)
			if err != nil || paths == nil {
				return
			}
			select {
			case batchCh <- paths:
			case <-ctx.Done():
				return
			}
		}
	}()

	fallbackTicker := time.NewTicker(d.cfg.FallbackScanInterval)
	defer fallbackTicker.Stop()
	spoolTicker := time.NewTicker(d.cfg.SpoolReplayInterval)
	defer spoolTicker.Stop()
	healthTicker := time.NewTicker(healthCheckInterval)
	defer healthTicker.Stop()
	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()
	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer heartbeatTicker.Stop()
	outboxTicker := time.NewTicker(outboxDrainInterval)
	defer outboxTicker.Stop()

	for {
		var (
			healthC   <-chan time.Time
			batchC    <-chan []string
			fallbackC <-chan time.Time
			spoolC    <-chan time.Time
			outboxC   <-chan time.Time
		)
		if d.offline.isOffline {
			healthC = healthTicker.C
		} else {
			batchC = batchCh
			fallbackC = fallbackTicker.C
			spoolC = spoolTicker.C
			outboxC = outboxTicker.C
		}

		select {
		case <-ctx.Done():
			d.log.Infof("shutdown signal received, exiting gracefully")
			return

		case <-healthC:
			if d.client.HealthCheck(ctx) {
				if down, was := d.offline.markOnline(); was {
					d.log.Infof("back online after %.0fs, resuming shipping", down.Seconds())
				}
			} else {
				d.log.Debugf("still offline (health check failed)")
			}

		case paths, ok := <-batchC:
			if !ok {
				d.log.Warnf("file watcher stopped unexpectedly")
				return
			}
			hadConnectError, events := d.shipBatch(ctx, paths)
			if hadConnectError {
				d.offline.markOffline()
				d.log.Warnf("connection error, entering offline mode, will retry every %s", healthCheckInterval)
			} else if events > 0 {
				d.lastShipAt = time.Now().UTC().Format(time.RFC3339)
			}

		case <-fallbackC:
			d.log.Debugf("running fallback full scan")
			files, events, err := d.shipper.FullScan(ctx, d.providers)
			if err != nil {
				d.log.Warnf("fallback scan error: %v", err)
			} else if files > 0 {
				d.log.Infof("fallback scan: shipped %d files, %d events", files, events)
			}

		case <-spoolC:
			shipped, failed, err := d.shipper.ReplaySpoolBatch(ctx, loopReplayLimit)
			if err != nil {
				d.log.Warnf("spool replay error: %v", err)
			} else if shipped > 0 || failed > 0 {
				d.log.Infof("spool replay: %d shipped, %d failed", shipped, failed)
			}

		case <-pruneTicker.C:
			if n, err := d.store.PruneStale(ctx, staleFileDays); err != nil {
				d.log.Warnf("daily prune error: %v", err)
			} else if n > 0 {
				d.log.Infof("daily prune: removed %d stale file state entries", n)
			}

		case <-heartbeatTicker.C:
			d.emitHeartbeat(ctx)

		case <-outboxC:
			if sent, kept := outbox.Drain(ctx, d.outboxDir, d.client, d.log); sent > 0 || kept > 0 {
				d.log.Debugf("presence outbox: %d sent, %d kept", sent, kept)
			}
		}
	}
}

// shipBatch ships every changed path that belongs to a known provider.
// Returns whether any attempt hit a connect error and the total events
// delivered. Per-file failures are logged (rate limited) and skipped so
// one bad file cannot stall the batch.
func (d *Daemon) shipBatch(ctx context.Context, paths []string) (bool, int) {
	batchStart := time.Now()
	var filesShipped, events int
	var hadConnectError bool

	for _, path := range paths {
		p, ok := provider.ForPath(d.providers, path)
		if !ok {
			d.log.Debugf("skipping file outside known providers: %s", path)
			continue
		}

		item, err := d.shipper.PrepareFile(ctx, path, p.Name)
		if err != nil {
			if d.tracker.RecordError() {
				d.log.Warnf("error preparing %s: %v", path, err)
			}
			continue
		}
		if item == nil {
			continue
		}

		n, kind, err := d.shipper.ShipAndRecord(ctx, item)
		if err != nil {
			if d.tracker.RecordError() {
				d.log.Warnf("error shipping %s: %v", path, err)
			}
			continue
		}
		if kind == transport.ShipConnectError {
			hadConnectError = true
		} else if n > 0 {
			filesShipped++
			events += n
		}
	}

	if filesShipped > 0 {
		d.log.Infof("shipped %d files (%d events) in %dms",
			filesShipped, events, time.Since(batchStart).Milliseconds())
	}
	return hadConnectError, events
}
