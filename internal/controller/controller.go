// Package controller implements the Controller: it owns persistence and
// state reconciliation, translating UI/scheduler intents into Engine
// commands and applying Engine events back onto the persisted queue.
//
// Grounded on spec §4.E directly — no single teacher file matches this
// shape. It is closest in spirit to the teacher's main.go/app.go wiring
// plus internal/core/engine.go's loadState/serializeState persistence
// calls, generalized here into its own component since the teacher inlines
// this responsibility into the engine itself.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tachyon-sftp/internal/analytics"
	"tachyon-sftp/internal/domain"
	"tachyon-sftp/internal/engine"
	"tachyon-sftp/internal/remotefs"
	"tachyon-sftp/internal/schedule"
	"tachyon-sftp/internal/store"
)

// Controller wires the Engine, the Remote File Service and the persistent
// store together.
type Controller struct {
	log   *slog.Logger
	store *store.Store
	eng   *engine.Engine
	stats *analytics.Stats

	mu          sync.Mutex
	cfg         domain.Config
	session     *remotefs.Session
	isConnected bool

	transferMu sync.Mutex
	transfers  map[string]transferMark

	events chan ControllerEvent
}

// transferMark is the last (bytes_downloaded, observed_at) pair recorded
// for an in-flight item, used to fold per-event byte/second deltas into the
// analytics rollup as they arrive rather than only at completion — so a
// paused-and-never-resumed item still contributes the time it was actually
// transferring.
type transferMark struct {
	bytes int64
	at    time.Time
}

// ControllerEvent is the subscription-style output to the UI collaborator
// described in spec §6: queue snapshot, per-item progress, status message,
// scheduler allowance flag, or an error string.
type ControllerEvent struct {
	Kind       string // "queue", "progress", "status", "schedule", "error"
	RemoteFile string
	Message    string
	Allowed    bool
}

// New builds a Controller. workDir is the directory containing
// config.json/queue.json (empty means current working directory).
func New(log *slog.Logger, workDir string) *Controller {
	return &Controller{
		log:       log,
		store:     store.New(workDir),
		eng:       engine.New(log),
		transfers: make(map[string]transferMark),
		events:    make(chan ControllerEvent, 256),
	}
}

// SetStats attaches the analytics rollup backing get_average_speed(days).
// Optional: a Controller built without one simply skips tracking, which
// tests that don't care about analytics rely on.
func (c *Controller) SetStats(stats *analytics.Stats) {
	c.stats = stats
}

// Events returns the UI-facing event stream.
func (c *Controller) Events() <-chan ControllerEvent { return c.events }

// Engine exposes the underlying engine for commands the App/API layer
// issues directly (StartAll, Pause, Cancel, ...).
func (c *Controller) Engine() *engine.Engine { return c.eng }

// Config returns a copy of the current configuration.
func (c *Controller) Config() domain.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Start loads config+queue from disk, optionally auto-connects, runs Queue
// Verification, and launches the Engine dispatcher and schedule poller.
// Grounded on spec §4.E's startup responsibilities.
func (c *Controller) Start(ctx context.Context) error {
	cfg, err := c.store.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	items, err := c.store.LoadQueue()
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()

	c.eng.SetConfig(cfg.Sftp)
	for _, item := range items {
		c.eng.Submit(engine.AddItem(item))
	}

	if c.stats != nil {
		if existing, err := c.stats.Export(); err != nil {
			c.log.Error("failed to query analytics table", "error", err)
		} else if len(existing) == 0 && len(cfg.DownloadStats) > 0 {
			// Fresh install (or analytics.db was deleted): re-seed the rollup
			// table from config.json's point-in-time export, per SPEC_FULL.md
			// §11's documented Import-on-empty-table behavior.
			if err := c.stats.Import(cfg.DownloadStats); err != nil {
				c.log.Error("failed to import historical download stats", "error", err)
			}
		}
	}

	if cfg.AutoConnect {
		if err := c.Connect(); err != nil {
			c.log.Warn("auto-connect failed", "error", err)
		} else {
			c.verifyQueue(items)
		}
	}

	go c.eng.Run(ctx)
	go c.drainEvents(ctx)
	go schedule.NewPoller(c.scheduleSnapshot, c.onScheduleChange, c.log).Run(ctx)

	return nil
}

func (c *Controller) scheduleSnapshot() domain.Schedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Schedule
}

// onScheduleChange is the schedule tick handler from spec §4.E: on an edge
// transition, issue PauseAll/ResumeAll.
func (c *Controller) onScheduleChange(allowed bool) {
	if allowed {
		c.eng.Submit(engine.ResumeAll())
	} else {
		c.eng.Submit(engine.PauseAll())
	}
	c.publish(ControllerEvent{Kind: "schedule", Allowed: allowed})
}

// verifyQueue implements Queue Verification from spec §4.E: for every item
// in Pending|Downloading|Paused, stat the remote file. Missing remote fails
// the item; a zero size_bytes is filled in from the discovered size; any
// Downloading item is reset to Pending, since it cannot actually be
// downloading in a freshly-started process.
func (c *Controller) verifyQueue(items []*domain.QueueItem) {
	for _, item := range items {
		switch item.Status {
		case domain.StatusPending, domain.StatusDownloading, domain.StatusPaused:
		default:
			continue
		}

		size, err := c.session.GetFileSize(item.RemoteFile)
		if err != nil {
			item.Status = domain.StatusFailed
			item.FailureReason = "Remote file missing"
			continue
		}
		if item.SizeBytes == 0 {
			item.SizeBytes = size
		}
		if item.Status == domain.StatusDownloading {
			item.Status = domain.StatusPending
		}
	}
	c.persistQueue()
}

// drainEvents applies Engine events to the persisted queue, per spec
// §4.E's "on every relevant event" responsibility, and republishes a
// UI-facing ControllerEvent for each.
func (c *Controller) drainEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.eng.Events():
			if !ok {
				return
			}
			c.applyEvent(evt)
		}
	}
}

func (c *Controller) applyEvent(evt engine.Event) {
	switch evt.Kind {
	case engine.EvtStarted:
		c.eng.SetStatus(evt.RemoteFile, domain.StatusDownloading, "")
		if item, ok := c.eng.Item(evt.RemoteFile); ok {
			c.startTransfer(evt.RemoteFile, item.BytesDownloaded)
		}
		c.publish(ControllerEvent{Kind: "status", RemoteFile: evt.RemoteFile, Message: "started"})
	case engine.EvtProgress:
		c.eng.SetProgress(evt.RemoteFile, evt.BytesDownloaded)
		c.recordTransfer(evt.RemoteFile, evt.BytesDownloaded)
		c.publish(ControllerEvent{Kind: "progress", RemoteFile: evt.RemoteFile})
	case engine.EvtPaused:
		c.recordTransfer(evt.RemoteFile, evt.BytesDownloaded)
		c.stopTransfer(evt.RemoteFile)
		c.eng.SetStatus(evt.RemoteFile, domain.StatusPaused, "")
		c.publish(ControllerEvent{Kind: "status", RemoteFile: evt.RemoteFile, Message: "paused"})
	case engine.EvtCompleted:
		c.recordTransfer(evt.RemoteFile, evt.BytesDownloaded)
		c.stopTransfer(evt.RemoteFile)
		c.eng.SetStatus(evt.RemoteFile, domain.StatusCompleted, "")
		c.publish(ControllerEvent{Kind: "status", RemoteFile: evt.RemoteFile, Message: "completed"})
	case engine.EvtFailed:
		c.recordTransfer(evt.RemoteFile, evt.BytesDownloaded)
		c.stopTransfer(evt.RemoteFile)
		c.eng.SetStatus(evt.RemoteFile, domain.StatusFailed, evt.Error)
		c.publish(ControllerEvent{Kind: "error", RemoteFile: evt.RemoteFile, Message: evt.Error})
	}
	c.persistQueue()
}

// startTransfer records the baseline (offset, now) an item begins
// downloading from, so the first recordTransfer call against it measures
// only time spent actually transferring.
func (c *Controller) startTransfer(remoteFile string, bytesDownloaded int64) {
	c.transferMu.Lock()
	c.transfers[remoteFile] = transferMark{bytes: bytesDownloaded, at: time.Now()}
	c.transferMu.Unlock()
}

// recordTransfer folds the bytes/seconds delta since the last mark into the
// analytics rollup, backing get_average_speed(days) (spec §8 property 6).
// Grounded on the teacher's internal/analytics/stats.go upsert convention.
func (c *Controller) recordTransfer(remoteFile string, bytesDownloaded int64) {
	if c.stats == nil {
		return
	}
	c.transferMu.Lock()
	mark, ok := c.transfers[remoteFile]
	if ok {
		c.transfers[remoteFile] = transferMark{bytes: bytesDownloaded, at: time.Now()}
	}
	c.transferMu.Unlock()
	if !ok {
		return
	}

	delta := bytesDownloaded - mark.bytes
	elapsed := time.Since(mark.at)
	if delta <= 0 {
		return
	}
	if err := c.stats.Track(delta, elapsed); err != nil {
		c.log.Error("failed to record transfer stats", "error", err)
	}
}

func (c *Controller) stopTransfer(remoteFile string) {
	c.transferMu.Lock()
	delete(c.transfers, remoteFile)
	c.transferMu.Unlock()
}

func (c *Controller) publish(evt ControllerEvent) {
	select {
	case c.events <- evt:
	default:
		c.log.Warn("controller event channel full, dropping event", "kind", evt.Kind)
	}
}

func (c *Controller) persistQueue() {
	snapshot := c.eng.Snapshot()
	items := make([]*domain.QueueItem, len(snapshot))
	for i := range snapshot {
		items[i] = &snapshot[i]
	}
	if err := c.store.SaveQueue(items); err != nil {
		c.log.Error("failed to persist queue", "error", err)
	}
}

// Connect opens the Remote File Service session using the current config.
func (c *Controller) Connect() error {
	cfg := c.Config()
	session, err := remotefs.Connect(cfg.Sftp, c.log)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.session = session
	c.isConnected = true
	c.mu.Unlock()
	return nil
}

// Disconnect closes the Remote File Service session.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
	}
	c.isConnected = false
}

// ListDir proxies to the Remote File Service and records last_remote_path.
func (c *Controller) ListDir(path string) (string, []domain.RemoteFile, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return "", nil, fmt.Errorf("%w: not connected", remotefs.ErrConnect)
	}
	canonical, files, err := session.ListDir(path)
	if err != nil {
		return "", nil, err
	}
	c.mu.Lock()
	c.cfg.LastRemotePath = canonical
	c.mu.Unlock()
	return canonical, files, nil
}

// EnqueueFile adds a single remote file to the queue.
func (c *Controller) EnqueueFile(remotePath, localDir string) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return fmt.Errorf("%w: not connected", remotefs.ErrConnect)
	}
	size, err := session.GetFileSize(remotePath)
	if err != nil {
		return err
	}
	item := &domain.QueueItem{
		RemoteFile:    remotePath,
		Filename:      baseName(remotePath),
		LocalLocation: localDir,
		SizeBytes:     size,
		Status:        domain.StatusPending,
	}
	c.eng.Submit(engine.AddItem(item))
	c.persistQueue()
	return nil
}

// EnqueueFolder recursively scans remotePath and queues every file found.
// Results are deduplicated on remote_file before insertion, per spec §4.E.
func (c *Controller) EnqueueFolder(remotePath, localDir string) (int, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return 0, fmt.Errorf("%w: not connected", remotefs.ErrConnect)
	}
	files, err := session.RecursiveScan(remotePath)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]bool)
	queued := 0
	for _, f := range files {
		if f.FileType != domain.FileTypeFile {
			continue
		}
		if seen[f.Path] {
			continue
		}
		seen[f.Path] = true

		item := &domain.QueueItem{
			RemoteFile:    f.Path,
			Filename:      baseName(f.Path),
			LocalLocation: localDir,
			SizeBytes:     f.SizeBytes,
			Status:        domain.StatusPending,
		}
		c.eng.Submit(engine.AddItem(item))
		queued++
	}
	c.persistQueue()
	return queued, nil
}

func baseName(remotePath string) string {
	for i := len(remotePath) - 1; i >= 0; i-- {
		if remotePath[i] == '/' {
			return remotePath[i+1:]
		}
	}
	return remotePath
}

// Shutdown implements spec §4.E's exit responsibilities: persist
// last_remote_path, auto_connect (= is currently connected), the queue and
// the config.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	c.cfg.AutoConnect = c.isConnected
	c.mu.Unlock()

	if c.stats != nil {
		if exported, err := c.stats.Export(); err != nil {
			c.log.Error("failed to export analytics for shutdown", "error", err)
		} else {
			c.mu.Lock()
			c.cfg.DownloadStats = exported
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	c.persistQueue()
	if err := c.store.SaveConfig(cfg); err != nil {
		c.log.Error("failed to persist config", "error", err)
	}
	c.Disconnect()
}

// AverageSpeed reports the get_average_speed(days) testable property
// directly from the analytics rollup. Returns 0 if no stats backend is
// attached (headless smoke runs, unit tests).
func (c *Controller) AverageSpeed(days int) (float64, error) {
	if c.stats == nil {
		return 0, nil
	}
	return c.stats.AverageSpeed(days)
}
