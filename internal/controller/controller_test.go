package controller

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"tachyon-sftp/internal/analytics"
	"tachyon-sftp/internal/domain"
	"tachyon-sftp/internal/engine"
)

func newTestStats(t *testing.T) *analytics.Stats {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open in-memory sqlite: %v", err)
	}
	stats, err := analytics.New(db)
	if err != nil {
		t.Fatalf("analytics.New: %v", err)
	}
	return stats
}

// waitForItem polls the engine until remoteFile appears in the queue or the
// deadline elapses, since AddItem is processed asynchronously by the
// dispatcher goroutine.
func waitForItem(t *testing.T, e *engine.Engine, remoteFile string) domain.QueueItem {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if item, ok := e.Item(remoteFile); ok {
			return item
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q to appear in queue", remoteFile)
	return domain.QueueItem{}
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	return New(slog.Default(), t.TempDir())
}

func TestBaseName(t *testing.T) {
	cases := map[string]string{
		"/remote/path/file.txt": "file.txt",
		"file.txt":              "file.txt",
		"/a/b/c":                "c",
	}
	for in, want := range cases {
		if got := baseName(in); got != want {
			t.Errorf("baseName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestApplyEventUpdatesQueueAndPublishes(t *testing.T) {
	c := newTestController(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.eng.Run(ctx)

	c.eng.Submit(engine.AddItem(&domain.QueueItem{RemoteFile: "/a.txt", Status: domain.StatusPending}))
	waitForItem(t, c.eng, "/a.txt")

	c.applyEvent(engine.Event{Kind: engine.EvtStarted, RemoteFile: "/a.txt"})
	item, ok := c.eng.Item("/a.txt")
	if !ok || item.Status != domain.StatusDownloading {
		t.Fatalf("expected item Downloading after EvtStarted, got %+v (ok=%v)", item, ok)
	}

	c.applyEvent(engine.Event{Kind: engine.EvtProgress, RemoteFile: "/a.txt", BytesDownloaded: 99})
	item, _ = c.eng.Item("/a.txt")
	if item.BytesDownloaded != 99 {
		t.Errorf("expected bytes_downloaded 99, got %d", item.BytesDownloaded)
	}

	c.applyEvent(engine.Event{Kind: engine.EvtFailed, RemoteFile: "/a.txt", Error: "disk full"})
	item, _ = c.eng.Item("/a.txt")
	if item.Status != domain.StatusFailed || item.FailureReason != "disk full" {
		t.Errorf("expected Failed/disk full, got %v/%q", item.Status, item.FailureReason)
	}

	select {
	case evt := <-c.Events():
		if evt.Kind == "" {
			t.Error("expected a non-empty event kind")
		}
	default:
		t.Error("expected at least one published ControllerEvent")
	}
}

func TestApplyEventTracksCompletedTransferIntoAnalytics(t *testing.T) {
	c := newTestController(t)
	c.SetStats(newTestStats(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.eng.Run(ctx)

	c.eng.Submit(engine.AddItem(&domain.QueueItem{RemoteFile: "/a.bin", Status: domain.StatusPending}))
	waitForItem(t, c.eng, "/a.bin")

	c.applyEvent(engine.Event{Kind: engine.EvtStarted, RemoteFile: "/a.bin"})

	// Backdate the transfer mark so the completed delta spans a measurable
	// elapsed duration without sleeping in the test.
	c.transferMu.Lock()
	c.transfers["/a.bin"] = transferMark{bytes: 0, at: time.Now().Add(-2 * time.Second)}
	c.transferMu.Unlock()

	c.applyEvent(engine.Event{Kind: engine.EvtCompleted, RemoteFile: "/a.bin", BytesDownloaded: 4096})

	speed, err := c.AverageSpeed(1)
	if err != nil {
		t.Fatalf("AverageSpeed: %v", err)
	}
	if speed <= 0 {
		t.Errorf("expected a positive average speed after a tracked completion, got %f", speed)
	}

	c.transferMu.Lock()
	_, stillTracked := c.transfers["/a.bin"]
	c.transferMu.Unlock()
	if stillTracked {
		t.Error("expected the transfer mark to be cleared after completion")
	}
}

func TestOnScheduleChangeSubmitsPauseOrResumeAndPublishes(t *testing.T) {
	c := newTestController(t)

	c.onScheduleChange(false)
	select {
	case evt := <-c.Events():
		if evt.Kind != "schedule" || evt.Allowed {
			t.Errorf("expected schedule/false event, got %+v", evt)
		}
	default:
		t.Error("expected a schedule event to be published")
	}

	c.onScheduleChange(true)
	select {
	case evt := <-c.Events():
		if evt.Kind != "schedule" || !evt.Allowed {
			t.Errorf("expected schedule/true event, got %+v", evt)
		}
	default:
		t.Error("expected a schedule event to be published")
	}
}

func TestShutdownRecordsAutoConnectFromConnectionState(t *testing.T) {
	c := newTestController(t)
	c.isConnected = true

	c.Shutdown()

	cfg := c.Config()
	if !cfg.AutoConnect {
		t.Error("expected AutoConnect to be true after Shutdown while connected")
	}
}

func TestShutdownExportsAnalyticsIntoConfig(t *testing.T) {
	c := newTestController(t)
	stats := newTestStats(t)
	c.SetStats(stats)

	if err := stats.Track(4096, 2*time.Second); err != nil {
		t.Fatalf("Track: %v", err)
	}

	c.Shutdown()

	cfg := c.Config()
	if len(cfg.DownloadStats) != 1 {
		t.Fatalf("expected 1 exported daily stat row, got %d", len(cfg.DownloadStats))
	}
	if cfg.DownloadStats[0].Bytes != 4096 || cfg.DownloadStats[0].Seconds != 2 {
		t.Errorf("unexpected exported row: %+v", cfg.DownloadStats[0])
	}
}
