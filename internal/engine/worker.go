package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tachyon-sftp/internal/domain"
	"tachyon-sftp/internal/filesystem"
	"tachyon-sftp/internal/remotefs"
)

var allocator = filesystem.NewAllocator()

// runWorker is the per-item goroutine. It connects once; any connect
// failure is terminal for this dispatch attempt (emit Failed, report
// TaskDone, exit). Afterward it loops: pause-check, cancel-check, transfer
// one chunk, throttle, repeat — exiting on completion, pause, cancel, or
// error. Grounded 1:1 on original_source/download_manager.rs::download_file,
// plus two spec-only additions: the throttle-sleep (step 6) and the
// auto-resume offset computed by the caller (engine.go::startOffset).
//
// Structural idiom (panic recovery around the whole goroutine body) follows
// the teacher's internal/core/engine.go dispatch convention — a worker must
// never take the whole process down with it.
func (e *Engine) runWorker(item *domain.QueueItem, startOffset int64) {
	defer e.wg.Done()
	key := item.RemoteFile
	localPath := item.LocalPath()

	defer func() {
		if r := recover(); r != nil {
			e.emit(Event{Kind: EvtFailed, RemoteFile: key, Error: fmt.Sprintf("worker panic: %v", r)})
			e.Submit(taskDone(key))
		}
	}()

	session, err := remotefs.Connect(e.config(), e.log)
	if err != nil {
		e.emit(Event{Kind: EvtFailed, RemoteFile: key, BytesDownloaded: startOffset, Error: err.Error()})
		e.Submit(taskDone(key))
		return
	}
	defer session.Close()

	if startOffset == 0 {
		if err := allocatePath(localPath, item.SizeBytes); err != nil {
			e.emit(Event{Kind: EvtFailed, RemoteFile: key, BytesDownloaded: startOffset, Error: err.Error()})
			e.Submit(taskDone(key))
			return
		}
	}

	bytesDownloaded := startOffset

	for {
		if e.isPaused(key) {
			e.stateMu.Lock()
			e.paused[key] = bytesDownloaded
			e.stateMu.Unlock()
			e.emit(Event{Kind: EvtPaused, RemoteFile: key, BytesDownloaded: bytesDownloaded})
			e.Submit(taskPaused(key, bytesDownloaded))
			return
		}

		if e.isCancelled(key) {
			e.Submit(taskDone(key))
			return
		}

		limit := e.speedLimit.Load()
		start := time.Now()

		n, err := session.DownloadChunk(key, localPath, bytesDownloaded, ChunkSize)
		if err != nil {
			e.emit(Event{Kind: EvtFailed, RemoteFile: key, BytesDownloaded: bytesDownloaded, Error: err.Error()})
			e.Submit(taskDone(key))
			return
		}

		if n == 0 {
			e.emit(Event{Kind: EvtCompleted, RemoteFile: key, BytesDownloaded: bytesDownloaded})
			e.Submit(taskDone(key))
			return
		}

		if limit > 0 {
			throttle(n, limit, time.Since(start))
		}

		bytesDownloaded += int64(n)
		e.emit(Event{Kind: EvtProgress, RemoteFile: key, BytesDownloaded: bytesDownloaded})
	}
}

// throttle implements spec §4.D step 6's exact formula: min_micros = n *
// 1_000_000 / (limit_kb * 1024); if elapsed is shorter, sleep the
// difference. Enforced per worker, not via a shared token bucket — two
// workers at the same limit can together reach twice the configured rate,
// which is the spec's explicit, intentional design (see SPEC_FULL.md §4.D
// "Throttling semantics").
func throttle(n int, limitKBPerSec int64, elapsed time.Duration) {
	minMicros := int64(n) * 1_000_000 / (limitKBPerSec * 1024)
	minDuration := time.Duration(minMicros) * time.Microsecond
	if elapsed < minDuration {
		time.Sleep(minDuration - elapsed)
	}
}

// allocatePath creates the destination directory and pre-allocates size
// bytes of disk space before the first chunk is written, so a full disk is
// reported as a failure up front rather than mid-transfer. Grounded on the
// teacher's internal/filesystem/allocator.go, previously unwired.
func allocatePath(localPath string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	return allocator.AllocateFile(localPath, size)
}

func (e *Engine) isPaused(key string) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	_, ok := e.paused[key]
	return ok
}

func (e *Engine) isCancelled(key string) bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.cancelled[key]
}
