package engine

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"tachyon-sftp/internal/domain"
)

// Engine is the Download Engine actor: a dispatcher goroutine (started by
// Run) that consumes Command values and produces Event values, spawning one
// worker goroutine per concurrently-active item.
//
// Ownership per spec §3/§5: the dispatcher goroutine alone mutates
// active/globallyPaused, so they take no lock. queue is guarded by queueMu
// because the Controller reads it (Snapshot, Item) and writes item fields
// (SetStatus, SetProgress) from its own goroutine. paused/cancelled/
// speedLimit are genuinely shared with worker goroutines and are guarded
// accordingly.
type Engine struct {
	log *slog.Logger

	cfgMu sync.Mutex
	cfg   domain.SftpConfig

	cmdCh   chan Command
	eventCh chan Event

	queueMu sync.Mutex
	queue   []*domain.QueueItem
	active  map[string]bool

	stateMu   sync.Mutex
	paused    map[string]int64
	cancelled map[string]bool

	globallyPaused bool
	speedLimit     atomic.Int64

	wg sync.WaitGroup
}

// New builds an idle Engine. Call SetConfig before Run dispatches any item
// that needs a live SFTP session.
func New(log *slog.Logger) *Engine {
	return &Engine{
		log:       log,
		cmdCh:     make(chan Command, 128),
		eventCh:   make(chan Event, 128),
		active:    make(map[string]bool),
		paused:    make(map[string]int64),
		cancelled: make(map[string]bool),
	}
}

// SetConfig updates the SFTP credentials used by future worker connections.
// Safe to call concurrently with Run.
func (e *Engine) SetConfig(cfg domain.SftpConfig) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
}

func (e *Engine) config() domain.SftpConfig {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	return e.cfg
}

// Events returns the channel the Controller should drain.
func (e *Engine) Events() <-chan Event { return e.eventCh }

// Submit enqueues a command for the dispatcher. It never blocks the
// caller indefinitely on a full channel — spec §4.D's failure semantics
// call a full command channel "backpressure" that is allowed to drop
// best-effort commands silently.
func (e *Engine) Submit(cmd Command) {
	select {
	case e.cmdCh <- cmd:
	default:
		e.log.Warn("command channel full, dropping command", "kind", cmd.Kind)
	}
}

// Run is the dispatcher loop. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			close(e.eventCh)
			return
		case cmd := <-e.cmdCh:
			e.handle(cmd)
			e.dispatch()
		}
	}
}

func (e *Engine) handle(cmd Command) {
	switch cmd.Kind {
	case CmdAddItem:
		e.handleAddItem(cmd.Item)
	case CmdStartAll:
		e.globallyPaused = false
	case CmdPauseAll:
		e.globallyPaused = true
		e.stateMu.Lock()
		for key := range e.active {
			e.paused[key] = 0
		}
		e.stateMu.Unlock()
	case CmdResumeAll:
		e.globallyPaused = false
		e.stateMu.Lock()
		e.paused = make(map[string]int64)
		e.stateMu.Unlock()
		e.queueMu.Lock()
		for _, it := range e.queue {
			if it.Status == domain.StatusPaused {
				it.Status = domain.StatusPending
			}
		}
		e.queueMu.Unlock()
	case CmdPause:
		e.stateMu.Lock()
		e.paused[cmd.RemoteFile] = 0
		e.stateMu.Unlock()
	case CmdResume:
		e.stateMu.Lock()
		delete(e.paused, cmd.RemoteFile)
		e.stateMu.Unlock()
		e.queueMu.Lock()
		for _, it := range e.queue {
			if it.RemoteFile == cmd.RemoteFile && it.Status == domain.StatusPaused {
				it.Status = domain.StatusPending
			}
		}
		e.queueMu.Unlock()
	case CmdCancel:
		e.stateMu.Lock()
		e.cancelled[cmd.RemoteFile] = true
		e.stateMu.Unlock()
		e.removeFromQueue(cmd.RemoteFile)
	case CmdSetSpeedLimit:
		e.speedLimit.Store(cmd.SpeedLimit)
	case cmdTaskPaused:
		delete(e.active, cmd.RemoteFile)
		if item := e.find(cmd.RemoteFile); item != nil {
			e.queueMu.Lock()
			item.BytesDownloaded = cmd.Offset
			e.queueMu.Unlock()
		}
	case cmdTaskDone:
		delete(e.active, cmd.RemoteFile)
	}
}

func (e *Engine) handleAddItem(item *domain.QueueItem) {
	if item == nil {
		return
	}
	if e.find(item.RemoteFile) != nil {
		return
	}
	if e.active[item.RemoteFile] {
		return
	}
	e.queueMu.Lock()
	e.queue = append(e.queue, item)
	e.queueMu.Unlock()
}

func (e *Engine) find(remoteFile string) *domain.QueueItem {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	for _, it := range e.queue {
		if it.RemoteFile == remoteFile {
			return it
		}
	}
	return nil
}

func (e *Engine) removeFromQueue(remoteFile string) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	out := e.queue[:0]
	for _, it := range e.queue {
		if it.RemoteFile != remoteFile {
			out = append(out, it)
		}
	}
	e.queue = out
}

// Snapshot returns a point-in-time copy of the queue for persistence or
// display. Safe to call from any goroutine.
func (e *Engine) Snapshot() []domain.QueueItem {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	out := make([]domain.QueueItem, len(e.queue))
	for i, it := range e.queue {
		out[i] = *it
	}
	return out
}

// SetStatus lets the Controller mutate a queue item's Status (and, for
// Failed, its FailureReason) in response to an Event. The Engine itself
// writes BytesDownloaded (on TaskPaused) and changes Status only to move a
// Paused item back to Pending on Resume/ResumeAll; every other status
// transition is the Controller's, applied as it observes engine events.
func (e *Engine) SetStatus(remoteFile string, status domain.Status, failureReason string) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	for _, it := range e.queue {
		if it.RemoteFile == remoteFile {
			it.Status = status
			it.FailureReason = failureReason
			return
		}
	}
}

// SetProgress records the latest reported bytes_downloaded for an item,
// called by the Controller on each Progress event (the Engine itself only
// writes this field internally on TaskPaused).
func (e *Engine) SetProgress(remoteFile string, bytesDownloaded int64) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	for _, it := range e.queue {
		if it.RemoteFile == remoteFile {
			it.BytesDownloaded = bytesDownloaded
			return
		}
	}
}

// Item returns a copy of the queue item for remoteFile, if present.
func (e *Engine) Item(remoteFile string) (domain.QueueItem, bool) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	for _, it := range e.queue {
		if it.RemoteFile == remoteFile {
			return *it, true
		}
	}
	return domain.QueueItem{}, false
}

// dispatch implements process_queue from spec §4.D: while capacity remains
// and the engine is not globally paused, scan the queue in insertion order
// for the first eligible Pending item and spawn a worker for it.
func (e *Engine) dispatch() {
	for len(e.active) < MaxConcurrent && !e.globallyPaused {
		item := e.nextEligible()
		if item == nil {
			return
		}

		key := item.RemoteFile
		offset := e.startOffset(item)

		e.active[key] = true
		e.emit(Event{Kind: EvtStarted, RemoteFile: key})

		e.wg.Add(1)
		go e.runWorker(item, offset)
	}
}

func (e *Engine) nextEligible() *domain.QueueItem {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	for _, it := range e.queue {
		if it.Status != domain.StatusPending {
			continue
		}
		if e.active[it.RemoteFile] {
			continue
		}
		if _, isPaused := e.paused[it.RemoteFile]; isPaused {
			continue
		}
		if e.cancelled[it.RemoteFile] {
			continue
		}
		return it
	}
	return nil
}

// startOffset computes the resume point per spec §4.D step 2: prefer a
// worker-reported paused offset, else the item's recorded progress, else
// (if that is zero) adopt a partial local file's size — auto-resume after a
// crash. This third clause has no original_source counterpart; it is a
// spec-only addition.
func (e *Engine) startOffset(item *domain.QueueItem) int64 {
	e.stateMu.Lock()
	if offset, ok := e.paused[item.RemoteFile]; ok {
		e.stateMu.Unlock()
		return offset
	}
	e.stateMu.Unlock()

	e.queueMu.Lock()
	bytesDownloaded, sizeBytes, localPath := item.BytesDownloaded, item.SizeBytes, item.LocalPath()
	e.queueMu.Unlock()

	if bytesDownloaded > 0 {
		return bytesDownloaded
	}

	if info, err := os.Stat(localPath); err == nil {
		size := info.Size()
		if size > 0 && size < sizeBytes {
			return size
		}
	}
	return 0
}

func (e *Engine) emit(evt Event) {
	select {
	case e.eventCh <- evt:
	default:
		e.log.Warn("event channel full, dropping event", "kind", evt.Kind, "remote_file", evt.RemoteFile)
	}
}
