package main

import (
	"context"
	"log/slog"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"tachyon-sftp/internal/controller"
	"tachyon-sftp/internal/core"
	"tachyon-sftp/internal/domain"
	"tachyon-sftp/internal/logger"
)

// App is the Wails-bound binding that the frontend calls into. It is a thin
// adapter over Controller: every method here does argument plumbing and
// leaves the actual work (persistence, dispatch, scheduling, analytics) to
// the collaborators Controller already owns.
type App struct {
	ctx          context.Context
	logger       *slog.Logger
	wailsHandler *logger.WailsHandler
	ctrl         *controller.Controller
	isQuitting   bool
}

// NewApp creates a new App with all dependencies injected.
func NewApp(log *slog.Logger, wailsHandler *logger.WailsHandler, ctrl *controller.Controller) *App {
	return &App{
		logger:       log,
		wailsHandler: wailsHandler,
		ctrl:         ctrl,
	}
}

// startup is called when the Wails runtime is ready.
func (a *App) startup(ctx context.Context) {
	a.ctx = ctx
	if a.wailsHandler != nil {
		a.wailsHandler.SetContext(ctx)
	}
	if err := a.ctrl.Start(ctx); err != nil {
		a.logger.Error("controller failed to start", "error", err)
	}
	go a.forwardEvents(ctx)
	a.logger.Info("app started")
}

func (a *App) forwardEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.ctrl.Events():
			if !ok {
				return
			}
			runtime.EventsEmit(a.ctx, "tachyon:"+evt.Kind, evt)
		}
	}
}

// beforeClose hides the window to the tray instead of exiting, unless the
// user chose Quit from the tray menu.
func (a *App) beforeClose(ctx context.Context) (prevent bool) {
	if a.isQuitting {
		return false
	}
	a.logger.Info("window close requested, minimizing to tray")
	runtime.WindowHide(ctx)
	return true
}

// QuitApp is called from the tray menu to truly exit.
func (a *App) QuitApp() {
	a.isQuitting = true
	a.ctrl.Shutdown()
	runtime.Quit(a.ctx)
}

// ShowApp restores the window from the tray.
func (a *App) ShowApp() {
	runtime.WindowShow(a.ctx)
	runtime.WindowSetAlwaysOnTop(a.ctx, true)
	runtime.WindowSetAlwaysOnTop(a.ctx, false)
}

// Connect opens the Remote File Service session using the saved config.
func (a *App) Connect() string {
	if err := a.ctrl.Connect(); err != nil {
		return "ERROR: " + err.Error()
	}
	return "OK"
}

// Disconnect closes the Remote File Service session.
func (a *App) Disconnect() {
	a.ctrl.Disconnect()
}

// ListDirectory lists a remote directory, returning its canonical path.
func (a *App) ListDirectory(path string) ([]domain.RemoteFile, string) {
	canonical, files, err := a.ctrl.ListDir(path)
	if err != nil {
		a.logger.Error("list directory failed", "path", path, "error", err)
		return nil, ""
	}
	return files, canonical
}

// EnqueueFile queues a single remote file for download.
func (a *App) EnqueueFile(remotePath, localDir string) string {
	if err := a.ctrl.EnqueueFile(remotePath, localDir); err != nil {
		return "ERROR: " + err.Error()
	}
	return "OK"
}

// EnqueueFolder recursively queues every file under a remote directory.
func (a *App) EnqueueFolder(remotePath, localDir string) int {
	n, err := a.ctrl.EnqueueFolder(remotePath, localDir)
	if err != nil {
		a.logger.Error("enqueue folder failed", "path", remotePath, "error", err)
		return 0
	}
	return n
}

// GetQueue returns the current queue snapshot for the frontend to render.
func (a *App) GetQueue() []domain.QueueItem {
	return a.ctrl.Engine().Snapshot()
}

// GetConfig returns the current configuration.
func (a *App) GetConfig() domain.Config {
	return a.ctrl.Config()
}

// OpenFolder opens the OS file explorer at item's local location.
func (a *App) OpenFolder(remoteFile string) {
	item, ok := a.ctrl.Engine().Item(remoteFile)
	if !ok {
		return
	}
	if err := core.OpenFolder(item.LocalPath()); err != nil {
		a.logger.Error("failed to open folder", "path", item.LocalPath(), "error", err)
	}
}

// OpenFile opens item's downloaded file with the OS default application.
func (a *App) OpenFile(remoteFile string) {
	item, ok := a.ctrl.Engine().Item(remoteFile)
	if !ok {
		return
	}
	if err := core.OpenFile(item.LocalPath()); err != nil {
		a.logger.Error("failed to open file", "path", item.LocalPath(), "error", err)
	}
}

// GetAverageSpeed implements get_average_speed(days) for the frontend's
// analytics panel.
func (a *App) GetAverageSpeed(days int) float64 {
	speed, err := a.ctrl.AverageSpeed(days)
	if err != nil {
		a.logger.Error("average speed query failed", "error", err)
		return 0
	}
	return speed
}
