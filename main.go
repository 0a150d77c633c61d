package main

import (
	"context"
	"embed"
	"io"
	"os"
	"path/filepath"

	"github.com/getlantern/systray"
	"github.com/glebarez/sqlite"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/menu"
	"github.com/wailsapp/wails/v2/pkg/menu/keys"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"gorm.io/gorm"

	"tachyon-sftp/internal/analytics"
	"tachyon-sftp/internal/api"
	"tachyon-sftp/internal/controller"
	"tachyon-sftp/internal/core"
	"tachyon-sftp/internal/logger"
	"tachyon-sftp/internal/security"
)

//go:embed all:frontend/dist
var assets embed.FS

//go:embed build/appicon.png
var appIcon []byte

func main() {
	headless := false
	startHidden := false
	for _, arg := range os.Args {
		switch arg {
		case "--headless":
			headless = true
		case "--minimized":
			startHidden = true
		}
	}

	var logOutput io.Writer = os.Stdout
	if headless {
		logOutput = os.Stderr
	}

	log, wailsHandler, err := logger.New(logOutput)
	if err != nil {
		println("error initializing logger:", err.Error())
		return
	}

	appData, err := os.UserConfigDir()
	if err != nil {
		log.Error("failed to resolve config dir", "error", err)
		return
	}
	workDir := filepath.Join(appData, "Tachyon")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		log.Error("failed to create work dir", "error", err)
		return
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(workDir, "analytics.db")), &gorm.Config{})
	if err != nil {
		log.Error("failed to open analytics database", "error", err)
		return
	}
	stats, err := analytics.New(db)
	if err != nil {
		log.Error("failed to migrate analytics database", "error", err)
		return
	}

	audit := security.NewAuditLogger(log)
	defer audit.Close()

	ctrl := controller.New(log, "")
	ctrl.SetStats(stats)

	controlServer := api.New(ctrl, audit, log, 5, 10)
	controlServer.Start(4490)

	if headless {
		ctx, cancel := context.WithCancel(context.Background())
		if err := ctrl.Start(ctx); err != nil {
			log.Error("controller failed to start", "error", err)
			cancel()
			return
		}
		core.WaitForSignals(func() {
			log.Info("signal received, shutting down")
			ctrl.Shutdown()
			cancel()
			os.Exit(0)
		})
		select {}
	}

	app := NewApp(log, wailsHandler, ctrl)

	core.WaitForSignals(func() {
		log.Info("OS signal received, initiating shutdown")
		app.QuitApp()
	})

	go func() {
		systray.Run(func() {
			systray.SetIcon(appIcon)
			systray.SetTitle("Tachyon")
			systray.SetTooltip("Tachyon SFTP Download Manager")

			mOpen := systray.AddMenuItem("Open Tachyon", "Restore the window")
			systray.AddSeparator()
			mQuit := systray.AddMenuItem("Quit", "Quit the application")

			go func() {
				for {
					select {
					case <-mOpen.ClickedCh:
						app.ShowApp()
					case <-mQuit.ClickedCh:
						app.QuitApp()
					}
				}
			}()
		}, func() {})
	}()

	appMenu := menu.NewMenu()
	fileMenu := appMenu.AddSubmenu("File")
	fileMenu.AddText("Open Tachyon", keys.CmdOrCtrl("o"), func(_ *menu.CallbackData) {
		app.ShowApp()
	})
	fileMenu.AddSeparator()
	fileMenu.AddText("Quit", keys.CmdOrCtrl("q"), func(_ *menu.CallbackData) {
		app.QuitApp()
	})

	err = wails.Run(&options.App{
		Title:  "Tachyon",
		Width:  1024,
		Height: 768,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},
		BackgroundColour: &options.RGBA{R: 27, G: 38, B: 54, A: 1},
		OnStartup:        app.startup,
		OnBeforeClose:    app.beforeClose,
		StartHidden:      startHidden,
		Menu:             appMenu,
		Bind: []interface{}{
			app,
		},
	})
	if err != nil {
		println("error:", err.Error())
	}
}
