package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vzahanych/view-guard-meta/console/internal/analyzer"
	"github.com/vzahanych/view-guard-meta/console/internal/capture"
	"github.com/vzahanych/view-guard-meta/console/internal/config"
	"github.com/vzahanych/view-guard-meta/console/internal/console"
	"github.com/vzahanych/view-guard-meta/console/internal/detection"
	"github.com/vzahanych/view-guard-meta/console/internal/health"
	"github.com/vzahanych/view-guard-meta/console/internal/metrics"
	"github.com/vzahanych/view-guard-meta/console/internal/service"
	"github.com/vzahanych/view-guard-meta/console/internal/state"
	"github.com/vzahanych/view-guard-meta/console/internal/storage"
	"github.com/vzahanych/view-guard-meta/console/internal/web"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the console: capture, analyzer session and operator API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfgSvc, err := config.NewService(configPath, log.Named("config"))
	if err != nil {
		return err
	}
	c := cfgSvc.Get()

	log.Info("Starting DeepShield console",
		"version", build.Version,
		"build_time", build.BuildTime,
		"git_commit", build.GitCommit,
	)

	svcMgr := service.NewManager(log)

	// Run journal and persisted operator settings
	stateMgr, err := state.NewManager(c.Console.Storage.DataDir, log.Named("state"))
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	stateSvc := state.NewService(stateMgr, log.Named("state"))
	recovered, err := stateSvc.Recover(ctx)
	if err != nil {
		stateMgr.Close()
		return fmt.Errorf("failed to recover state: %w", err)
	}
	initialMode, cameraDisabled := restoredSettings(recovered)

	storageSvc, err := storage.NewStorageService(storage.Config{
		UploadsDir:          c.Console.Storage.UploadsDir,
		Retention:           c.Console.Storage.UploadRetention,
		MaxUploadBytes:      c.Console.Storage.MaxUploadBytes,
		MaxDiskUsagePercent: c.Console.Storage.MaxDiskUsagePercent,
		Index:               storage.NewSQLiteIndex(stateMgr.GetDB(), log.Named("storage")),
	}, log.Named("storage"))
	if err != nil {
		stateMgr.Close()
		return fmt.Errorf("failed to create storage service: %w", err)
	}

	ffmpeg, err := capture.NewFFmpeg(c.Console.Capture.FFmpegPath, log.Named("ffmpeg"))
	if err != nil {
		stateMgr.Close()
		return err
	}
	adapter := capture.NewAdapter(capture.NewFFmpegOpener(ffmpeg, c.Console.Capture, log.Named("capture")), log.Named("capture"))
	adapter.SetEventBus(svcMgr.GetEventBus())

	// Never prune the file currently selected for analysis
	storageSvc.SetProtected(func(path string) bool {
		return adapter.File() == path
	})

	m := metrics.New()
	ctrl := console.New(console.Options{
		Analyzer: c.Console.Analyzer,
		Viewport: console.Viewport{
			Width:  c.Console.Display.ViewportWidth,
			Height: c.Console.Display.ViewportHeight,
		},
		InitialMode:    initialMode,
		CameraDisabled: cameraDisabled,
		Capture:        adapter,
		Recorder:       stateMgr,
		Settings:       stateMgr,
		Metrics:        m,
	}, log.Named("console"))

	analyzerClient := analyzer.NewClient(c.Console.Analyzer, 0, log.Named("analyzer"))

	healthMgr := health.NewManager(log.Named("health"), svcMgr)
	healthMgr.RegisterChecker(&health.SystemChecker{})
	healthMgr.RegisterChecker(health.NewAnalyzerChecker(analyzerClient))
	healthMgr.RegisterChecker(health.NewFFmpegChecker(ffmpeg))
	healthMgr.RegisterChecker(health.NewDatabaseChecker(stateMgr, c.DatabasePath()))
	healthMgr.RegisterChecker(health.NewStorageChecker(storageSvc))

	server := web.NewServer(&c.Console.Web, ctrl, log.Named("web"))
	server.SetVersion(build.Version)
	server.SetUploadStore(storageSvc)
	server.SetRunJournal(stateMgr)
	server.SetHealthManager(healthMgr)
	server.SetMetricsHandler(m.Handler())
	server.SetDeviceLister(func() ([]capture.Device, error) {
		return capture.DiscoverDevices(c.Console.Capture.DeviceDir, nil)
	})

	// Registration order is start order; shutdown runs in reverse so the
	// console finishes its run record before the database closes.
	svcMgr.Register(stateSvc)
	svcMgr.Register(storageSvc)
	svcMgr.Register(ctrl)
	svcMgr.Register(server)

	cfgSvc.Watch(func(ctx context.Context, oldConfig, newConfig *config.Config) error {
		if oldConfig.Log.Level != newConfig.Log.Level {
			if !log.SetLevel(newConfig.Log.Level) {
				return fmt.Errorf("invalid log level %q", newConfig.Log.Level)
			}
			log.Info("Log level changed", "level", newConfig.Log.Level)
		}
		if oldConfig.Console.Analyzer != newConfig.Console.Analyzer {
			log.Warn("Analyzer settings changed; restart to apply")
		}
		return nil
	})

	if err := svcMgr.Start(ctx); err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}

	if recovered.InterruptedRuns > 0 {
		log.Warn("Closed runs left open by an unclean shutdown", "count", recovered.InterruptedRuns)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	waitForShutdown(ctx, hup, cfgSvc)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svcMgr.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}

	log.Info("Shutdown complete")
	return nil
}

// waitForShutdown blocks until ctx is cancelled, reloading configuration on
// every SIGHUP
func waitForShutdown(ctx context.Context, hup <-chan os.Signal, cfgSvc *config.Service) {
	for {
		select {
		case <-ctx.Done():
			log.Info("Received shutdown signal")
			return
		case <-hup:
			if err := cfgSvc.Reload(ctx); err != nil {
				log.Error("Failed to reload configuration", "error", err)
			}
		}
	}
}

// restoredSettings maps persisted operator settings onto controller options
func restoredSettings(recovered *state.RecoveredState) (detection.Mode, bool) {
	mode := detection.ModeLiveFeed
	if v := recovered.SystemState[state.KeyMode]; v != "" {
		if m, err := detection.ParseMode(v); err == nil {
			mode = m
		} else {
			log.Warn("Ignoring persisted mode", "mode", v, "error", err)
		}
	}

	cameraDisabled := recovered.SystemState[state.KeyCameraEnabled] == "false"
	return mode, cameraDisabled
}
