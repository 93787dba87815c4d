package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mikeyg42/camwatch/internal/batch"
	"github.com/mikeyg42/camwatch/internal/config"
	"github.com/mikeyg42/camwatch/internal/metrics"
	"github.com/mikeyg42/camwatch/internal/monitor"
	"github.com/mikeyg42/camwatch/internal/motion"
	"github.com/mikeyg42/camwatch/internal/notification"
	"github.com/mikeyg42/camwatch/internal/recorderlog"
	"github.com/mikeyg42/camwatch/internal/storage"
	"github.com/mikeyg42/camwatch/internal/supervisor"
	"github.com/mikeyg42/camwatch/internal/upload"
	"github.com/mikeyg42/camwatch/internal/video"
)

// Application holds the process-wide components
type Application struct {
	config     *config.Config
	logger     recorderlog.Logger
	metrics    *metrics.Metrics
	servers    *ServerManager
	registry   *batch.Registry
	dispatcher *upload.Dispatcher
	catalog    *storage.PostgresCatalog
	notifier   *notification.Notifier
	supervisor *supervisor.Supervisor
}

func main() {
	configPath := flag.String("config", os.Getenv("CAMWATCH_CONFIG"), "path to YAML config file (env only when empty)")
	batchID := flag.String("show-batch", "", "print a batch recorded in the catalog and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := recorderlog.New(recorderlog.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	recorderlog.ReplaceGlobal(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *batchID != "" {
		if err := showBatch(ctx, cfg, logger, *batchID); err != nil {
			logger.Error("Batch lookup failed", recorderlog.Error(err))
			logger.Sync()
			os.Exit(1)
		}
		return
	}

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to create application", recorderlog.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	defer app.Cleanup()

	if err := app.Run(ctx); err != nil {
		logger.Error("Application stopped with error", recorderlog.Error(err))
	}
}

// NewApplication wires storage, upload, batching and the camera workers.
func NewApplication(ctx context.Context, cfg *config.Config, logger recorderlog.Logger) (*Application, error) {
	app := &Application{
		config:  cfg,
		logger:  logger.Named("app"),
		metrics: metrics.New(),
	}

	uploadOpts := []upload.Option{
		upload.WithLogger(logger),
		upload.WithObserver(app.metrics),
		upload.WithTimeout(cfg.Upload.Timeout),
		upload.WithSimulatedDelay(cfg.Upload.SimulatedDelay),
		upload.WithContainer(cfg.Storage.Container),
	}

	minioCfg, pgCfg := config.CreateStorageConfigs(cfg)
	if cfg.RemoteSinkEnabled() {
		store, err := storage.NewMinIOStore(minioCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create object store: %w", err)
		}
		if err := store.HealthCheck(ctx, cfg.Storage.Container); err != nil {
			app.logger.Warn("Object store not reachable yet, uploads will be attempted anyway",
				recorderlog.String("endpoint", minioCfg.Endpoint),
				recorderlog.Error(err))
		}
		app.metrics.RegisterStore(store)
		uploadOpts = append(uploadOpts, upload.WithSink(store, cfg.Storage.Container))
	} else if cfg.Production() {
		app.logger.Warn("No remote sink configured in prod, uploads will be simulated")
	}

	if cfg.CatalogEnabled() {
		catalog, err := storage.NewPostgresCatalog(ctx, pgCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open batch catalog: %w", err)
		}
		app.catalog = catalog
		uploadOpts = append(uploadOpts, upload.WithCatalog(catalog))
	}

	if cfg.NotifyEnabled() {
		mqttCfg := config.CreateMQTTConfig(cfg)
		publisher, err := notification.DialMQTT(mqttCfg)
		if err != nil {
			app.logger.Warn("Batch events disabled, MQTT broker unavailable",
				recorderlog.String("host", mqttCfg.Host),
				recorderlog.Error(err))
		} else {
			app.notifier = notification.NewNotifier(publisher, mqttCfg.Topic, logger)
			uploadOpts = append(uploadOpts, upload.WithObserver(app.notifier))
		}
	}

	app.dispatcher = upload.New(uploadOpts...)
	app.registry = batch.NewRegistry(batch.WithObserver(app.metrics))

	cameras := make([]string, 0, len(cfg.Cameras))
	for _, idx := range cfg.Cameras {
		cameras = append(cameras, strconv.Itoa(idx))
	}
	sup, err := supervisor.New(cameras, app.newCameraWorker, logger)
	if err != nil {
		app.Cleanup()
		return nil, err
	}
	app.supervisor = sup

	if cfg.Metrics.ListenAddr != "" {
		app.servers = NewServerManager(cfg.Metrics.ListenAddr, cfg.Metrics.Path, app.metrics.Handler(), logger)
	}
	return app, nil
}

// newCameraWorker builds the monitor for one camera index.
func (app *Application) newCameraWorker(cameraID string) (supervisor.Worker, error) {
	idx, err := strconv.Atoi(cameraID)
	if err != nil {
		return nil, fmt.Errorf("invalid camera index %q: %w", cameraID, err)
	}
	cfg := app.config

	detectorCfg := motion.DefaultConfig()
	detectorCfg.MinimumArea = cfg.Motion.MinArea
	detector, err := motion.NewDetector(detectorCfg)
	if err != nil {
		return nil, err
	}
	app.metrics.RegisterClassifier(cameraID, func() metrics.ClassifierStats {
		s := detector.GetStats()
		return metrics.ClassifierStats{
			MaxMotionArea:     s.MaxMotionArea,
			AverageMotionArea: s.AverageMotionArea,
			ProcessingTime:    s.ProcessingTime,
		}
	})

	profile := monitor.ProfileDev
	if cfg.Production() {
		profile = monitor.ProfileProd
	}

	source := video.NewCaptureSource(video.CaptureConfig{
		DeviceIndex: idx,
		Width:       cfg.Video.Width,
		Height:      cfg.Video.Height,
		FrameRate:   cfg.Video.FrameRate,
	}, app.logger)

	m, err := monitor.New(monitor.Config{
		CameraID:       cameraID,
		OutputDir:      cfg.Video.OutputDir,
		Warmup:         cfg.Motion.Warmup,
		TrailingWindow: cfg.Motion.TrailingWindow,
		Width:          cfg.Video.Width,
		Height:         cfg.Video.Height,
		FrameRate:      cfg.Video.FrameRate,
		Profile:        profile,
	}, monitor.Deps{
		Source:      source,
		Classifier:  detector,
		NewRecorder: video.Factory(app.logger),
		Registry:    app.registry,
		Dispatcher:  app.dispatcher,
	}, monitor.WithLogger(app.logger), monitor.WithObserver(app.metrics))
	if err != nil {
		detector.Close()
		return nil, err
	}
	return m, nil
}

// Run blocks until ctx is cancelled and every camera worker has finalized.
func (app *Application) Run(ctx context.Context) error {
	if app.servers != nil {
		if err := app.servers.startServers(); err != nil {
			return err
		}
	}

	app.logger.Info("Monitoring started",
		recorderlog.Any("cameras", app.config.Cameras),
		recorderlog.String("environment", app.config.Environment),
		recorderlog.Bool("simulated_uploads", app.dispatcher.Simulated()))

	if err := app.supervisor.Run(ctx); err != nil {
		return err
	}
	app.logger.Info("Shutdown requested, camera workers stopped")

	if d := app.config.Upload.DrainTimeout; d > 0 {
		if !app.dispatcher.Wait(d) {
			app.logger.Warn("Uploads still in flight at exit", recorderlog.Duration("waited", d))
		}
	}
	return nil
}

// Cleanup releases process-wide resources.
func (app *Application) Cleanup() {
	if app.servers != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.servers.Shutdown(shutdownCtx)
	}
	if app.notifier != nil {
		app.notifier.Close()
	}
	if app.catalog != nil {
		if err := app.catalog.Close(); err != nil {
			app.logger.Warn("Failed to close batch catalog", recorderlog.Error(err))
		}
	}
}
