package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"picgo/core"
	"picgo/db"
	"picgo/device"
	"picgo/imagegen"
	"picgo/logging"
	"picgo/metrics"
	"picgo/orchestrator"
	"picgo/shutdown"
)

// application holds the wired components shared by the gui and generate
// commands.
type application struct {
	cfg      *core.Config
	logger   *logging.Logger
	metrics  *metrics.Collector
	resolver *device.Resolver
	engine   *imagegen.Engine
	database *db.Database
	history  *db.Repository
	orch     *orchestrator.Orchestrator
	shutdown *shutdown.Manager
}

// newApplication wires every component and registers its cleanup. progress
// receives download updates during repairs and registry fetches; it may be nil.
func newApplication(cfg *core.Config, logger *logging.Logger, progress func(core.ProgressInfo)) (*application, error) {
	zl := logger.Zap()
	app := &application{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.NewCollector(),
		shutdown: shutdown.NewManager(zl.Named("shutdown")),
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	app.resolver = device.NewResolver(
		device.NewSystemProber(zl.Named("device")),
		device.WithLowVRAMThreshold(cfg.LowVRAMBytes()),
		device.WithLogger(zl.Named("device")),
	)

	sources, err := imagegen.ComponentSourcesFromConfig(cfg.RepairSources)
	if err != nil {
		return nil, err
	}
	downloaderOpts := []core.DownloaderOption{core.WithBearerToken(cfg.HFToken)}
	if progress != nil {
		downloaderOpts = append(downloaderOpts, core.WithProgress(progress))
	}
	fetcher := imagegen.NewFetcher(cfg.CacheDir,
		imagegen.WithEndpoint(cfg.HFEndpoint),
		imagegen.WithSources(sources),
		imagegen.WithDownloader(core.NewDownloader(&http.Client{Timeout: 30 * time.Minute}, downloaderOpts...)),
		imagegen.WithFetcherLogger(zl.Named("fetcher")),
	)
	loader := imagegen.NewLoader(fetcher,
		imagegen.WithChecksumVerification(true),
		imagegen.WithLoaderLogger(zl.Named("loader")),
		imagegen.WithLoaderMetrics(app.metrics),
	)
	app.engine = imagegen.NewEngine(loader,
		imagegen.WithDefaultNegativePrompt(cfg.NegativePrompt),
		imagegen.WithPreviewSize(cfg.PreviewSize),
		imagegen.WithEngineLogger(zl.Named("engine")),
		imagegen.WithEngineMetrics(app.metrics),
	)
	app.shutdown.Register("pipeline", shutdown.PriorityModel, func(context.Context) error {
		return app.engine.Unload()
	})

	if err := app.openHistory(); err != nil {
		return nil, err
	}

	app.orch = orchestrator.New(app.engine, app.resolver,
		orchestrator.WithQueueSize(cfg.QueueSize),
		orchestrator.WithHistory(app.history),
		orchestrator.WithDiagnostics(orchestrator.NewDiagnostics(cfg.DiagnosticsFile)),
		orchestrator.WithLogger(zl.Named("orchestrator")),
		orchestrator.WithMetrics(app.metrics),
	)
	app.shutdown.Register("orchestrator", shutdown.PriorityWorkers, func(context.Context) error {
		return app.orch.Close()
	})

	if cfg.MetricsAddr != "" {
		if err := app.startMetrics(); err != nil {
			app.close()
			return nil, err
		}
	}

	app.shutdown.Register("logger", shutdown.PriorityLogging, func(context.Context) error {
		_ = logger.Sync()
		return nil
	})
	return app, nil
}

// openHistory opens the SQLite store and its background writer.
func (a *application) openHistory() error {
	database, err := db.Open(a.cfg.HistoryDB)
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	a.database = database

	writer := db.NewAsyncWriter(db.NewRepository(database, nil).WriteHandler(), 64, func(err error) {
		a.logger.Warn("History write failed", zap.Error(err))
	})
	writer.Start()
	a.history = db.NewRepository(database, writer)

	a.shutdown.Register("history", shutdown.PriorityStorage, func(ctx context.Context) error {
		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if !writer.Stop(timeout) {
			a.logger.Warn("History writer did not drain", zap.Int("pending", writer.Pending()))
		}
		return database.Close()
	})
	return nil
}

// startMetrics serves /metrics and /healthz and samples the GPU.
func (a *application) startMetrics() error {
	zl := a.logger.Zap().Named("metrics")

	sampler := metrics.NewGPUSampler(metrics.NvidiaSMI{}, a.metrics, 5*time.Second, zl)
	sampler.Start(a.shutdown.Context())
	a.shutdown.Register("gpu-sampler", shutdown.PriorityWorkers, func(context.Context) error {
		sampler.Stop()
		return nil
	})

	server := metrics.NewServer(a.metrics, a.health, zl)
	addr, err := server.Start(a.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	a.shutdown.Register("metrics-server", shutdown.PriorityServers, server.Shutdown)
	a.logger.Info("Metrics endpoint listening", zap.String("addr", addr))
	return nil
}

func (a *application) health() metrics.Health {
	return metrics.Health{
		Status: "ok",
		State:  a.orch.State().String(),
		Model:  a.engine.Source().String(),
		Device: a.engine.Device().String(),
		Queue:  a.orch.Pending(),
	}
}

// close runs the registered cleanup once.
func (a *application) close() {
	if err := a.shutdown.Shutdown(); err != nil {
		a.logger.Warn("Shutdown finished with errors", zap.Error(err))
	}
}
