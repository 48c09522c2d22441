// Package app wires configuration, stores, the capability plane, and the
// two protocol surfaces into one running process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/xenophobed/isa-mcp/internal/config"
	"github.com/xenophobed/isa-mcp/internal/fault"
	"github.com/xenophobed/isa-mcp/internal/httpserver"
	"github.com/xenophobed/isa-mcp/internal/platform"
	"github.com/xenophobed/isa-mcp/internal/telemetry"
	"github.com/xenophobed/isa-mcp/internal/version"
	"github.com/xenophobed/isa-mcp/pkg/blob"
	"github.com/xenophobed/isa-mcp/pkg/catalog"
	"github.com/xenophobed/isa-mcp/pkg/directory"
	"github.com/xenophobed/isa-mcp/pkg/discovery"
	"github.com/xenophobed/isa-mcp/pkg/dispatch"
	"github.com/xenophobed/isa-mcp/pkg/embedding"
	"github.com/xenophobed/isa-mcp/pkg/handler"
	"github.com/xenophobed/isa-mcp/pkg/mcp"
	"github.com/xenophobed/isa-mcp/pkg/selector"
	"github.com/xenophobed/isa-mcp/pkg/vector"
)

// Run is the main application entry point. It connects infrastructure,
// rebuilds the catalog via discovery, then serves until ctx is cancelled.
// stdio switches the MCP surface from a TCP listener to a single session on
// stdin/stdout.
func Run(ctx context.Context, cfg *config.Config, stdio bool) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting isa-mcp",
		"version", version.Version,
		"admin", cfg.ListenAddr(),
		"mcp", cfg.MCPListenAddr(),
		"stdio", stdio,
		"lazy_ai", cfg.LazyLoadAISelectors,
		"lazy_external", cfg.LazyLoadExternalServices,
	)

	// Tracing
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, cfg.ServiceName, version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	// Telemetry pipeline
	emitter, closeSinks, err := buildEmitter(cfg, logger)
	if err != nil {
		return err
	}
	emitter.Start(ctx)
	defer func() {
		emitter.Close()
		closeSinks()
	}()

	// Redis backs the service directory and the selector's query cache.
	// Optional: without it the process serves standalone.
	var rdb *redis.Client
	if cfg.DirectoryURL != "" {
		rdb, err = platform.NewRedisClient(ctx, cfg.DirectoryURL)
		if err != nil {
			return fault.Wrap(fault.Unavailable, "connecting to service directory", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
	} else {
		logger.Info("service directory disabled (DIRECTORY_URL not set)")
	}

	// Vector store
	vecStore, err := buildVectorStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Blob store
	blobStore, err := blob.Open(ctx, cfg.BlobStoreURL)
	if err != nil {
		return fault.Wrap(fault.Unavailable, "opening blob store", err)
	}

	// Embedding & generation client
	var embedder embedding.Client
	if cfg.LazyLoadAISelectors {
		embedder = &embedding.Disabled{Dims: cfg.EmbeddingDimensions}
		logger.Info("embedding client disabled (LAZY_LOAD_AI_SELECTORS)")
	} else {
		embedder = embedding.NewHTTPClient(
			cfg.EmbeddingServiceURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel,
			cfg.EmbeddingDimensions, cfg.EmbeddingTimeout, emitter, logger,
		)
	}

	// Capability plane
	registry := catalog.NewRegistry(logger)

	handlers := handler.NewRegistry()
	builtins := &handler.Builtins{
		Catalog:   registry,
		Generator: embedder,
		Blobs:     blobStore,
		Logger:    logger,
	}
	if err := builtins.RegisterAll(handlers); err != nil {
		return fmt.Errorf("registering builtin handlers: %w", err)
	}
	handlers.Seal()

	dispatcher := dispatch.New(registry, handlers, emitter, logger, dispatch.Options{
		GlobalConcurrency: cfg.GlobalConcurrency,
		PerCapConcurrency: cfg.PerCapConcurrency,
		QueueSize:         cfg.DispatchQueueSize,
		DefaultTimeout:    cfg.ToolTimeout,
		CancelGrace:       cfg.CancelGrace,
	})

	sel := selector.New(registry, embedder, vecStore, emitter, logger, selector.Options{
		Redis:      rdb,
		Timeout:    cfg.SelectorTimeout,
		MinResults: cfg.SelectorMinResults,
	})

	// Discovery: boot pass runs before any listener opens.
	dc, err := config.LoadDiscovery(cfg.DiscoveryConfigPath)
	if err != nil {
		return fmt.Errorf("loading discovery config: %w", err)
	}
	sources, err := discovery.BuildSources(dc, cfg.ManifestTimeout)
	if err != nil {
		return fmt.Errorf("building discovery sources: %w", err)
	}
	var state *discovery.StateFile
	if cfg.PipelineStatePath != "" {
		state = discovery.LoadStateFile(cfg.PipelineStatePath)
	}
	runner := discovery.NewRunner(registry, sources, state, emitter, logger)
	if _, err := runner.Run(ctx, "boot"); err != nil {
		return fmt.Errorf("boot discovery: %w", err)
	}

	// Indexing pipeline: queue sized to the catalog, per the bounded-work
	// contract.
	queueCap := 10 * registry.Len("")
	if queueCap < 256 {
		queueCap = 256
	}
	indexer := discovery.NewIndexer(embedder, vecStore, registry, emitter, logger, queueCap, 4)
	indexer.Start(ctx)

	// Change-feed mirror into telemetry.
	go mirrorRegistryChanges(ctx, registry, emitter)

	// Admin HTTP surface
	checks := []httpserver.ComponentCheck{
		{Name: "vector_store", Check: vecStore.Healthy},
		{Name: "blob_store", Check: blobStore.Healthy},
		{Name: "embedding", Check: embedder.Healthy},
	}
	if rdb != nil {
		checks = append(checks, httpserver.ComponentCheck{
			Name:  "directory",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	metricsReg := telemetry.NewRegistry(telemetry.All()...)
	metricsReg.MustRegister(httpserver.HTTPMetrics()...)

	srv := httpserver.NewServer(httpserver.Config{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MetricsPath:        cfg.MetricsPath,
	}, logger, metricsReg, checks)

	admin := httpserver.NewAdminHandler(registry, dispatcher, sel, runner, logger)
	srv.Router.Mount("/admin", admin.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	mcpDeps := mcp.Deps{
		Registry:   registry,
		Dispatcher: dispatcher,
		Selector:   sel,
		Logger:     logger,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("admin server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		srv.SetDraining()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if stdio {
		g.Go(func() error { return mcp.ServeStdio(gctx, mcpDeps) })
	} else {
		mcpSrv := mcp.NewServer(cfg.MCPListenAddr(), mcpDeps)
		g.Go(func() error { return mcpSrv.ListenAndServe(gctx) })
	}

	// Service directory agent: registered only after the boot discovery
	// pass and listener startup above — the instance is ready.
	if rdb != nil {
		reg := directory.Registration{
			ServiceName: cfg.ServiceName,
			InstanceID:  directory.InstanceID(cfg.ServiceName, cfg.Host, cfg.Port),
			Host:        cfg.Host,
			Port:        cfg.Port,
			Tags:        cfg.ServiceTags,
		}
		reg.HealthCheckSpec.Endpoint = fmt.Sprintf("http://%s/health", cfg.ListenAddr())

		agent := directory.NewAgent(rdb, reg, localHealthCheck(checks), emitter, logger, directory.Options{
			Interval:            cfg.HeartbeatInterval,
			CheckTimeout:        cfg.HealthTimeout,
			DeregisterAfter:     cfg.DeregisterAfter,
			FailuresToUnhealthy: 3,
		})
		g.Go(func() error { return agent.Run(gctx) })
	}

	// Stale index sweeper.
	g.Go(func() error {
		indexer.RunSweeper(gctx, cfg.IndexSweepInterval)
		return nil
	})

	err = g.Wait()
	indexer.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// buildEmitter assembles the telemetry pipeline from config.
func buildEmitter(cfg *config.Config, logger *slog.Logger) (*telemetry.Emitter, func(), error) {
	sinks := []telemetry.Sink{&telemetry.SlogSink{Logger: logger}}
	closers := make([]func(), 0, 2)

	if cfg.TelemetryFilePath != "" {
		fs, err := telemetry.NewFileSink(cfg.TelemetryFilePath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening telemetry file sink: %w", err)
		}
		sinks = append(sinks, fs)
		closers = append(closers, func() { _ = fs.Close() })
	}
	if cfg.TelemetryCollectorURL != "" {
		sinks = append(sinks, telemetry.NewCollectorSink(cfg.TelemetryCollectorURL))
	}

	slackSink := telemetry.NewSlackSink(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if slackSink.IsEnabled() {
		sinks = append(sinks, slackSink)
		logger.Info("slack alert sink enabled", "channel", cfg.SlackAlertChannel)
	}

	return telemetry.NewEmitter(logger, sinks...), func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

// buildVectorStore connects pgvector with a bounded retry budget, or the
// in-memory store in fast-boot mode.
func buildVectorStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (vector.Store, error) {
	if cfg.LazyLoadExternalServices {
		logger.Info("using in-memory vector store (LAZY_LOAD_EXTERNAL_SERVICES)")
		return vector.NewMemoryStore(), nil
	}

	connect := func() (vector.Store, error) {
		pool, err := platform.NewPostgresPool(ctx, cfg.VectorStoreURL)
		if err != nil {
			return nil, err
		}
		store, err := vector.NewPostgresStore(ctx, pool, cfg.EmbeddingDimensions, cfg.VectorTimeout)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second

	store, err := backoff.Retry(ctx, connect, backoff.WithBackOff(bo), backoff.WithMaxTries(5))
	if err != nil {
		return nil, fault.Wrap(fault.Unavailable, "connecting to vector store", err)
	}
	return store, nil
}

// mirrorRegistryChanges republishes catalog mutations as telemetry events
// and keeps the per-kind gauges current.
func mirrorRegistryChanges(ctx context.Context, registry *catalog.Registry, emitter *telemetry.Emitter) {
	sub := registry.Subscribe(0)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			telemetry.RegistryCapabilities.WithLabelValues(string(ev.Capability.Kind)).
				Set(float64(registry.Len(ev.Capability.Kind)))
			emitter.Emit(ctx, telemetry.Event{
				Name: telemetry.EventRegistryChanged,
				Fields: map[string]any{
					"seq":  ev.Seq,
					"type": string(ev.Type),
					"kind": string(ev.Capability.Kind),
					"name": ev.Capability.Name,
					"hash": ev.Capability.DefinitionHash,
				},
			})
		}
	}
}

// localHealthCheck aggregates the component checks into the directory
// agent's probe. Degraded dependencies with serving fallbacks do not fail
// the probe; only a wedged process should.
func localHealthCheck(checks []httpserver.ComponentCheck) directory.HealthCheck {
	return func(ctx context.Context) error {
		for _, c := range checks {
			if c.Name != "vector_store" {
				continue // embedding/blob/directory all have fallbacks
			}
			if err := c.Check(ctx); err != nil {
				return fmt.Errorf("%s: %w", c.Name, err)
			}
		}
		return nil
	}
}
