package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/leds-conectafapes/ghsync/internal/pipeline"
	"github.com/leds-conectafapes/ghsync/pkg/cache"
	"github.com/leds-conectafapes/ghsync/pkg/config"
	"github.com/leds-conectafapes/ghsync/pkg/connector/core"
	"github.com/leds-conectafapes/ghsync/pkg/connector/registry"
	"github.com/leds-conectafapes/ghsync/pkg/errors"
	"github.com/leds-conectafapes/ghsync/pkg/logger"
	"github.com/leds-conectafapes/ghsync/pkg/metrics"
	"github.com/leds-conectafapes/ghsync/pkg/observability"

	// connectors register themselves
	_ "github.com/leds-conectafapes/ghsync/pkg/connector/destinations"
	_ "github.com/leds-conectafapes/ghsync/pkg/connector/sources"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configFile  string
	logLevel    string
	timeout     time.Duration
	metricsAddr string
}

// app holds what a command needs: the loaded config and the opened connectors.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	closer []func(context.Context)

	source      core.Source
	cache       *cache.PostgresCache
	destination core.Destination
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load configuration")
	}
	if flags.logLevel != "" {
		cfg.Observability.LogLevel = flags.logLevel
	}
	if flags.timeout > 0 {
		cfg.Sync.Timeout = flags.timeout
	}
	if flags.metricsAddr != "" {
		cfg.Observability.MetricsAddr = flags.metricsAddr
		cfg.Observability.EnableMetrics = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid configuration")
	}
	return cfg, nil
}

// newApp loads the configuration and starts logging, tracing and the
// metrics endpoint. Connectors are opened by the open* methods.
func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:    cfg.Observability.LogLevel,
		Encoding: cfg.Observability.LogEncoding,
	}); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize logger")
	}

	a := &app{cfg: cfg, log: logger.With(zap.String("component", "ghsync-cli"))}

	if cfg.Observability.EnableTracing {
		shutdown, err := observability.InitTracing(ctx, observability.TracingConfigFrom(cfg.Observability, version))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize tracing")
		}
		a.onClose(func(ctx context.Context) {
			if err := shutdown(ctx); err != nil {
				a.log.Warn("failed to flush traces", zap.Error(err))
			}
		})
	}

	if cfg.Observability.EnableMetrics && cfg.Observability.MetricsAddr != "" {
		a.serveMetrics(cfg.Observability.MetricsAddr)
	}
	return a, nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("metrics server failed", zap.Error(err))
		}
	}()
	a.log.Info("serving metrics", zap.String("addr", addr))
	a.onClose(func(ctx context.Context) { _ = srv.Shutdown(ctx) })
}

func (a *app) onClose(fn func(context.Context)) {
	a.closer = append(a.closer, fn)
}

// Close releases everything in reverse order of opening.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closer) - 1; i >= 0; i-- {
		a.closer[i](ctx)
	}
	_ = logger.Sync()
}

func (a *app) openSource(ctx context.Context) error {
	src, err := registry.CreateSource(config.SourceGitHub, a.cfg)
	if err != nil {
		return err
	}
	if err := src.Initialize(ctx); err != nil {
		return err
	}
	a.source = src
	a.onClose(func(ctx context.Context) {
		if err := src.Close(ctx); err != nil {
			a.log.Warn("failed to close source", zap.Error(err))
		}
	})
	return nil
}

func (a *app) openCache(ctx context.Context) error {
	c, err := cache.Open(ctx, &a.cfg.Cache, logger.Get())
	if err != nil {
		return err
	}
	a.cache = c
	a.onClose(func(context.Context) { c.Close() })
	return nil
}

// destinationType maps the --destination flag to a registered connector.
func destinationType(name string) (string, error) {
	switch name {
	case "", "postgres", config.DestinationPostgres:
		return config.DestinationPostgres, nil
	case "jsonl", config.DestinationJSONL:
		return config.DestinationJSONL, nil
	}
	return "", errors.Newf(errors.ErrorTypeValidation, "unknown destination %q, expected postgres or jsonl", name)
}

func (a *app) openDestination(ctx context.Context, name string) error {
	typ, err := destinationType(name)
	if err != nil {
		return err
	}
	dst, err := registry.CreateDestination(typ, a.cfg)
	if err != nil {
		return err
	}
	if err := dst.Initialize(ctx); err != nil {
		return err
	}
	a.destination = dst
	a.onClose(func(ctx context.Context) {
		if err := dst.Close(ctx); err != nil {
			a.log.Warn("failed to close destination", zap.Error(err))
		}
	})
	return nil
}

func (a *app) runner() *pipeline.Runner {
	var c core.Cache
	if a.cache != nil {
		c = a.cache
	}
	return pipeline.NewRunner(a.source, c, a.destination, pipeline.Options{
		ReplayStreams:    a.cfg.Sync.ReplayStreams(),
		ForceFullRefresh: a.cfg.Sync.ForceFullRefresh,
		WriteMode:        a.cfg.Sync.WriteMode,
		BatchSize:        a.cfg.Cache.Performance.BatchSize,
	})
}
