// Package main is the entry point for the regulatory rules console server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/rulesconsole/internal/access"
	"github.com/pitabwire/rulesconsole/internal/audit"
	"github.com/pitabwire/rulesconsole/internal/config"
	"github.com/pitabwire/rulesconsole/internal/console"
	"github.com/pitabwire/rulesconsole/internal/export"
	"github.com/pitabwire/rulesconsole/internal/fieldmeta"
	"github.com/pitabwire/rulesconsole/internal/mutation"
	"github.com/pitabwire/rulesconsole/internal/observability"
	"github.com/pitabwire/rulesconsole/internal/openapi"
	"github.com/pitabwire/rulesconsole/internal/query"
	"github.com/pitabwire/rulesconsole/internal/rulesapi"
	"github.com/pitabwire/rulesconsole/internal/transport"
	"github.com/pitabwire/rulesconsole/internal/validation"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

const serviceName = "rules-console"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, serviceName, version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	backend := rulesapi.New(cfg.Backend,
		rulesapi.WithLogger(logger),
		rulesapi.WithMetrics(metrics),
	)

	contract := openapi.NewChecker(cfg.Backend.SpecFile, logger)
	if contract.Enabled() {
		if err := contract.Check(ctx); err != nil {
			logger.Error("backend contract check failed", zap.Error(err))
			return 1
		}
	}

	accessSource, err := buildAccessSource(cfg.Access, backend, metrics)
	if err != nil {
		logger.Error("access source initialization failed", zap.Error(err))
		return 1
	}

	idempotencyStore, idempotencyCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	auditStore, auditCloser, err := buildAuditStore(ctx, cfg.Audit, logger)
	if err != nil {
		logger.Error("audit store initialization failed", zap.Error(err))
		return 1
	}

	gateOpts := []mutation.GateOption{
		mutation.WithGateLogger(logger),
		mutation.WithGateMetrics(metrics),
		mutation.WithObserver(mutation.MetricsObserver{Metrics: metrics}),
	}
	if idempotencyStore != nil {
		gateOpts = append(gateOpts, mutation.WithIdempotencyStore(idempotencyStore, cfg.Idempotency.TTL))
	}
	if auditStore != nil {
		gateOpts = append(gateOpts, mutation.WithObserver(audit.NewRecorder(auditStore, logger)))
	}

	consoles := console.NewManager(console.Deps{
		Access:   accessSource,
		Metadata: fieldmeta.NewProvider(backend, cfg.Metadata.StaleAfter, logger, metrics),
		Rules:    backend,
		Gate:     mutation.NewGate(backend, gateOpts...),
		Engine:   validation.Default(logger),
		Exporter: export.NewExporter(backend, logger, metrics),
		Query: query.Options{
			PageSizes:        cfg.Query.PageSizeOptions,
			DefaultPageSize:  cfg.Query.DefaultPageSize,
			DefaultSortField: cfg.Query.DefaultSortField,
		},
		Logger:  logger,
		Metrics: metrics,
	}, cfg.Console.IdleTTL)

	readiness := observability.ReadinessChecks{
		RulesBackend: backend,
	}
	if contract.Enabled() {
		readiness.BackendContract = contract
	}
	if hc, ok := idempotencyStore.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}
	if hc, ok := auditStore.(observability.HealthChecker); ok {
		readiness.AuditStore = hc
	}

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Consoles:     consoles,
		Audit:        auditStore,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go consoles.Run(bgCtx, cfg.Console.SweepInterval)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("backend", cfg.Backend.BaseURL),
		zap.String("access_source", cfg.Access.Source),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if idempotencyCloser != nil {
		idempotencyCloser()
	}
	if auditCloser != nil {
		auditCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildAccessSource returns the configured access source behind a
// per-subject cache.
func buildAccessSource(cfg config.AccessConfig, backend *rulesapi.Client, metrics *observability.Metrics) (access.Source, error) {
	var source access.Source
	switch cfg.Source {
	case "backend", "":
		source = backend
	case "static":
		static, err := access.NewStaticSource(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("static policy: %w", err)
		}
		source = static
	default:
		return nil, fmt.Errorf("unsupported access source: %q", cfg.Source)
	}
	return access.NewResolver(source, cfg.Cache.TTL, cfg.Cache.MaxEntries, metrics), nil
}

// buildIdempotencyStore creates the submission dedupe store. It returns a nil
// store when dedupe is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (mutation.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return mutation.NewMemoryIdempotencyStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		logger.Info("using redis idempotency store", zap.Int("db", cfg.DB))
		return mutation.NewRedisIdempotencyStore(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Driver)
	}
}

// buildAuditStore creates the mutation audit store. It returns a nil store
// when auditing is disabled.
func buildAuditStore(ctx context.Context, cfg config.AuditConfig, logger *zap.Logger) (audit.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory audit store")
		return audit.NewMemoryStore(0), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("audit store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("audit store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("audit store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("audit store: ping: %w", err)
		}

		store := audit.NewPGStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("audit store: %w", err)
		}
		logger.Info("using postgres audit store")
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported audit store driver: %q", cfg.Driver)
	}
}
