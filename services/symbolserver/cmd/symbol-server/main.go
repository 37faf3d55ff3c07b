package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"symbold/pkg/bus"
	"symbold/pkg/db"
	gos3 "symbold/pkg/s3"
	"symbold/pkg/telemetry"
	"symbold/services/symbolserver"
)

const serviceName = "symbol-server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := symbolserver.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	orm, err := db.OpenORM(pool)
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}

	s3Client, err := gos3.NewClientFromEnv()
	if err != nil {
		return fmt.Errorf("init s3 client: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := symbolserver.NewMetrics(reg)

	artifacts, err := symbolserver.NewS3ArtifactStore(s3Client, cfg.Bucket, cfg.TempDir)
	if err != nil {
		return err
	}
	metadata, err := symbolserver.NewPostgresMetadata(pool, orm, cfg.MaxMetadataReads, cfg.MetadataReadTimeout, metrics)
	if err != nil {
		return err
	}
	builds, err := symbolserver.NewGormBuildRegistry(orm)
	if err != nil {
		return err
	}
	authn, err := symbolserver.NewTokenAuthenticator(orm)
	if err != nil {
		return err
	}
	grants, err := symbolserver.NewGrantChecker(orm)
	if err != nil {
		return err
	}
	auth, err := symbolserver.NewAuthHelper(cfg.GuestAccess, authn, grants, logger)
	if err != nil {
		return err
	}

	cache := symbolserver.NewSymbolsCache(cfg.CacheConfig(), metrics, logger)
	resolver, err := symbolserver.NewResolver(cache, metadata, builds, logger)
	if err != nil {
		return err
	}

	if cfg.NATSURL != "" {
		events, err := bus.New(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer events.Close()

		indexer, err := symbolserver.NewMetadataIndexer(artifacts, metadata, builds, cache, metrics, logger)
		if err != nil {
			return err
		}
		subs, err := indexer.Subscribe(ctx, events)
		if err != nil {
			return err
		}
		defer closeAll(subs)
	} else {
		logger.Warn().Msg("NATS_URL not set, build metadata will not be indexed")
	}

	server, err := symbolserver.NewServer(resolver, auth, artifacts, metrics, symbolserver.ServerOptions{
		RateLimit: cfg.RateLimit,
		Ready:     func(ctx context.Context) error { return db.Ping(ctx, pool) },
		Gatherer:  reg,
	}, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware(server.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
	}()

	logger.Info().Str("addr", cfg.Addr).Bool("guest_access", cfg.GuestAccess).Msg("starting symbol server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
