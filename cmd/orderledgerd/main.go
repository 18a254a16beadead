// Command orderledgerd runs the order ledger operations daemon: it opens the
// configured store, publishes metrics, and audits the inventory ledger on a
// schedule.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"orderledger/internal/blob"
	"orderledger/internal/config"
	"orderledger/internal/core"
	"orderledger/internal/events"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orderledgerd:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := core.OpenStore(ctx, cfg.Storage, nil)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := core.CloseStore(store); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	archive, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	publisher, err := events.Open(cfg.Events)
	if err != nil {
		return fmt.Errorf("open publisher: %w", err)
	}
	defer func() { _ = publisher.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := core.NewMetrics(reg)

	coord := core.NewCoordinator(store,
		core.WithLogger(logger),
		core.WithPublisher(publisher),
		core.WithMetrics(metrics),
		core.WithEngineConfig(cfg.Engine))
	auditor := core.NewAuditor(store, archive, logger, metrics)

	logger.Info("orderledgerd starting",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("blob", cfg.Blob.Driver),
		zap.String("events", cfg.Events.Driver),
		zap.Duration("audit_interval", cfg.Ops.AuditInterval))

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.Ops.Addr,
		Handler:           newRouter(coord, auditor, reg, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(gctx, srv, logger) })
	if cfg.Ops.AuditInterval > 0 {
		sched := auditSchedule{interval: cfg.Ops.AuditInterval, export: true, retention: cfg.Ops.ExportRetention}
		g.Go(func() error { return auditLoop(gctx, auditor, sched, logger) })
	}
	err = g.Wait()
	logger.Info("orderledgerd stopped")
	return err
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
