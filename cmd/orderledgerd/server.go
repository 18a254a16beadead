package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"orderledger/internal/core"
	"orderledger/pkg/domain"
)

// newRouter exposes health, metrics, read-only ledger lookups and on-demand
// audits.
func newRouter(coord *core.Coordinator, auditor *core.Auditor, gatherer prometheus.Gatherer, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.GET("/stock/:product_id", func(c *gin.Context) {
		id := c.Param("product_id")
		qty, err := coord.StockLevel(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"product_id": id, "on_hand": qty})
	})
	r.GET("/orders/:id", func(c *gin.Context) {
		details, err := coord.GetOrder(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, details)
	})
	r.GET("/audit", func(c *gin.Context) {
		report, err := auditor.Audit(c.Request.Context())
		if err != nil {
			logger.Error("audit failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		status := http.StatusOK
		if !report.Balanced {
			status = http.StatusConflict
		}
		c.JSON(status, report)
	})
	r.GET("/exports", func(c *gin.Context) {
		infos, err := auditor.Exports(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"exports": infos})
	})
	r.POST("/export", func(c *gin.Context) {
		info, err := auditor.Export(c.Request.Context())
		if err != nil {
			logger.Error("export failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"key": info.Key, "size": info.Size})
	})
	return r
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// auditSchedule controls the background audit loop.
type auditSchedule struct {
	interval  time.Duration
	export    bool
	retention time.Duration
}

// auditLoop audits the ledger every interval until ctx ends, optionally
// exporting the movement log and pruning expired exports.
func auditLoop(ctx context.Context, auditor *core.Auditor, sched auditSchedule, logger *zap.Logger) error {
	ticker := time.NewTicker(sched.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		report, err := auditor.Audit(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Error("scheduled audit failed", zap.Error(err))
			continue
		}
		logger.Info("scheduled audit",
			zap.Int("products", report.Products),
			zap.Bool("balanced", report.Balanced))
		if !sched.export {
			continue
		}
		if _, err := auditor.Export(ctx); err != nil {
			logger.Error("scheduled export failed", zap.Error(err))
			continue
		}
		if sched.retention > 0 {
			if _, err := auditor.PruneExports(ctx, sched.retention); err != nil {
				logger.Warn("prune exports failed", zap.Error(err))
			}
		}
	}
}

// serve runs srv until ctx ends, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
