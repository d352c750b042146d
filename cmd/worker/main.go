package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wishlist-parser/internal/config"
	"wishlist-parser/internal/currency"
	"wishlist-parser/internal/gateway"
	"wishlist-parser/internal/logger"
	"wishlist-parser/internal/models"
	"wishlist-parser/internal/monitor"
	"wishlist-parser/internal/notify"
	"wishlist-parser/internal/queue"
	"wishlist-parser/internal/store"
	"wishlist-parser/internal/telemetry"
	workerproc "wishlist-parser/internal/worker"
)

func main() {
	cfg := config.Load()

	zl, err := logger.New(cfg.LogLevel, cfg.Env == "dev")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		zl.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		zl.Fatal("migrations", zap.Error(err))
	}

	rdb := queue.NewRedisClient(cfg)
	defer func() { _ = rdb.Close() }()
	q := queue.NewRedisQueue(rdb, queue.OptionsFromConfig(cfg))

	fetcher := newFetchClient(cfg, zl)
	extractor := newExtractor(cfg, fetcher, zl)

	var enrichers []workerproc.Enricher
	if cfg.ImageMirrorEnabled {
		mirror, err := workerproc.NewImageMirror(ctx, cfg)
		if err != nil {
			zl.Fatal("init image mirror", zap.Error(err))
		}
		enrichers = append(enrichers, mirror)
	}

	processor := workerproc.NewProcessor(workerproc.OptionsFromConfig(cfg), q, extractor, zl, enrichers...)
	processor.OnCompleted(func(job models.ParseJob, res models.JobResult) {
		zl.Info("parser.completed",
			zap.String("job_id", job.ID),
			zap.String("user_id", job.UserID),
			zap.Bool("has_price", res.Data.HasPrice()),
			zap.Int64("duration_ms", res.DurationMs))
	})
	processor.OnFailed(func(job models.ParseJob, res models.JobResult) {
		zl.Info("parser.failed",
			zap.String("job_id", job.ID),
			zap.String("kind", string(res.ErrorKind)),
			zap.String("error", res.Error))
	})

	converter := currency.NewConverter(cfg.BaseCurrency, cfg.NativeCurrencies, nil)
	waiter := gateway.NewWaiter(q, converter, gateway.OptionsFromConfig(cfg), zl)
	notifications := notify.NewDispatcher(st, notify.NewStoreNotifier(st, zl), cfg.NotifyBuffer, zl)
	priceMonitor := monitor.NewPriceMonitor(st, waiter, notifications, monitor.OptionsFromConfig(cfg), zl)
	scheduler := monitor.NewScheduler(priceMonitor, cfg.PriceCheckCron, zl)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return notifications.Run(gctx) })
	g.Go(func() error {
		if err := scheduler.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		err := processor.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	zl.Info("worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.String("price_check_cron", cfg.PriceCheckCron))
	if err := g.Wait(); err != nil {
		zl.Error("worker stopped", zap.Error(err))
		_ = zl.Sync()
		os.Exit(1)
	}
}
