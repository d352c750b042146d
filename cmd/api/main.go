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

	"wishlist-parser/internal/api"
	"wishlist-parser/internal/config"
	"wishlist-parser/internal/currency"
	"wishlist-parser/internal/gateway"
	"wishlist-parser/internal/logger"
	"wishlist-parser/internal/queue"
	"wishlist-parser/internal/ratelimit"
	"wishlist-parser/internal/store"
	"wishlist-parser/internal/wishlist"
)

func main() {
	cfg := config.Load()

	zl, err := logger.New(cfg.LogLevel, cfg.Env == "dev")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
	converter := currency.NewConverter(cfg.BaseCurrency, cfg.NativeCurrencies, nil)
	waiter := gateway.NewWaiter(q, converter, gateway.OptionsFromConfig(cfg), zl)
	items := wishlist.NewService(st, waiter, cfg.SyncTimeout, zl)
	limiter := ratelimit.NewFromConfig(rdb, cfg)

	server := api.New(cfg, waiter, items, limiter, zl)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	zl.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
