package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/app"
	"github.com/leozw/certiroute/internal/config"
	"github.com/leozw/certiroute/internal/logger"
	"github.com/leozw/certiroute/internal/queue"
	"github.com/leozw/certiroute/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to initialize", zap.Error(err))
	}
	defer a.Close()

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if a.Queue != nil {
		handlers := map[string]scheduler.Handler{
			queue.JobDomainReconcile: scheduler.ReconcileHandler(a.Registrar, zlog),
		}
		for i := 0; i < cfg.Scheduler.WorkerCount; i++ {
			w := scheduler.NewWorker(i, a.Queue, handlers, a.Metrics, zlog, cfg.Scheduler.JobTimeout)
			run(func() { w.Start(ctx) })
		}
	} else {
		zlog.Warn("No Redis configured; reconcile jobs will not be consumed")
	}

	run(func() {
		scheduler.Every(ctx, "detect", cfg.Probe.Interval, zlog, func(ctx context.Context) error {
			_, err := a.Prober.Detect(ctx)
			return err
		})
	})
	run(func() {
		scheduler.Every(ctx, "recover_stale", cfg.Scheduler.RecoverInterval, zlog, func(ctx context.Context) error {
			n, err := a.Certificates.RecoverStale(ctx, cfg.ACME.StaleAfter)
			if n > 0 {
				zlog.Warn("Recovered interrupted issuances", zap.Int("count", n))
			}
			return err
		})
	})
	run(func() { a.RemoteWriter().Start(ctx) })

	zlog.Info("Worker started", zap.Int("workers", cfg.Scheduler.WorkerCount))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("Shutting down worker...")
	cancel()
	wg.Wait()
	zlog.Info("Worker exited")
}
