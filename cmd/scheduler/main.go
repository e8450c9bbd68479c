package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/app"
	"github.com/leozw/certiroute/internal/config"
	"github.com/leozw/certiroute/internal/logger"
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

	if a.Queue == nil {
		zlog.Fatal("The scheduler needs REDIS_URL for its job queue")
	}

	sched := scheduler.NewScheduler(a.Registrar, a.Queue, a.Metrics, zlog, cfg.Scheduler)
	go sched.Start(ctx)
	go a.RemoteWriter().Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("Shutting down scheduler...")
	cancel()
}
