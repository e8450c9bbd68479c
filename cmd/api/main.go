package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/api"
	"github.com/leozw/certiroute/internal/api/middleware"
	"github.com/leozw/certiroute/internal/app"
	"github.com/leozw/certiroute/internal/config"
	"github.com/leozw/certiroute/internal/logger"
)

func main() {
	tokenFor := flag.String("token", "", "print an operator token for this subject and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the token printed by -token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *tokenFor != "" {
		token, err := middleware.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.Issuer, *tokenFor, *tokenTTL)
		if err != nil {
			log.Fatalf("Failed to sign token: %v", err)
		}
		fmt.Println(token)
		return
	}

	zlog, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	if cfg.Auth.JWTSecret == "" && cfg.Auth.KeycloakURL == "" {
		zlog.Fatal("JWT_SECRET or KEYCLOAK_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to initialize", zap.Error(err))
	}
	defer a.Close()

	go a.RemoteWriter().Start(ctx)

	server := api.NewServer(cfg, a.Deps(), a.Registry, zlog)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	zlog.Info("API server started", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Server forced to shutdown", zap.Error(err))
	}
	cancel()

	zlog.Info("Server exited")
}
