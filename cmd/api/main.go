package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"civicreport-service/internal/app"
	"civicreport-service/internal/config"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[MAIN] No .env file found, relying on system env vars")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	srv := app.NewServer(config.Load(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
			shutdown(srv, logger)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdown(srv, logger)
	logger.Info("server stopped gracefully")
}

func shutdown(srv *app.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
