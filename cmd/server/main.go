package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koios/shotframe/internal/app"
	"github.com/koios/shotframe/internal/config"
	"github.com/koios/shotframe/internal/handlers"
	shotredis "github.com/koios/shotframe/internal/redis"
	"go.uber.org/zap"
)

const (
	pruneInterval = 10 * time.Minute
	exportMaxAge  = 6 * time.Hour
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}

	// Optional Redis stream intake
	var consumer *shotredis.Consumer
	var handlerOpts []handlers.HandlerOption
	if a.Redis != nil {
		client, err := shotredis.NewClient(ctx, a.Redis, cfg.Redis, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Redis client", zap.Error(err))
		}
		consumer = shotredis.NewConsumer(client, handlers.NewEventHandler(a.Service, logger), logger)
		handlerOpts = append(handlerOpts, handlers.WithStatusLookup(client))
		go func() {
			if err := consumer.Start(); err != nil {
				logger.Error("Redis consumer failed", zap.Error(err))
			}
		}()
	}

	mux := http.NewServeMux()
	handlers.NewHandler(a.Service, logger, handlerOpts...).RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Start HTTP server
	go func() {
		logger.Info("Starting HTTP server", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	go pruneExports(ctx, a, logger)

	logger.Info("Server started",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("redis_enabled", cfg.Redis.Enabled))

	// Wait for interrupt signal or a failed listener
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	// Give outstanding requests a deadline for completion
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if consumer != nil {
		consumer.Stop()
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	// Stops running exports before the Redis connection goes away.
	if err := a.Close(shutdownCtx); err != nil {
		logger.Warn("Shutdown timeout exceeded", zap.Error(err))
	}

	cancel()
	logger.Info("Server shutdown complete")
}

// pruneExports drops finished exports that nobody fetched for a while.
func pruneExports(ctx context.Context, a *app.App, logger *zap.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.Service.Registry().Prune(exportMaxAge); n > 0 {
				logger.Info("Pruned finished exports", zap.Int("count", n))
			}
		}
	}
}
