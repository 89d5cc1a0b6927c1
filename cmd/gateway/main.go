package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/l-papantoniou/api-gateway/internal/auth"
	"github.com/l-papantoniou/api-gateway/internal/gateway"
	"github.com/l-papantoniou/api-gateway/internal/ratelimit"
	"github.com/l-papantoniou/api-gateway/pkg/config"
	"github.com/l-papantoniou/api-gateway/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger := logger.New(cfg.LogLevel)

	// Load verification keys. Without a key the gateway cannot authenticate
	// any request, so this is fatal at process start.
	keys, err := auth.NewJWKSProvider(cfg.JWT.JWKSURI, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load verification keys")
	}

	validator := auth.NewValidator(keys, cfg.JWT.Issuer, logger)

	// Create the bucket store
	store, err := newBucketStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create bucket store")
	}
	defer store.Close()

	engine := ratelimit.NewEngine(store, cfg.RateLimit.MaxRetries,
		time.Duration(cfg.RateLimit.TTLMargin)*time.Second, logger)

	// Create and configure the gateway service
	gatewayService, err := gateway.NewService(cfg, validator, engine, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create gateway service")
	}

	// Start the server in a goroutine
	go func() {
		if err := gatewayService.Start(""); err != nil {
			logger.WithError(err).Error("Server stopped")
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down API Gateway...")

	if err := gatewayService.Stop(); err != nil {
		logger.WithError(err).Error("Failed to shutdown server gracefully")
		os.Exit(1)
	}

	logger.Info("API Gateway stopped")
}

// newBucketStore creates the configured bucket store backend
func newBucketStore(cfg *config.Config, logger *logger.Logger) (ratelimit.BucketStore, error) {
	if cfg.RateLimit.Store == "memory" {
		logger.Warn("Using in-process bucket store; limits are not shared across instances")
		store := ratelimit.NewMemoryStore()
		store.StartCleanup(context.Background(), time.Hour)
		return store, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("Redis is unreachable at startup; bucket checks will follow the configured fail policy")
	}

	logger.WithField("addr", cfg.Redis.Addr()).Info("Redis bucket store configured")

	return ratelimit.NewRedisStore(client, cfg.RateLimit.KeyPrefix, logger)
}
