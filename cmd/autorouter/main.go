package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/g1331/autorouter/internal/api"
	"github.com/g1331/autorouter/internal/config"
	"github.com/g1331/autorouter/internal/database"
	"github.com/g1331/autorouter/internal/metrics"
	"github.com/g1331/autorouter/internal/repository"
	"github.com/g1331/autorouter/internal/service"
	"github.com/g1331/autorouter/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			fmt.Println(version.Info())
			os.Exit(0)
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		}
	}
	if err := run(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func printUsage() {
	fmt.Printf("autorouter - %s\n\n", version.Short())
	fmt.Println("Usage: autorouter [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --version, -v  Show version information")
	fmt.Println("  --help, -h     Show this help message")
	fmt.Println()
	fmt.Println("Without options, starts the proxy gateway.")
	fmt.Println("Configuration is read from AUTOROUTER_* environment variables.")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Server.LogLevel, cfg.LogRotation)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting autorouter",
		zap.String("version", version.Short()),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// Repositories.
	upstreamRepo := repository.NewUpstreamRepository(db)
	keyRepo := repository.NewAPIKeyRepository(db)
	breakerRepo := repository.NewCircuitBreakerRepository(db)
	healthRepo := repository.NewHealthRepository(db)
	logRepo := repository.NewRequestLogRepository(db)

	// Services.
	m := metrics.New()
	store, err := service.NewUpstreamStore(upstreamRepo, cfg.Routing.UpstreamCacheTTL)
	if err != nil {
		return fmt.Errorf("init upstream store: %w", err)
	}
	breaker := service.NewCircuitBreaker(breakerRepo, cfg.Breaker, logger)
	health := service.NewHealthTracker(healthRepo, breaker, store,
		time.Duration(cfg.Health.ProbeTimeoutSeconds)*time.Second, logger)
	balancer := service.NewLoadBalancer()
	authService := service.NewAuthService(keyRepo, logger)
	modelRouter := service.NewModelRouter(store, breaker, logger)
	forwarder := service.NewForwarder(cfg.Security.EncryptionKey, logger)
	executor := service.NewFailoverExecutor(balancer, breaker, health, forwarder, m, cfg.Failover, logger)

	if cfg.Health.ProbeEnabled {
		health.Start(cfg.Breaker.ProbeInterval())
		defer health.Stop()
	}

	// Request log retention sweep.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepRequestLogs(sweepCtx, logRepo, cfg.Retention, logger)

	server := api.NewServer(api.ServerDeps{
		Config:       cfg,
		AuthService:  authService,
		ModelRouter:  modelRouter,
		Executor:     executor,
		Breaker:      breaker,
		Health:       health,
		UpstreamRepo: upstreamRepo,
		KeyRepo:      keyRepo,
		BreakerRepo:  breakerRepo,
		LogRepo:      logRepo,
		Store:        store,
		Metrics:      m,
		Logger:       logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses must not be bounded by a write timeout
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("addr", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

// sweepRequestLogs periodically deletes request log rows past retention.
func sweepRequestLogs(ctx context.Context, logRepo repository.RequestLogRepository, cfg config.RetentionConfig, logger *zap.Logger) {
	if cfg.RequestLogDays <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -cfg.RequestLogDays)
			deleted, err := logRepo.DeleteOlderThan(ctx, cutoff)
			if err != nil {
				logger.Warn("request log sweep failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				logger.Info("request log sweep", zap.Int64("deleted", deleted))
			}
		}
	}
}

// newLogger builds a zap logger writing to stdout and a rotated file.
func newLogger(level string, rotation config.LogRotationConfig) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	fileWriter := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join("logs", "autorouter.log"),
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	})

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), lvl),
		zapcore.NewCore(encoder, fileWriter, lvl),
	)
	return zap.New(core), nil
}
