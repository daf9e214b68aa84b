package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/mail-scheduler/internal/api/handler"
	"github.com/cuongbtq/mail-scheduler/internal/api/router"
	"github.com/cuongbtq/mail-scheduler/internal/bootstrap"
	"github.com/cuongbtq/mail-scheduler/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Bool("embedded_worker", cfg.Worker.Embedded),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database, Redis, queue and limiter
	rt, err := bootstrap.Open(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	appLogger.Info("Database connection established")

	// Embedded worker pool
	var bg *bootstrap.Background
	if cfg.Worker.Embedded {
		bg, err = rt.StartBackground(ctx)
		if err != nil {
			return fmt.Errorf("failed to start embedded worker: %w", err)
		}
		appLogger.Info("Embedded worker started")
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, rt)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var workerErr <-chan error
	if bg != nil {
		workerErr = bg.Err()
	}

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		runErr = err
	case err := <-workerErr:
		appLogger.Error("Worker error", slog.Any("error", err))
		runErr = err
	}

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		runErr = errors.Join(runErr, err)
	}

	if bg != nil {
		bg.Stop(cfg.Worker.ShutdownTimeout)
	}

	appLogger.Info("Server shutdown complete")
	return runErr
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, rt *bootstrap.Runtime) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:      logger,
		ServiceName: cfg.App.Name,
		Scheduler:   rt.NewScheduler(),
		Store:       rt.Store,
		Queue:       rt.Queue,
		HealthCheck: rt.HealthCheck,
	}

	// Setup router
	return router.SetupRouter(handlerDeps, &router.CORSConfig{
		AllowOrigins: cfg.Server.CORSOrigins,
	})
}
