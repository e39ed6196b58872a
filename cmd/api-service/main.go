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

	"github.com/cuongbtq/research-scheduler/internal/api/handler"
	"github.com/cuongbtq/research-scheduler/internal/api/router"
	"github.com/cuongbtq/research-scheduler/internal/bootstrap"
	"github.com/cuongbtq/research-scheduler/internal/config"
	"github.com/cuongbtq/research-scheduler/internal/scheduler"
	"github.com/cuongbtq/research-scheduler/shared/rabbitmq"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobStorage, err := bootstrap.OpenStore(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer jobStorage.Close()

	// RabbitMQ is optional here; without it lifecycle events are dropped
	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return err
		}
		defer rabbitClient.Close()

		appLogger.Info("RabbitMQ connection established")
	}

	events := bootstrap.EventPublisher(rabbitClient, &cfg.RabbitMQ, appLogger.Logger)
	runner := bootstrap.NewRunner(cfg, jobStorage.Store, events, appLogger.Logger)

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	healthChecks := map[string]handler.HealthCheck{
		"storage": jobStorage.HealthCheck,
	}
	if rabbitClient != nil {
		healthChecks["rabbitmq"] = func(context.Context) error {
			if !rabbitClient.IsConnected() {
				return errors.New("rabbitmq is not connected")
			}
			return nil
		}
	}

	r := initRouter(cfg, appLogger.Logger, runner, healthChecks)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		appLogger.Info("Starting HTTP server",
			slog.String("address", addr),
			slog.Duration("read_timeout", cfg.Server.ReadTimeout),
			slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-serverErr:
		appLogger.Error("Server failed to start", slog.Any("error", err))
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		runErr = errors.Join(runErr, err)
	}

	if err := runner.Stop(shutdownCtx); err != nil {
		appLogger.Error("Scheduler did not stop cleanly", slog.Any("error", err))
		runErr = errors.Join(runErr, err)
	}

	appLogger.Info("Server shutdown complete")
	return runErr
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, runner *scheduler.Runner, healthChecks map[string]handler.HealthCheck) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:       logger,
		Scheduler:    runner,
		ServiceName:  cfg.App.Name,
		HealthChecks: healthChecks,
	})
}
