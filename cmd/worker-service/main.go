package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/research-scheduler/internal/bootstrap"
	"github.com/cuongbtq/research-scheduler/internal/config"
	"github.com/cuongbtq/research-scheduler/internal/worker"
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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
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

	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return err
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	events := bootstrap.EventPublisher(rabbitClient, &cfg.RabbitMQ, appLogger.Logger)
	runner := bootstrap.NewRunner(cfg, jobStorage.Store, events, appLogger.Logger)

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.With(slog.String("component", "intake")).Logger,
		Submitter:     runner,
		Source:        rabbitClient,
		QueueName:     cfg.RabbitMQ.Queue.Name,
		Concurrency:   cfg.Worker.Concurrency,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		SubmitTimeout: cfg.Worker.SubmitTimeout,
		RequeueDelay:  cfg.Worker.RequeueDelay,
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Start(ctx)
	}()

	appLogger.Info("Worker service started successfully")

	var runErr error
	select {
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
	case <-rabbitClient.NotifyClose():
		runErr = errors.New("rabbitmq connection closed")
		appLogger.Error("RabbitMQ connection lost")
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Worker error", slog.Any("error", err))
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()

	// stop intake first so nothing is admitted while the runner drains
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if err := runner.Stop(shutdownCtx); err != nil {
		appLogger.Error("Scheduler did not stop cleanly", slog.Any("error", err))
		runErr = errors.Join(runErr, err)
	}

	appLogger.Info("Worker service stopped")
	return runErr
}
