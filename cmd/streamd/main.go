package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/leegmoore/cody-stream/internal/api"
	"github.com/leegmoore/cody-stream/internal/config"
	"github.com/leegmoore/cody-stream/internal/relay"
	"github.com/leegmoore/cody-stream/internal/server"
	"github.com/leegmoore/cody-stream/internal/storage/sqlite"
	"github.com/leegmoore/cody-stream/internal/telemetry"
	"github.com/leegmoore/cody-stream/internal/transport"
	"github.com/leegmoore/cody-stream/internal/transport/memlog"
	"github.com/leegmoore/cody-stream/internal/transport/redislog"
	"github.com/leegmoore/cody-stream/internal/upsert"
	"github.com/leegmoore/cody-stream/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	tracing, err := telemetry.Setup("streamd", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	eventLog, err := openTransport(cfg.Transport)
	if err != nil {
		log.Fatalf("Failed to open transport: %v", err)
	}
	defer eventLog.Close()

	store, err := sqlite.New(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	runs := worker.NewManager(eventLog, store, upsert.Config{
		Gradient:      cfg.Stream.Gradient,
		BatchTimeout:  cfg.Stream.BatchTimeout(),
		RetryAttempts: cfg.Stream.RetryAttempts,
		RetryBase:     cfg.Stream.RetryBase(),
		RetryMax:      cfg.Stream.RetryMax(),
	})

	srv := server.New(cfg.Server.Port, logger)
	handler := api.NewHandler(eventLog, store, runs)
	relayHandler := relay.NewHandler(eventLog, cfg.Stream.KeepAlive())

	srv.Router.Post("/runs/{runID}/events", handler.HandleAppendEvent)
	srv.Router.Get("/runs/{runID}", handler.HandleGetSnapshot)
	srv.Router.Delete("/runs/{runID}", handler.HandleDeleteRun)
	srv.Router.Get("/stream/{runID}", relayHandler.HandleStream)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("streamd started",
		slog.Int("port", cfg.Server.Port),
		slog.String("transport", cfg.Transport.Type),
		slog.String("storage", cfg.Storage.SQLitePath),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-sigCh:
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	if err := runs.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("streamd shutdown complete")
}

func openTransport(cfg config.TransportConfig) (transport.EventLog, error) {
	if cfg.Type == "redis" {
		return redislog.New(cfg.URL)
	}
	return memlog.New(), nil
}
