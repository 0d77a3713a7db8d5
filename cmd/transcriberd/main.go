// Command transcriberd watches an inbox directory tree for audio files,
// durably queues them, and drives each one through a transcription
// subprocess, self-healing orphaned and stalled work along the way.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	surreal "github.com/surrealdb/surrealdb.go"

	"github.com/transcriberd/transcriberd/internal/banner"
	"github.com/transcriberd/transcriberd/internal/config"
	"github.com/transcriberd/transcriberd/internal/logging"
	"github.com/transcriberd/transcriberd/internal/queue"
	surrealstore "github.com/transcriberd/transcriberd/internal/queue/surrealdb"
	"github.com/transcriberd/transcriberd/internal/supervisor"
	"github.com/transcriberd/transcriberd/internal/transcode"
)

func main() {
	configPath := os.Getenv("TRANSCRIBERD_CONFIG")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level)

	db, err := connectStorage(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to SurrealDB")
		os.Exit(1)
	}
	defer db.Close(context.Background())

	bus := queue.NewEventBus()
	store := surrealstore.New(db, logger, bus, cfg.Queue.MaxStalledCount)

	adapter, err := transcode.New(&cfg.Transcode, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build transcode adapter")
		os.Exit(1)
	}

	banner.Print(cfg, logger)

	sup := supervisor.New(cfg, store, bus, adapter, logger)
	if err := sup.Start(); err != nil {
		logger.Error().Err(err).Msg("supervisor failed to start")
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Worker.GetShutdownTimeout()+10*time.Second)
	defer cancel()

	if err := sup.Shutdown(ctx); err != nil {
		if errors.Is(err, supervisor.ErrShutdownTimeout) {
			logger.Error().Msg("forced shutdown: in-flight jobs will be reclaimed as stalled on next boot")
		} else {
			logger.Error().Err(err).Msg("supervisor shutdown failed")
		}
		os.Exit(1)
	}

	banner.PrintShutdown(logger)
}

// connectStorage signs in and selects the configured namespace/database,
// mirroring the teacher's test helper connection sequence
// (internal/queue/surrealdb/testhelper_test.go), and defines the tables
// the store depends on existing (SCHEMALESS, matching how the teacher
// lets SurrealDB infer field shape from the records it writes).
func connectStorage(cfg *config.Config) (*surreal.DB, error) {
	db, err := surreal.New(cfg.Storage.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect to surrealdb: %w", err)
	}

	ctx := context.Background()

	if cfg.Storage.Username != "" {
		if _, err := db.SignIn(ctx, map[string]interface{}{
			"user": cfg.Storage.Username,
			"pass": cfg.Storage.Password,
		}); err != nil {
			return nil, fmt.Errorf("sign in to surrealdb: %w", err)
		}
	}

	if err := db.Use(ctx, cfg.Storage.Namespace, cfg.Storage.Database); err != nil {
		return nil, fmt.Errorf("select namespace/database: %w", err)
	}

	tables := []string{"job_queue", "queue_control"}
	for _, table := range tables {
		sql := fmt.Sprintf("DEFINE TABLE IF NOT EXISTS %s SCHEMALESS", table)
		if _, err := surreal.Query[any](ctx, db, sql, nil); err != nil {
			return nil, fmt.Errorf("define table %s: %w", table, err)
		}
	}

	return db, nil
}
