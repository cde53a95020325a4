// Command rebuild replays the full event log and rewrites every projection
// row from scratch. Run it after a schema migration or when a projection is
// suspected of drifting from the log; the fold is deterministic, so a
// rebuild against an untouched log is a no-op.
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/wvsnp/backend/internal/config"
	"github.com/wvsnp/backend/internal/projection"
	"github.com/wvsnp/backend/internal/storage/postgres"
)

func main() {
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck

	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required: an in-memory store has nothing to rebuild")
	}

	ctx := context.Background()
	store, err := postgres.Open(ctx, postgres.Options{
		DSN:              cfg.Database.URL,
		MaxOpenConns:     cfg.Database.MaxOpenConns,
		MaxIdleConns:     cfg.Database.MaxIdleConns,
		StatementTimeout: time.Duration(cfg.Database.StatementTimeoutMs) * time.Millisecond,
	}, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	report, err := projection.New(log).RebuildAll(ctx, store)
	if err != nil {
		log.Fatal("rebuild failed", zap.Error(err))
	}
	log.Info("rebuild complete",
		zap.Int("events", report.Events),
		zap.Int("aggregates", report.Aggregates),
		zap.Duration("took", report.Took))
	_ = json.NewEncoder(os.Stdout).Encode(report)
}
