// Command server runs the WVSNP grant-management service: the HTTP API,
// the background sweeps, the treasury gateway poll loop, and webhook
// delivery. With no DATABASE_URL it runs fully in memory, which is how
// local development exercises it.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wvsnp/backend/internal/api"
	"github.com/wvsnp/backend/internal/closeout"
	"github.com/wvsnp/backend/internal/commands"
	"github.com/wvsnp/backend/internal/config"
	"github.com/wvsnp/backend/internal/events"
	"github.com/wvsnp/backend/internal/gateway"
	"github.com/wvsnp/backend/internal/metrics"
	"github.com/wvsnp/backend/internal/projection"
	"github.com/wvsnp/backend/internal/query"
	"github.com/wvsnp/backend/internal/storage"
	"github.com/wvsnp/backend/internal/storage/memory"
	"github.com/wvsnp/backend/internal/storage/postgres"
	"github.com/wvsnp/backend/internal/sweeps"
	"github.com/wvsnp/backend/internal/webhooks"
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

	log := buildLogger(cfg.Server.Env)
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer closeStore()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	bus := events.NewBus()
	var emitter events.Emitter = bus
	if cfg.PubSub.ProjectID != "" {
		psBus, err := events.NewPubSubBus(cfg.PubSub.ProjectID, cfg.PubSub.Topic, log)
		if err != nil {
			log.Fatal("pubsub bus", zap.Error(err))
		}
		defer psBus.Close()
		emitter = psBus
		bus = psBus.Bus
	}

	svc := commands.New(store, projection.New(log), closeout.New(log), emitter, m, log, commands.Options{
		IdempotencyTTL: cfg.Commands.IdempotencyTTL(),
		TentativeTTL:   cfg.Commands.TentativeTTL(),
		Retry: commands.RetryPolicy{
			Attempts:    cfg.Commands.RetryAttempts,
			BaseBackoff: cfg.Commands.BaseBackoff(),
		},
		Oasis: commands.OasisOptions{
			FundCode:      cfg.Oasis.FundCode,
			OrgCode:       cfg.Oasis.OrgCode,
			ObjectCode:    cfg.Oasis.ObjectCode,
			FormatVersion: cfg.Oasis.FormatVersion,
		},
	})

	var cache query.Cache
	if rdb != nil {
		cache = query.RedisCache(rdb)
	}
	querySvc := query.New(store, cache, log)

	hookRegistry := webhooks.NewRegistry(log)
	hookRegistry.DefaultSecret = cfg.Webhooks.SigningSecret
	dispatcher := webhooks.NewDispatcher(hookRegistry, cfg.Webhooks.Workers, log)
	defer dispatcher.Shutdown()
	go dispatcher.Listen(ctx, bus)

	var lease sweeps.Lease
	if rdb != nil {
		lease = sweeps.RedisLease(rdb)
	}
	runner := sweeps.New(svc, store, lease, m, log, nil, sweeps.Config{
		VoucherExpiryInterval:  cfg.Sweeps.VoucherExpiryInterval(),
		ClaimsDeadlineInterval: cfg.Sweeps.ClaimsDeadlineInterval(),
		ComplianceInterval:     cfg.Sweeps.ComplianceInterval(),
		LeaseTTL:               cfg.Sweeps.LeaseTTL(),
	})
	runner.Start(ctx)

	// The gateway runs against the acknowledging mock until the treasury
	// publishes its service proto; the breaker and poll loop wiring are
	// live either way.
	if cfg.Gateway.Target != "" {
		log.Info("gateway target configured", zap.String("target", cfg.Gateway.Target))
	}
	submitter := gateway.New(nil, svc, store, m, log, nil, gateway.Config{
		PollInterval: cfg.Gateway.PollInterval(),
	})
	submitter.Start(ctx)

	server := api.New(svc, querySvc, api.Config{
		Bus:      bus,
		Registry: hookRegistry,
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Log:      log,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	runner.Wait()
	submitter.Wait()
}

func buildLogger(env string) *zap.Logger {
	if env == "development" {
		log, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return log
	}
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return log
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, func(), error) {
	if cfg.Database.URL == "" {
		log.Info("no DATABASE_URL, using the in-memory store")
		return memory.New(), func() {}, nil
	}
	pg, err := postgres.Open(ctx, postgres.Options{
		DSN:              cfg.Database.URL,
		MaxOpenConns:     cfg.Database.MaxOpenConns,
		MaxIdleConns:     cfg.Database.MaxIdleConns,
		StatementTimeout: time.Duration(cfg.Database.StatementTimeoutMs) * time.Millisecond,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { pg.Close() }, nil
}
