package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sitepulse/internal/adapter/httpserver"
	"github.com/pscheid92/sitepulse/internal/adapter/metrics"
	"github.com/pscheid92/sitepulse/internal/adapter/postgres"
	"github.com/pscheid92/sitepulse/internal/adapter/redis"
	"github.com/pscheid92/sitepulse/internal/app"
	"github.com/pscheid92/sitepulse/internal/domain"
	"github.com/pscheid92/sitepulse/internal/hub"
	"github.com/pscheid92/sitepulse/internal/platform/config"
	"github.com/pscheid92/sitepulse/internal/platform/logging"
	"github.com/pscheid92/sitepulse/internal/platform/version"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(ctx context.Context, cfg *config.Config, m *metrics.DBMetrics) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, m)
	if err != nil {
		return nil, err
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.RedisMetrics) (*goredis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	return redis.NewClient(ctx, cfg.RedisURL, m)
}

func main() {
	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Server error", "error", err)
		stop()
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	clock := clockwork.NewRealClock()
	m := metrics.NewSet()

	var (
		ledger       domain.DeliveryLedger
		relayPort    domain.Relay
		relay        *redis.Relay
		healthChecks []httpserver.HealthCheck
	)

	if cfg.DatabaseURL != "" {
		pool, err := setupDB(ctx, cfg, m.DB)
		if err != nil {
			return err
		}
		defer pool.Close()

		repo := postgres.NewLedgerRepo(pool)
		ledger = repo
		healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "postgres", Check: repo.Ping})
	} else {
		slog.Info("DATABASE_URL not set, delivery ledger disabled")
	}

	if cfg.RedisURL != "" {
		rdb, err := setupRedis(ctx, cfg, m.Redis)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()

		relay = redis.NewRelay(rdb, cfg.InstanceID, m.Relay)
		relayPort = relay
		healthChecks = append(healthChecks, httpserver.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		slog.Info("Cross-instance relay enabled", "origin", relay.Origin())
	} else {
		slog.Info("REDIS_URL not set, running as a single instance")
	}

	h := hub.New(clock, m.Hub, cfg.MaxSessionsPerDomain)
	appSvc := app.NewService(h, relayPort, ledger, clock)
	srv := httpserver.NewServer(cfg, appSvc, h, m.HTTP, metrics.Handler(m.Registry), healthChecks)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx, appSvc, nil)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received, cleaning up...")

		// Sessions get their close frame before the listener goes away.
		h.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
