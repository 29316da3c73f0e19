package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/market-sizer/internal/config"
	"github.com/ChuLiYu/market-sizer/internal/controller"
	"github.com/ChuLiYu/market-sizer/internal/metrics"
	"github.com/ChuLiYu/market-sizer/internal/provider"
	"github.com/ChuLiYu/market-sizer/internal/ratelimit"
	"github.com/ChuLiYu/market-sizer/internal/store"
	"github.com/ChuLiYu/market-sizer/internal/store/memory"
	"github.com/ChuLiYu/market-sizer/internal/store/postgres"
	"github.com/ChuLiYu/market-sizer/internal/store/sqlite"
)

// newProviderClient builds the provider client; tests replace it.
var newProviderClient = func(cfg *config.Config) provider.Client {
	return provider.NewHTTPClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)
}

// App is the wired engine of one process.
type App struct {
	Config  *config.Config
	Store   store.Store
	Service *controller.Service
	Metrics *metrics.Collector

	redis *redis.Client
}

// openApp wires store, limiter, provider and service from cfg. The
// service is not started; read-only commands use it without recovery.
func openApp(ctx context.Context, cfg *config.Config) (*App, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Store: st, Metrics: metrics.NewCollector()}

	opts := []ratelimit.Option{ratelimit.WithObserver(app.Metrics.ObserveLimiterWait)}
	if cfg.Redis.URL != "" {
		client, err := ratelimit.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			st.Close()
			return nil, err
		}
		app.redis = client
		opts = append(opts, ratelimit.WithWindows(
			ratelimit.NewRedisWindow(client, cfg.Redis.KeyPrefix+":minute", cfg.RateLimit.PerMinute, time.Minute),
			ratelimit.NewRedisWindow(client, cfg.Redis.KeyPrefix+":day", cfg.RateLimit.PerDay, 24*time.Hour),
		))
		log.Info("rate windows shared through redis", "key_prefix", cfg.Redis.KeyPrefix)
	}
	limiter := ratelimit.New(cfg.RateLimitConfig(), opts...)

	svc, err := controller.New(controller.Deps{
		Store:     st,
		Client:    newProviderClient(cfg),
		Limiter:   limiter,
		Segmenter: cfg.NewSegmenter(),
		Metrics:   app.Metrics,
	}, cfg.ControllerConfig())
	if err != nil {
		app.closeResources()
		return nil, err
	}
	app.Service = svc
	return app, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		if cfg.Store.Path == "" {
			return memory.New(), nil
		}
		if err := ensureDir(cfg.Store.Path); err != nil {
			return nil, err
		}
		return memory.Open(cfg.Store.Path, cfg.Store.SnapshotInterval, memory.WithSyncWrites(cfg.Store.SyncWrites))
	case config.DriverSQLite:
		if err := ensureDir(cfg.Store.Path); err != nil {
			return nil, err
		}
		return sqlite.Open(ctx, cfg.Store.Path)
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.PostgresConfig())
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func ensureDir(path string) error {
	if path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}

// Close stops the service, then releases the store and Redis.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Service != nil {
		errs = append(errs, a.Service.Close(ctx))
	}
	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	errs = append(errs, a.Store.Close())
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	return errors.Join(errs...)
}
