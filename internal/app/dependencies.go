package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bookstore/internal/cache"
	"github.com/vladislavdragonenkov/bookstore/internal/domain"
	"github.com/vladislavdragonenkov/bookstore/internal/health"
	"github.com/vladislavdragonenkov/bookstore/internal/storage/memory"
	"github.com/vladislavdragonenkov/bookstore/internal/storage/postgres"
)

// store: общий набор репозиториев, который дают memory и postgres.
type store interface {
	Books() domain.BookRepository
	Stocks() domain.StockRepository
	Users() domain.UserRepository
	Orders() domain.OrderRepository
	Outbox() domain.OutboxRepository
	Timeline() domain.TimelineRepository
	Idempotency() domain.IdempotencyRepository
	Transactor() domain.Transactor
}

// runtimeDependencies: хранилище и кэш, выбранные конфигурацией.
type runtimeDependencies struct {
	store          store
	storageChecker health.Checker

	queryCache   *cache.Cache
	cacheChecker health.Checker
	// memoryCache не nil, когда кэш живёт в процессе и нуждается в janitor.
	memoryCache *cache.Memory

	closers []func() error
}

func (d *runtimeDependencies) close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// initRuntimeDependencies открывает хранилище и кэш. При ошибке уже открытые
// ресурсы закрываются.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry, recorder cache.Recorder) (deps *runtimeDependencies, err error) {
	opened := &runtimeDependencies{}
	deps = opened
	defer func() {
		if err != nil {
			_ = opened.close()
		}
	}()

	switch cfg.StorageDriver {
	case StorageDriverMemory:
		deps.store = memory.NewStore()
		deps.storageChecker = health.Static(health.StatusHealthy, "in-memory store")
		logger.Info("storage: in-memory")
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("%s_POSTGRES_DSN is required for storage driver %q", EnvPrefix, StorageDriverPostgres)
		}
		pg, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithLogger(logger.WithField("layer", "postgres")))
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, pg.Close)
		if cfg.PostgresAutoMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}
		deps.store = pg
		deps.storageChecker = health.PingCheck(pg)
		logger.Info("storage: postgres")
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	options := []cache.Option{
		cache.WithRecorder(recorder),
		cache.WithLogger(logger.WithField("component", "query-cache")),
		cache.WithPolicies(
			cache.Policy{Absolute: cfg.CacheItemAbsolute, Sliding: cfg.CacheItemSliding},
			cache.Policy{Absolute: cfg.CacheListAbsolute, Sliding: cfg.CacheListSliding},
		),
	}
	if cfg.RedisAddr != "" {
		client, err := cache.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, client.Close)
		backend := cache.NewRedis(client, "bookstore:")
		deps.queryCache = cache.New(backend, options...)
		deps.cacheChecker = health.PingCheck(backend)
		logger.WithField("addr", cfg.RedisAddr).Info("query cache: redis")
	} else {
		deps.memoryCache = cache.NewMemory()
		deps.queryCache = cache.New(deps.memoryCache, options...)
		deps.cacheChecker = health.Static(health.StatusHealthy, "in-process cache")
		logger.Info("query cache: in-process")
	}

	return deps, nil
}
