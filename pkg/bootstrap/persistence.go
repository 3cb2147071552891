package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"msgflow/internal/config"
	"msgflow/internal/persistence"
	"msgflow/pkg/health"
	"msgflow/pkg/migrations"
)

// Backend is an opened persistence backend together with the health checks
// and clean-up it brings along.
type Backend struct {
	Repository persistence.Repository
	Checkers   []health.Checker

	// Redis is set when a Redis client was opened, so stages can share it.
	Redis *redis.Client

	closers []func(ctx context.Context) error
}

// InitPersistence opens the configured backend, runs its migrations when
// enabled and wraps it in the persistence circuit breaker.
func (dc *DatabaseConnector) InitPersistence(ctx context.Context) (*Backend, error) {
	cfg := dc.Config
	backend := &Backend{}

	var repo persistence.Repository
	switch cfg.Persistence.Backend {
	case config.BackendMemory, "":
		repo = persistence.NewMemoryRepository()

	case config.BackendPostgres:
		db, err := dc.InitPostgreSQL(ctx)
		if err != nil {
			return nil, err
		}
		backend.closers = append(backend.closers, func(context.Context) error { return db.Close() })
		backend.Checkers = append(backend.Checkers, health.NewPostgreSQLChecker(db))

		if cfg.Database.RunMigrations {
			if err := persistence.MigratePostgres(db); err != nil {
				backend.Close(ctx)
				return nil, err
			}
			dc.Logger.Info("PostgreSQL migrations applied")
		}
		repo = persistence.NewPostgresRepository(db)

	case config.BackendRedis:
		rdb, err := dc.InitRedis(ctx)
		if err != nil {
			return nil, err
		}
		backend.Redis = rdb
		backend.closers = append(backend.closers, func(context.Context) error { return rdb.Close() })
		backend.Checkers = append(backend.Checkers, health.NewRedisChecker(rdb))

		ttl := time.Duration(cfg.Database.Redis.TTLSeconds) * time.Second
		repo = persistence.NewRedisRepository(rdb, cfg.Persistence.RedisKeyPrefix, ttl)

	case config.BackendMongoDB:
		client, err := dc.InitMongoDB(ctx)
		if err != nil {
			return nil, err
		}
		backend.closers = append(backend.closers, client.Disconnect)
		backend.Checkers = append(backend.Checkers, health.NewMongoDBChecker(client))

		db := client.Database(dc.MongoDatabaseName())
		collection := cfg.Persistence.MongoCollection
		if collection == "" {
			collection = persistence.DefaultMongoCollection
		}
		if cfg.Database.RunMigrations {
			if err := migrations.EnsureRecordsCollection(ctx, db, collection); err != nil {
				backend.Close(ctx)
				return nil, err
			}
			dc.Logger.Info("MongoDB indexes ensured")
		}
		repo = persistence.NewMongoRepository(db, collection)

	default:
		return nil, fmt.Errorf("unknown persistence backend: %s", cfg.Persistence.Backend)
	}

	guarded := persistence.NewCircuitBreakerRepository(repo, cfg.CircuitBreaker)
	backend.Repository = guarded
	backend.Checkers = append(backend.Checkers, health.NewCheckFunc("persistence_circuit_breaker", func(context.Context) error {
		if guarded.IsOpen() {
			return health.Degraded("circuit breaker for %s is open", guarded.Backend())
		}
		return nil
	}))

	dc.Logger.Infow("Persistence backend ready",
		"backend", repo.Backend(),
		"circuit_breaker", guarded.State(),
	)
	return backend, nil
}

// EnsureRedis returns the backend's Redis client, opening a dedicated one when
// the backend did not.
func (dc *DatabaseConnector) EnsureRedis(ctx context.Context, backend *Backend) (*redis.Client, error) {
	if backend.Redis != nil {
		return backend.Redis, nil
	}
	rdb, err := dc.InitRedis(ctx)
	if err != nil {
		return nil, err
	}
	backend.Redis = rdb
	backend.closers = append(backend.closers, func(context.Context) error { return rdb.Close() })
	backend.Checkers = append(backend.Checkers, health.NewRedisChecker(rdb))
	return rdb, nil
}

// Close releases everything the backend opened, in reverse order.
func (b *Backend) Close(ctx context.Context) []error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errs
}
