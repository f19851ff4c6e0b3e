package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/internal/infrastructure/repositories/memory"
	pgrepo "relaycast/internal/infrastructure/repositories/postgres"
	redisrepo "relaycast/internal/infrastructure/repositories/redis"
	"relaycast/pkg/config"
	"relaycast/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory opens the configured stream store, falling back to
// memory when the backend cannot be reached.
type RepositoryFactory struct {
	backend     string
	streams     ports.StreamRepository
	redisClient *redis.Client
	pg          *pgrepo.PostgresStreamRepository
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects the stream store and, when redis events are
// enabled, a redis client for the event bus. Store connections are retried
// with backoff; seed streams are created afterwards.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, retryCfg retry.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	f := &RepositoryFactory{backend: cfg.Storage.Backend, logger: logger}

	onRetry := func(attempt int, err error, next time.Duration) {
		logger.Warnw("store connection failed, retrying",
			"backend", f.backend,
			"attempt", attempt,
			"retry_in", next,
			"error", err,
		)
	}

	if cfg.Storage.Backend == "redis" || cfg.Redis.Events {
		err := retry.Do(ctx, retryCfg, func(ctx context.Context) error {
			client, err := redisrepo.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, logger)
			if err != nil {
				return err
			}
			f.redisClient = client
			return nil
		}, onRetry)
		if err != nil {
			logger.Warnw("failed to connect to Redis", "error", err)
		}
	}

	switch cfg.Storage.Backend {
	case "redis":
		if f.redisClient != nil {
			f.streams = redisrepo.NewRedisStreamRepository(f.redisClient)
		}
	case "postgres":
		err := retry.Do(ctx, retryCfg, func(ctx context.Context) error {
			repo, err := pgrepo.NewPostgresStreamRepository(ctx, cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			f.pg = repo
			return nil
		}, onRetry)
		if err != nil {
			logger.Warnw("failed to connect to Postgres", "error", err)
		} else {
			f.streams = f.pg
		}
	}

	if f.streams == nil {
		if cfg.Storage.Backend != "memory" {
			logger.Warnw("falling back to memory stream store", "configured_backend", cfg.Storage.Backend)
		}
		f.backend = "memory"
		f.streams = memory.NewMemoryStreamRepository()
	}
	logger.Infow("stream store ready", "backend", f.backend)

	seeds := make([]*domain.Stream, 0, len(cfg.Storage.SeedStreams))
	for _, s := range cfg.Storage.SeedStreams {
		seeds = append(seeds, &domain.Stream{Token: domain.StreamToken(s.Token), Owner: s.Owner})
	}
	if err := Seed(ctx, f.streams, seeds, logger); err != nil {
		_ = f.Close()
		return nil, err
	}

	return f, nil
}

// Seed creates the given records, leaving existing ones untouched.
func Seed(ctx context.Context, repo ports.StreamRepository, streams []*domain.Stream, logger *zap.SugaredLogger) error {
	for _, s := range streams {
		err := repo.Create(ctx, s)
		switch {
		case err == nil:
			logger.Infow("seeded stream", "stream_token", s.Token)
		case errors.Is(err, domain.ErrStreamExists):
		default:
			return fmt.Errorf("seed stream %s: %w", s.Token, err)
		}
	}
	return nil
}

// Backend names the store actually in use.
func (f *RepositoryFactory) Backend() string {
	return f.backend
}

func (f *RepositoryFactory) StreamRepository() ports.StreamRepository {
	return f.streams
}

// RedisClient is nil when redis is neither the store nor the event bus.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// HealthCheck pings the stream store.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	return f.streams.Ping(ctx)
}

// Close releases the postgres pool and the redis client.
func (f *RepositoryFactory) Close() error {
	if f.pg != nil {
		f.pg.Close()
	}
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}
