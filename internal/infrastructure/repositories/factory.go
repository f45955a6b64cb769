package repositories

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mediagate/internal/core/ports"
	"mediagate/internal/infrastructure/events"
	"mediagate/internal/infrastructure/repositories/memory"
	redisrepo "mediagate/internal/infrastructure/repositories/redis"
	"mediagate/pkg/config"
)

// RepositoryFactory creates the registry store and the event publisher,
// falling back to in-process implementations when Redis is unavailable.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	channel     string
	instanceID  string
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, instanceID string, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis:   cfg.Redis.Enabled,
		channel:    cfg.Redis.Channel,
		instanceID: instanceID,
		logger:     logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to log event publisher",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
		}
	}

	return factory
}

// CreateSessionRepository creates the session registry store. Sessions hold
// live engine handles, so the store is always in process.
func (f *RepositoryFactory) CreateSessionRepository() ports.SessionRepository {
	return memory.NewMemorySessionRepository()
}

// CreateEventPublisher creates a Redis publisher or a log publisher fallback.
func (f *RepositoryFactory) CreateEventPublisher() ports.EventPublisher {
	if f.useRedis && f.redisClient != nil {
		f.logger.Infow("publishing session events to Redis", "channel", f.channel)
		return events.NewRedisPublisher(f.redisClient, f.channel, f.instanceID, f.logger)
	}
	f.logger.Info("publishing session events to log")
	return events.NewLogPublisher(f.logger)
}

// UsesRedis reports whether a Redis connection is in use.
func (f *RepositoryFactory) UsesRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	return redisrepo.CloseRedisClient(f.redisClient)
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsesRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
