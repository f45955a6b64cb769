package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"mediagate/internal/infrastructure/events"
	"mediagate/pkg/config"
)

func TestFactory_MemoryFallback(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	// Nothing listens on the discard port.
	cfg.Redis.Address = "127.0.0.1:9"

	f := NewRepositoryFactory(context.Background(), cfg, "node-a", zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = f.Close() })

	assert.False(t, f.UsesRedis())
	assert.NoError(t, f.HealthCheck(context.Background()))
	assert.IsType(t, &events.LogPublisher{}, f.CreateEventPublisher())

	repo := f.CreateSessionRepository()
	assert.Equal(t, 0, repo.Count())
}

func TestFactory_RedisDisabled(t *testing.T) {
	f := NewRepositoryFactory(context.Background(), config.DefaultConfig(), "node-a", zaptest.NewLogger(t).Sugar())
	assert.False(t, f.UsesRedis())
	assert.NoError(t, f.Close())
}
