package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailcampaign-backend/internal/config"
	"github.com/unclebandit/mailcampaign-backend/internal/logger"
	"github.com/unclebandit/mailcampaign-backend/internal/queue"
)

func TestNew_MemoryDrivers(t *testing.T) {
	cfg := config.Config{StoreDriver: "memory", QueueDriver: "memory", WorkerConcurrency: 2, DispatchMaxAttempts: 3, TemplateSelection: "first"}
	a, err := New(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.IsType(t, &queue.MemoryQueue{}, a.Queue)
	assert.Equal(t, map[string]string{"db": "memory", "queue": "memory"}, a.Ping(context.Background()))

	w := a.Worker()
	assert.Equal(t, 2, w.Opts.Concurrency)
	assert.Equal(t, 3, w.Opts.MaxAttempts)
	assert.NotNil(t, a.CampaignService().Resolver)
	assert.NotNil(t, a.TrackingService().Recorder)
}

func TestNew_RedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Config{StoreDriver: "memory", QueueDriver: "redis", RedisAddr: mr.Addr(), QueuePrefix: "test"}
	a, err := New(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &queue.RedisQueue{}, a.Queue)
	assert.Equal(t, "ok", a.Ping(context.Background())["queue"])
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New(context.Background(), config.Config{StoreDriver: "mongo"}, logger.Nop())
	assert.ErrorContains(t, err, "STORE_DRIVER")
}
