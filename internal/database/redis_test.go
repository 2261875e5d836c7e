package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-import/internal/config"
)

func TestQueueRedisOpt(t *testing.T) {
	cfg := &config.Config{AsynqRedisAddr: "queue:6380", AsynqRedisPassword: "secret", AsynqRedisDB: 2}

	opt := QueueRedisOpt(cfg)
	assert.Equal(t, "queue:6380", opt.Addr)
	assert.Equal(t, "secret", opt.Password)
	assert.Equal(t, 2, opt.DB)
}

func TestNewRedis_Unreachable(t *testing.T) {
	cfg := &config.Config{RedisHost: "127.0.0.1", RedisPort: "1"}

	client, err := NewRedis(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "ping redis at 127.0.0.1:1")
}
