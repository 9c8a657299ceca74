package cache

import (
	"context"
	"testing"
	"time"

	"recipe-ingest/internal/infrastructure/config"
	"recipe-ingest/internal/pkg/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheManager_Expiry(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(config.CacheConfig{Enabled: true, MaxSize: 4, TTL: time.Minute}, clk)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "m", "p", "v"))

	got, err := m.Get(ctx, "m", "p")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	_, err = m.Get(ctx, "other", "p")
	assert.ErrorIs(t, err, ErrMiss)

	clk.Advance(2 * time.Minute)
	_, err = m.Get(ctx, "m", "p")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCacheManager_EvictsLeastUsed(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(config.CacheConfig{Enabled: true, MaxSize: 2, TTL: time.Hour}, clk)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "m", "a", "1"))
	clk.Advance(time.Second)
	require.NoError(t, m.Set(ctx, "m", "b", "2"))
	_, _ = m.Get(ctx, "m", "a")

	require.NoError(t, m.Set(ctx, "m", "c", "3"))

	_, err := m.Get(ctx, "m", "b")
	assert.ErrorIs(t, err, ErrMiss)
	got, err := m.Get(ctx, "m", "a")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
	assert.Equal(t, 2, m.GetStats()["size"])
}

func TestNewManager_Disabled(t *testing.T) {
	assert.Nil(t, NewManager(config.CacheConfig{Enabled: false}, nil))
}
