package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"recipe-ingest/internal/core/ai/cache"
	"recipe-ingest/internal/core/ai/provider"
	"recipe-ingest/internal/infrastructure/config"
	"recipe-ingest/internal/pkg/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	calls   int
	content string
	err     error
}

func (f *fakeProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Response{Content: f.content, Model: "fake"}, nil
}

func (f *fakeProvider) GetModel() string { return "fake" }
func (f *fakeProvider) GetTimeout() time.Duration { return time.Second }
func (f *fakeProvider) Close() error { return nil }

func newCache(t *testing.T) *cache.CacheManager {
	t.Helper()
	m := cache.NewManager(config.CacheConfig{Enabled: true, MaxSize: 10, TTL: time.Hour}, nil)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestComplete_UsesCache(t *testing.T) {
	p := &fakeProvider{content: `{"a":1}`}
	svc := NewService(config.AIConfig{EnableCache: true}, p, newCache(t))

	req := provider.NewUserRequest("sys", "extract  this")
	first, err := svc.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	// 空白差異應命中同一快取鍵
	second, err := svc.Complete(context.Background(), provider.NewUserRequest("sys", "extract this"))
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, `{"a":1}`, second.Content)
	assert.Equal(t, 1, p.calls)
}

func TestComplete_NoCacheBypasses(t *testing.T) {
	p := &fakeProvider{content: "x"}
	svc := NewService(config.AIConfig{EnableCache: true}, p, newCache(t))

	for i := 0; i < 2; i++ {
		req := provider.NewUserRequest("", "repair")
		req.NoCache = true
		_, err := svc.Complete(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, p.calls)
}

func TestComplete_ProviderError(t *testing.T) {
	p := &fakeProvider{err: common.ErrLLMUnavailable}
	svc := NewService(config.AIConfig{}, p, nil)

	_, err := svc.Complete(context.Background(), provider.NewUserRequest("", "x"))
	assert.True(t, errors.Is(err, common.ErrLLMUnavailable))
}

func TestComplete_CanceledWhileWaiting(t *testing.T) {
	p := &fakeProvider{content: "x"}
	svc := NewService(config.AIConfig{RequestsPerSec: 0.001, Burst: 1}, p, nil)

	_, err := svc.Complete(context.Background(), provider.NewUserRequest("", "one"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Complete(ctx, provider.NewUserRequest("", "two"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.calls)
}

func TestComplete_NoProvider(t *testing.T) {
	svc := NewService(config.AIConfig{}, nil, nil)
	_, err := svc.Complete(context.Background(), provider.NewUserRequest("", "x"))
	assert.Equal(t, common.ErrCodeLLMUnavailable, common.ErrorCode(err))
}
