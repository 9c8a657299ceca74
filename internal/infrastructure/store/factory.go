package store

import (
	"context"
	"fmt"

	"recipe-ingest/internal/core/store"
	"recipe-ingest/internal/infrastructure/config"

	"github.com/go-redis/redis/v8"
)

// Stores 一組儲存實作
type Stores struct {
	Tasks     store.TaskStore
	Recipes   store.RecipeStore
	Artifacts store.ArtifactStore
	client    *redis.Client
}

// New 依設定建立儲存
func New(ctx context.Context, cfg config.StorageConfig) (*Stores, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		client, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedis(client, cfg.Redis.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// NewMemory 建立記憶體儲存
func NewMemory() *Stores {
	return &Stores{
		Tasks:     NewMemoryTaskStore(),
		Recipes:   NewMemoryRecipeStore(),
		Artifacts: NewMemoryArtifactStore(),
	}
}

// NewRedis 以既有連線建立 Redis 儲存
func NewRedis(client *redis.Client, prefix string) *Stores {
	return &Stores{
		Tasks:     NewRedisTaskStore(client, prefix),
		Recipes:   NewRedisRecipeStore(client, prefix),
		Artifacts: NewRedisArtifactStore(client, prefix),
		client:    client,
	}
}

// Ping 檢查後端是否可用
func (s *Stores) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

// Close 關閉連線
func (s *Stores) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
