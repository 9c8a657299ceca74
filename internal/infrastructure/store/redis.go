package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"recipe-ingest/internal/core/store"
	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/infrastructure/config"
	"recipe-ingest/internal/pkg/common"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// NewRedisClient 建立並測試 Redis 連線
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 測試連接
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	common.LogInfo("Redis 已連線", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return client, nil
}

// RedisTaskStore Redis 任務儲存；以 WATCH/MULTI 實作 ETag compare-and-swap
type RedisTaskStore struct {
	client *redis.Client
	prefix string
}

// NewRedisTaskStore 創建 Redis 任務儲存
func NewRedisTaskStore(client *redis.Client, prefix string) *RedisTaskStore {
	return &RedisTaskStore{client: client, prefix: prefix}
}

func (s *RedisTaskStore) taskKey(id string) string {
	return s.prefix + "task:" + id
}

func (s *RedisTaskStore) statusKey(status task.Status) string {
	return s.prefix + "tasks:status:" + string(status)
}

// Create 新增任務
func (s *RedisTaskStore) Create(ctx context.Context, t *task.Task) error {
	if t.ETag == "" {
		t.ETag = common.NewETag()
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.taskKey(t.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if !ok {
		return store.ErrExists
	}
	return s.client.ZAdd(ctx, s.statusKey(t.Status), &redis.Z{
		Score:  score(t.LastUpdated),
		Member: t.ID,
	}).Err()
}

// Get 讀取任務
func (s *RedisTaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &t, nil
}

// Update 以 ETag 做 compare-and-swap
func (s *RedisTaskStore) Update(ctx context.Context, t *task.Task, expectedETag string) error {
	key := s.taskKey(t.ID)
	newETag := common.NewETag()

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return store.ErrNotFound
			}
			return err
		}
		var current task.Task
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("failed to unmarshal task: %w", err)
		}
		if current.ETag != expectedETag {
			return store.ErrConflict
		}

		next := *t
		next.ETag = newETag
		payload, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			if current.Status != t.Status {
				pipe.ZRem(ctx, s.statusKey(current.Status), t.ID)
			}
			pipe.ZAdd(ctx, s.statusKey(t.Status), &redis.Z{Score: score(t.LastUpdated), Member: t.ID})
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return store.ErrConflict
	}
	if err != nil {
		return err
	}
	t.ETag = newETag
	return nil
}

// ListByStatus 依狀態索引查詢 LastUpdated 早於 before 的任務
func (s *RedisTaskStore) ListByStatus(ctx context.Context, status task.Status, before time.Time, limit int) ([]*task.Task, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(score(before), 'f', -1, 64),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.statusKey(status), opt).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// 索引可能落後，以實際內容為準
		if t.Status != status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// RedisRecipeStore Redis 食譜儲存
type RedisRecipeStore struct {
	client *redis.Client
	prefix string
}

// NewRedisRecipeStore 創建 Redis 食譜儲存
func NewRedisRecipeStore(client *redis.Client, prefix string) *RedisRecipeStore {
	return &RedisRecipeStore{client: client, prefix: prefix}
}

func (s *RedisRecipeStore) recipeKey(id string) string {
	return s.prefix + "recipe:" + id
}

func (s *RedisRecipeStore) hashKey(hash string) string {
	return s.prefix + "recipe:urlhash:" + hash
}

// Save 儲存食譜，網址雜湊索引保留第一筆
func (s *RedisRecipeStore) Save(ctx context.Context, r *common.Recipe) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal recipe: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recipeKey(r.ID), data, 0)
		if r.Source != nil && r.Source.URLHash != "" {
			pipe.SetNX(ctx, s.hashKey(r.Source.URLHash), r.ID, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save recipe: %w", err)
	}
	return nil
}

// Get 讀取食譜
func (s *RedisRecipeStore) Get(ctx context.Context, id string) (*common.Recipe, error) {
	data, err := s.client.Get(ctx, s.recipeKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get recipe: %w", err)
	}
	var r common.Recipe
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipe: %w", err)
	}
	return &r, nil
}

// Delete 刪除食譜與其雜湊索引
func (s *RedisRecipeStore) Delete(ctx context.Context, id string) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.recipeKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete recipe: %w", err)
	}
	if r.Source != nil && r.Source.URLHash != "" {
		if owner, _ := s.client.Get(ctx, s.hashKey(r.Source.URLHash)).Result(); owner == id {
			s.client.Del(ctx, s.hashKey(r.Source.URLHash))
		}
	}
	return nil
}

// FindByURLHash 依來源網址雜湊尋找
func (s *RedisRecipeStore) FindByURLHash(ctx context.Context, hash string) (*common.Recipe, error) {
	id, err := s.client.Get(ctx, s.hashKey(hash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up url hash: %w", err)
	}
	return s.Get(ctx, id)
}

// RedisArtifactStore Redis 產物儲存；路徑以字典序索引
type RedisArtifactStore struct {
	client *redis.Client
	prefix string
}

// NewRedisArtifactStore 創建 Redis 產物儲存
func NewRedisArtifactStore(client *redis.Client, prefix string) *RedisArtifactStore {
	return &RedisArtifactStore{client: client, prefix: prefix}
}

func (s *RedisArtifactStore) blobKey(path string) string {
	return s.prefix + "artifact:" + path
}

func (s *RedisArtifactStore) indexKey() string {
	return s.prefix + "artifacts:index"
}

// Put 寫入產物
func (s *RedisArtifactStore) Put(ctx context.Context, path string, data []byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.blobKey(path), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), &redis.Z{Score: 0, Member: path})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put artifact: %w", err)
	}
	return nil
}

// Get 讀取產物
func (s *RedisArtifactStore) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.blobKey(path)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return data, nil
}

// List 依前綴列出路徑
func (s *RedisArtifactStore) List(ctx context.Context, prefix string) ([]string, error) {
	paths, err := s.client.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "[" + prefix,
		Max: "[" + prefix + "\xff",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	return paths, nil
}

var (
	_ store.TaskStore     = (*RedisTaskStore)(nil)
	_ store.RecipeStore   = (*RedisRecipeStore)(nil)
	_ store.ArtifactStore = (*RedisArtifactStore)(nil)
)
