// Package store 提供任務、食譜與產物儲存的實作（記憶體與 Redis）
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"recipe-ingest/internal/core/store"
	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/pkg/common"
)

// MemoryTaskStore 記憶體任務儲存
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task
}

// NewMemoryTaskStore 創建記憶體任務儲存
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*task.Task)}
}

// Create 新增任務
func (s *MemoryTaskStore) Create(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return store.ErrExists
	}
	if t.ETag == "" {
		t.ETag = common.NewETag()
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Get 讀取任務副本
func (s *MemoryTaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.Clone(), nil
}

// Update 以 ETag 做 compare-and-swap
func (s *MemoryTaskStore) Update(ctx context.Context, t *task.Task, expectedETag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[t.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.ETag != expectedETag {
		return store.ErrConflict
	}
	t.ETag = common.NewETag()
	s.tasks[t.ID] = t.Clone()
	return nil
}

// ListByStatus 依狀態與更新時間篩選
func (s *MemoryTaskStore) ListByStatus(ctx context.Context, status task.Status, before time.Time, limit int) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Status == status && t.LastUpdated.Before(before) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.Before(out[j].LastUpdated) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryRecipeStore 記憶體食譜儲存
type MemoryRecipeStore struct {
	mu      sync.RWMutex
	recipes map[string]*common.Recipe
	byHash  map[string]string
}

// NewMemoryRecipeStore 創建記憶體食譜儲存
func NewMemoryRecipeStore() *MemoryRecipeStore {
	return &MemoryRecipeStore{
		recipes: make(map[string]*common.Recipe),
		byHash:  make(map[string]string),
	}
}

// Save 儲存或覆寫食譜
func (s *MemoryRecipeStore) Save(ctx context.Context, r *common.Recipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipes[r.ID] = r.Clone()
	if r.Source != nil && r.Source.URLHash != "" {
		if _, ok := s.byHash[r.Source.URLHash]; !ok {
			s.byHash[r.Source.URLHash] = r.ID
		}
	}
	return nil
}

// Get 讀取食譜
func (s *MemoryRecipeStore) Get(ctx context.Context, id string) (*common.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recipes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r.Clone(), nil
}

// Delete 刪除食譜
func (s *MemoryRecipeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipes[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.recipes, id)
	if r.Source != nil && s.byHash[r.Source.URLHash] == id {
		delete(s.byHash, r.Source.URLHash)
	}
	return nil
}

// FindByURLHash 依來源網址雜湊尋找
func (s *MemoryRecipeStore) FindByURLHash(ctx context.Context, hash string) (*common.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.recipes[id].Clone(), nil
}

// MemoryArtifactStore 記憶體產物儲存
type MemoryArtifactStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryArtifactStore 創建記憶體產物儲存
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{blobs: make(map[string][]byte)}
}

// Put 寫入產物
func (s *MemoryArtifactStore) Put(ctx context.Context, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = append([]byte(nil), data...)
	return nil
}

// Get 讀取產物
func (s *MemoryArtifactStore) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[path]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// List 依前綴列出路徑（已排序）
func (s *MemoryArtifactStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for p := range s.blobs {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

var (
	_ store.TaskStore     = (*MemoryTaskStore)(nil)
	_ store.RecipeStore   = (*MemoryRecipeStore)(nil)
	_ store.ArtifactStore = (*MemoryArtifactStore)(nil)
)
