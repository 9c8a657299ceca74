// Package store 定義任務、食譜與產物的儲存介面
package store

import (
	"context"
	"errors"
	"time"

	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/pkg/common"
)

var (
	// ErrNotFound 查無資料
	ErrNotFound = errors.New("not found")
	// ErrConflict ETag 比對失敗
	ErrConflict = errors.New("etag conflict")
	// ErrExists 主鍵已存在
	ErrExists = errors.New("already exists")
)

// TaskStore 任務儲存；讀取為單鍵強一致
type TaskStore interface {
	Create(ctx context.Context, t *task.Task) error
	Get(ctx context.Context, id string) (*task.Task, error)
	// Update 以 expectedETag 做 compare-and-swap，成功後寫入新的 ETag
	Update(ctx context.Context, t *task.Task, expectedETag string) error
	// ListByStatus 依狀態列出 LastUpdated 早於 before 的任務，最多 limit 筆
	ListByStatus(ctx context.Context, status task.Status, before time.Time, limit int) ([]*task.Task, error)
}

// RecipeStore 食譜儲存
type RecipeStore interface {
	Save(ctx context.Context, r *common.Recipe) error
	Get(ctx context.Context, id string) (*common.Recipe, error)
	Delete(ctx context.Context, id string) error
	FindByURLHash(ctx context.Context, hash string) (*common.Recipe, error)
}

// ArtifactStore 產物儲存
type ArtifactStore interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// ArtifactPath 依任務 id 組成產物路徑
func ArtifactPath(taskID, name string) string {
	return ArtifactPrefix(taskID) + name
}

// ArtifactPrefix 任務產物前綴
func ArtifactPrefix(taskID string) string {
	return "tasks/" + taskID + "/"
}
