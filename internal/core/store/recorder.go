package store

import (
	"context"
	"fmt"
	"sync"

	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/pkg/clock"
)

// Recorder 將產物寫到指定任務的路徑下
type Recorder struct {
	store  ArtifactStore
	taskID string
	clock  clock.Clock

	mu   sync.Mutex
	seen map[string]int
}

// NewRecorder 創建任務產物寫入器
func NewRecorder(s ArtifactStore, taskID string, clk clock.Clock) *Recorder {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Recorder{store: s, taskID: taskID, clock: clk, seen: make(map[string]int)}
}

// Record 寫入產物；同名重複寫入時加上序號，不覆蓋舊檔
func (r *Recorder) Record(ctx context.Context, kind task.ArtifactKind, name, contentType string, data []byte) (task.ArtifactRef, error) {
	r.mu.Lock()
	n := r.seen[name]
	r.seen[name] = n + 1
	r.mu.Unlock()
	if n > 0 {
		name = fmt.Sprintf("%d-%s", n, name)
	}

	path := ArtifactPath(r.taskID, name)
	if err := r.store.Put(ctx, path, data); err != nil {
		return task.ArtifactRef{}, fmt.Errorf("failed to store artifact %s: %w", path, err)
	}
	return task.ArtifactRef{
		Kind:        kind,
		Path:        path,
		ContentType: contentType,
		Size:        len(data),
		CreatedAt:   r.clock.Now(),
	}, nil
}

var _ task.ArtifactRecorder = (*Recorder)(nil)
