// Package queue 以有界佇列與固定數量的 worker 執行擷取任務
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"recipe-ingest/internal/infrastructure/config"
	"recipe-ingest/internal/pkg/common"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull 佇列已滿
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueClosed 佇列已關閉
	ErrQueueClosed = errors.New("queue manager is closed")
	// ErrAlreadyQueued 同一任務已在佇列或執行中
	ErrAlreadyQueued = errors.New("task is already queued or running")
)

// Handler 執行單一任務
type Handler func(ctx context.Context, taskID string) error

// Status 隊列狀態
type Status struct {
	QueueLength    int `json:"queue_length"`
	InFlight       int `json:"in_flight"`
	ProcessedCount int `json:"processed_count"`
	FailedCount    int `json:"failed_count"`
	MaxQueueSize   int `json:"max_queue_size"`
	Workers        int `json:"workers"`
}

// Manager 隊列管理器
type Manager struct {
	config    config.QueueConfig
	queue     chan string
	done      chan struct{}
	once      sync.Once
	processed int64
	failed    int64

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewManager 創建新的隊列管理器
func NewManager(cfg config.QueueConfig) *Manager {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Manager{
		config:   cfg,
		queue:    make(chan string, cfg.MaxSize),
		done:     make(chan struct{}),
		inFlight: make(map[string]struct{}),
	}
}

// Enqueue 將任務加入隊列；同一任務在完成前不會被重複加入
func (m *Manager) Enqueue(ctx context.Context, taskID string) error {
	select {
	case <-m.done:
		return ErrQueueClosed
	default:
	}

	m.mu.Lock()
	if _, ok := m.inFlight[taskID]; ok {
		m.mu.Unlock()
		return ErrAlreadyQueued
	}
	m.inFlight[taskID] = struct{}{}
	m.mu.Unlock()

	select {
	case m.queue <- taskID:
		common.LogInfo("Task enqueued",
			zap.String("task_id", taskID),
			zap.Int("queue_length", len(m.queue)),
			zap.Int("max_queue_size", m.config.MaxSize),
		)
		return nil
	case <-ctx.Done():
		m.release(taskID)
		return ctx.Err()
	default:
		m.release(taskID)
		return ErrQueueFull
	}
}

// Run 啟動 worker 直到 ctx 取消或隊列關閉；執行中的任務會收到同一個 ctx
func (m *Manager) Run(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < m.config.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			m.work(ctx, worker, handler)
		}(i)
	}
	common.LogInfo("Queue workers started", zap.Int("workers", m.config.Workers))
	wg.Wait()
	return nil
}

func (m *Manager) work(ctx context.Context, worker int, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case taskID := <-m.queue:
			m.execute(ctx, worker, taskID, handler)
		}
	}
}

func (m *Manager) execute(ctx context.Context, worker int, taskID string, handler Handler) {
	defer m.release(taskID)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&m.failed, 1)
			common.LogError("Task handler panicked",
				zap.String("task_id", taskID),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	if err := handler(ctx, taskID); err != nil {
		atomic.AddInt64(&m.failed, 1)
		common.LogWarn("Task handler returned error",
			zap.Int("worker", worker),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		return
	}
	atomic.AddInt64(&m.processed, 1)
}

func (m *Manager) release(taskID string) {
	m.mu.Lock()
	delete(m.inFlight, taskID)
	m.mu.Unlock()
}

// GetQueueStatus 獲取隊列狀態
func (m *Manager) GetQueueStatus() *Status {
	m.mu.Lock()
	inFlight := len(m.inFlight)
	m.mu.Unlock()

	return &Status{
		QueueLength:    len(m.queue),
		InFlight:       inFlight,
		ProcessedCount: int(atomic.LoadInt64(&m.processed)),
		FailedCount:    int(atomic.LoadInt64(&m.failed)),
		MaxQueueSize:   m.config.MaxSize,
		Workers:        m.config.Workers,
	}
}

// Close 關閉隊列管理器，worker 會在目前任務完成後退出
func (m *Manager) Close() {
	m.once.Do(func() { close(m.done) })
}
