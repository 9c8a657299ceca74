package lifecycle

import (
	"context"
	"errors"
	"time"

	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/infrastructure/config"
	"recipe-ingest/internal/pkg/common"

	"go.uber.org/zap"
)

// Sweeper 定期將超過審核期限的 ReviewReady 任務轉為 Expired
type Sweeper struct {
	ctrl     *Controller
	interval time.Duration
	batch    int
}

// NewSweeper 創建逾期掃描器
func NewSweeper(ctrl *Controller, cfg config.LifecycleConfig) *Sweeper {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	batch := cfg.SweepBatch
	if batch <= 0 {
		batch = 200
	}
	return &Sweeper{ctrl: ctrl, interval: interval, batch: batch}
}

// Run 依間隔掃描直到 ctx 結束
func (s *Sweeper) Run(ctx context.Context) error {
	common.LogInfo("逾期掃描器已啟動",
		zap.Duration("interval", s.interval),
		zap.Duration("review_window", s.ctrl.deps.ReviewWindow),
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			common.LogInfo("逾期掃描器已停止")
			return nil
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil && ctx.Err() == nil {
				common.LogWarn("逾期掃描失敗", zap.Error(err))
			}
			if n > 0 {
				common.LogInfo("逾期掃描完成", zap.Int("expired", n))
			}
		}
	}
}

// SweepOnce 分批處理所有已逾期的任務，回傳轉為 Expired 的數量；中斷後下次掃描會接續
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	window := s.ctrl.deps.ReviewWindow
	if window <= 0 {
		return 0, nil
	}
	now := s.ctrl.deps.Clock.Now()
	cutoff := now.Add(-window)

	expired := 0
	for {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		tasks, err := s.ctrl.deps.Tasks.ListByStatus(ctx, task.StatusReviewReady, cutoff, s.batch)
		if err != nil {
			return expired, err
		}

		progressed := 0
		for _, t := range tasks {
			if err := ctx.Err(); err != nil {
				return expired, err
			}
			if !t.ReviewExpired(window, now) {
				continue
			}
			if err := s.ctrl.expire(ctx, t, now); err != nil {
				// 已被提交或駁回的任務略過
				if !errors.Is(err, common.ErrETagMismatch) {
					common.LogWarn("任務逾期寫入失敗", zap.String("task_id", t.ID), zap.Error(err))
				}
				continue
			}
			progressed++
		}
		expired += progressed
		if len(tasks) < s.batch || progressed == 0 {
			return expired, nil
		}
	}
}
