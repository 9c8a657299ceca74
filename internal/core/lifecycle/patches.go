package lifecycle

import (
	"context"
	"errors"

	"recipe-ingest/internal/core/patch"
	"recipe-ingest/internal/core/store"
	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/pkg/common"

	"go.uber.org/zap"
)

// PatchRequest 套用正規化修補的輸入
type PatchRequest struct {
	TaskID string       `json:"taskId"`
	ETag   string       `json:"etag,omitempty"`
	Filter patch.Filter `json:"filter"`
}

// PatchResult 套用結果；Created 為 false 表示重複呼叫
type PatchResult struct {
	Task    *task.Task         `json:"task"`
	Result  *patch.ApplyResult `json:"result"`
	Created bool               `json:"created"`
}

// normalizeTask 讀取屬於該食譜的正規化任務
func (c *Controller) normalizeTask(ctx context.Context, recipeID, taskID string) (*task.Task, error) {
	t, err := c.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Mode != task.ModeNormalize {
		return nil, common.ErrInvalidTaskState.WithMessage("task is not a normalize task")
	}
	if t.Payload.RecipeID != recipeID {
		return nil, common.ErrInvalidRequest.WithMessage("task does not belong to recipe " + recipeID)
	}
	return t, nil
}

// ApplyPatches 依篩選條件套用正規化任務的修補並提交任務
func (c *Controller) ApplyPatches(ctx context.Context, recipeID string, req PatchRequest) (*PatchResult, error) {
	if c.deps.Patches == nil {
		return nil, common.ErrLLMUnavailable.WithMessage("patch service is not configured")
	}
	t, err := c.normalizeTask(ctx, recipeID, req.TaskID)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StatusCommitted && t.Result != nil && t.Result.Applied != nil {
		return &PatchResult{Task: t, Result: t.Result.Applied, Created: false}, nil
	}
	if err := c.checkReviewable(ctx, t, req.ETag); err != nil {
		return nil, err
	}
	if t.Result == nil || t.Result.Normalize == nil {
		return nil, common.ErrInvalidTaskState.WithMessage("task has no suggested patches")
	}

	recipe, err := c.deps.Recipes.Get(ctx, recipeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, common.ErrRecipeNotFound.WithMessage("recipe not found: " + recipeID)
		}
		return nil, common.ErrInternalError.Wrap(err)
	}

	res, err := c.deps.Patches.Apply(recipe, t.Result.Normalize.Patches, req.Filter)
	if err != nil {
		return nil, common.ErrInvalidRequest.Wrap(err)
	}
	if res.AppliedCount > 0 {
		if err := c.deps.Recipes.Save(ctx, res.Recipe); err != nil {
			return nil, common.ErrInternalError.Wrap(err)
		}
	}

	expected := t.ETag
	if err := t.Transition(task.StatusCommitted, c.deps.Clock.Now()); err != nil {
		return nil, common.ErrInvalidTaskState.Wrap(err)
	}
	t.SetMeta(task.MetaCommittedRecipeID, recipeID)
	t.Result.Applied = res
	if err := c.update(ctx, t, expected); err != nil {
		if res.AppliedCount > 0 {
			// 任務未更新成功時還原食譜
			if rerr := c.deps.Recipes.Save(context.WithoutCancel(ctx), recipe); rerr != nil {
				common.LogError("還原食譜失敗", zap.String("recipe_id", recipeID), zap.Error(rerr))
			}
		}
		return nil, err
	}

	common.LogInfo("已套用正規化修補",
		zap.String("task_id", t.ID),
		zap.String("recipe_id", recipeID),
		zap.Int("applied", res.AppliedCount),
		zap.Int("failed", res.FailedCount),
		zap.Int("skipped", res.Skipped),
	)
	return &PatchResult{Task: t, Result: res, Created: true}, nil
}

// RejectPatches 駁回正規化任務，食譜不變
func (c *Controller) RejectPatches(ctx context.Context, recipeID string, taskID string, req RejectRequest) (*task.Task, error) {
	t, err := c.normalizeTask(ctx, recipeID, taskID)
	if err != nil {
		return nil, err
	}
	return c.reject(ctx, t, req)
}
