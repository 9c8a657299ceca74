package pipeline

import (
	"context"
	"strings"

	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/pkg/common"

	"go.uber.org/zap"
)

// CreateRequest 建立任務的輸入
type CreateRequest struct {
	Mode        string            `json:"mode"`
	URL         string            `json:"url,omitempty"`
	Query       string            `json:"query,omitempty"`
	Constraints map[string]string `json:"constraints,omitempty"`
	RecipeID    string            `json:"recipeId,omitempty"`
	ProviderID  string            `json:"providerId,omitempty"`
	PromptID    string            `json:"promptId,omitempty"`
}

// ValidateRequest 檢查模式與必要欄位，回傳可放入任務的 payload
func (r *Runner) ValidateRequest(req CreateRequest) (task.Mode, task.Payload, error) {
	mode, ok := task.ParseMode(strings.TrimSpace(req.Mode))
	if !ok {
		return "", task.Payload{}, common.ErrInvalidAgentType.WithMessage("unknown mode: " + req.Mode)
	}
	payload := task.Payload{
		ProviderID: strings.TrimSpace(req.ProviderID),
		PromptID:   strings.TrimSpace(req.PromptID),
	}

	switch mode {
	case task.ModeURL:
		raw := strings.TrimSpace(req.URL)
		if raw == "" {
			return "", task.Payload{}, common.ErrMissingURL
		}
		if _, err := common.ValidateHTTPURL(raw); err != nil {
			return "", task.Payload{}, common.ErrInvalidURL.Wrap(err)
		}
		payload.URL = raw
	case task.ModeQuery:
		q := strings.TrimSpace(req.Query)
		if q == "" {
			return "", task.Payload{}, common.ErrMissingQuery
		}
		payload.Query = q
		payload.Constraints = req.Constraints
	case task.ModeNormalize:
		id := strings.TrimSpace(req.RecipeID)
		if id == "" {
			return "", task.Payload{}, common.ErrMissingRecipeID
		}
		payload.RecipeID = id
	}

	if mode == task.ModeQuery || payload.ProviderID != "" {
		if r.deps.Search == nil {
			return "", task.Payload{}, common.ErrInvalidSearchProvider.WithMessage("no search providers configured")
		}
		if _, err := r.deps.Search.Resolve(payload.ProviderID); err != nil {
			return "", task.Payload{}, common.ErrInvalidSearchProvider.WithMessage(err.Error())
		}
	}
	return mode, payload, nil
}

// Submit 驗證並建立 Pending 任務，設定佇列時直接送入佇列
func (r *Runner) Submit(ctx context.Context, req CreateRequest) (*task.Task, error) {
	mode, payload, err := r.ValidateRequest(req)
	if err != nil {
		return nil, err
	}

	t := task.New(mode, payload, r.deps.Clock.Now())
	if err := r.deps.Tasks.Create(ctx, t); err != nil {
		return nil, common.ErrInternalError.Wrap(err)
	}
	r.deps.Notifier.Publish(EventFromTask(t))
	common.LogInfo("已建立擷取任務",
		zap.String("task_id", t.ID),
		zap.String("mode", string(t.Mode)),
	)

	if r.deps.Queue == nil {
		return t, nil
	}
	if err := r.deps.Queue.Enqueue(ctx, t.ID); err != nil {
		common.LogWarn("任務無法排入佇列", zap.String("task_id", t.ID), zap.Error(err))
		if ferr := t.Fail("", common.ErrCodeTooManyRequests, "task queue unavailable: "+err.Error(), r.deps.Clock.Now()); ferr == nil {
			if serr := r.save(ctx, t); serr != nil {
				common.LogError("任務失敗狀態寫入失敗", zap.String("task_id", t.ID), zap.Error(serr))
			}
		}
		return nil, common.ErrTooManyRequests.Wrap(err)
	}
	return t, nil
}
