// Package lifecycle 管理草稿審核後的提交、駁回、修復與逾期
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"recipe-ingest/internal/core/guardrail"
	"recipe-ingest/internal/core/patch"
	"recipe-ingest/internal/core/pipeline"
	"recipe-ingest/internal/core/store"
	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/pkg/clock"
	"recipe-ingest/internal/pkg/common"

	"go.uber.org/zap"
)

// WarningDuplicateSource 已有相同來源網址的食譜
const WarningDuplicateSource = "DUPLICATE_SOURCE"

// Deps 控制器依賴
type Deps struct {
	Tasks     store.TaskStore
	Recipes   store.RecipeStore
	Artifacts store.ArtifactStore
	Guard     *guardrail.Guard
	Patches   *patch.Service
	Notifier  *pipeline.Notifier
	Clock     clock.Clock
	// ReviewWindow 進入 ReviewReady 後可提交的期限，零值表示不逾期
	ReviewWindow time.Duration
}

// Controller 草稿生命週期控制器
type Controller struct {
	deps Deps
}

// NewController 創建控制器
func NewController(deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	return &Controller{deps: deps}
}

// ReviewWindow 審核期限
func (c *Controller) ReviewWindow() time.Duration {
	return c.deps.ReviewWindow
}

// Overrides 提交時覆寫的欄位；nil 表示保留草稿值
type Overrides struct {
	Name        *string  `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	Servings    *string  `json:"servings,omitempty"`
	Cuisines    []string `json:"cuisines,omitempty"`
	Diets       []string `json:"diets,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// CommitRequest 提交輸入
type CommitRequest struct {
	ETag      string     `json:"etag,omitempty"`
	Overrides *Overrides `json:"overrides,omitempty"`
}

// CommitResult 提交結果；Created 為 false 表示重複提交
type CommitResult struct {
	Recipe   *common.Recipe `json:"recipe"`
	Task     *task.Task     `json:"task"`
	Created  bool           `json:"created"`
	Warnings []string       `json:"warnings,omitempty"`
}

// Get 讀取任務
func (c *Controller) Get(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := c.deps.Tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, common.ErrTaskNotFound.WithMessage("task not found: " + taskID)
		}
		return nil, common.ErrInternalError.Wrap(err)
	}
	return t, nil
}

// Commit 將 ReviewReady 草稿寫成正式食譜；已提交的任務回傳原本的食譜
func (c *Controller) Commit(ctx context.Context, taskID string, req CommitRequest) (*CommitResult, error) {
	t, err := c.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == task.StatusCommitted {
		return c.committed(ctx, t)
	}
	if err := c.checkReviewable(ctx, t, req.ETag); err != nil {
		return nil, err
	}
	if t.Mode == task.ModeNormalize {
		return nil, common.ErrInvalidTaskState.WithMessage("normalize tasks are committed through the patch endpoints")
	}

	draft := t.Draft()
	if draft == nil || draft.Recipe == nil {
		return nil, common.ErrInvalidTaskState.WithMessage("task has no draft to commit")
	}
	if draft.Blocked {
		return nil, common.ErrGuardrailBlocked
	}
	if !draft.Validation.IsValid() {
		return nil, common.ErrValidationFailed.WithMessage("draft has validation errors: " + strings.Join(draft.Validation.Errors, "; "))
	}

	now := c.deps.Clock.Now()
	recipe := draft.Recipe.Clone()
	req.Overrides.apply(recipe)
	if report := guardrail.Validate(recipe); !report.IsValid() {
		return nil, common.ErrValidationFailed.WithMessage("overrides make the recipe invalid: " + strings.Join(report.Errors, "; "))
	}
	recipe.ID = common.GenerateUUID()
	recipe.CreatedAt = now
	recipe.UpdatedAt = now
	source := draft.Source
	recipe.Source = &source

	var warnings []string
	if source.URLHash != "" {
		existing, err := c.deps.Recipes.FindByURLHash(ctx, source.URLHash)
		switch {
		case err == nil:
			warnings = append(warnings, fmt.Sprintf("%s: recipe %s was imported from the same url", WarningDuplicateSource, existing.ID))
		case !errors.Is(err, store.ErrNotFound):
			return nil, common.ErrInternalError.Wrap(err)
		}
	}

	if err := c.deps.Recipes.Save(ctx, recipe); err != nil {
		return nil, common.ErrInternalError.Wrap(err)
	}

	expected := t.ETag
	if err := t.Transition(task.StatusCommitted, now); err != nil {
		return nil, common.ErrInvalidTaskState.Wrap(err)
	}
	t.SetMeta(task.MetaCommittedRecipeID, recipe.ID)
	if err := c.update(ctx, t, expected); err != nil {
		// 任務未更新成功時撤回剛寫入的食譜
		if derr := c.deps.Recipes.Delete(context.WithoutCancel(ctx), recipe.ID); derr != nil {
			common.LogError("撤回食譜失敗", zap.String("recipe_id", recipe.ID), zap.Error(derr))
		}
		// 同一草稿已被另一個請求提交時回傳對方的結果
		if errors.Is(err, common.ErrETagMismatch) {
			if latest, gerr := c.Get(ctx, taskID); gerr == nil && latest.Status == task.StatusCommitted {
				return c.committed(ctx, latest)
			}
		}
		return nil, err
	}

	common.LogInfo("草稿已提交",
		zap.String("task_id", t.ID),
		zap.String("recipe_id", recipe.ID),
		zap.Strings("warnings", warnings),
	)
	return &CommitResult{Recipe: recipe, Task: t, Created: true, Warnings: warnings}, nil
}

func (c *Controller) committed(ctx context.Context, t *task.Task) (*CommitResult, error) {
	id := t.Metadata[task.MetaCommittedRecipeID]
	recipe, err := c.deps.Recipes.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, common.ErrRecipeNotFound.WithMessage("committed recipe not found: " + id)
		}
		return nil, common.ErrInternalError.Wrap(err)
	}
	return &CommitResult{Recipe: recipe, Task: t, Created: false}, nil
}

// RejectRequest 駁回輸入
type RejectRequest struct {
	ETag   string `json:"etag,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Reject 駁回草稿；重複駁回視為成功
func (c *Controller) Reject(ctx context.Context, taskID string, req RejectRequest) (*task.Task, error) {
	t, err := c.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return c.reject(ctx, t, req)
}

func (c *Controller) reject(ctx context.Context, t *task.Task, req RejectRequest) (*task.Task, error) {
	if t.Status == task.StatusRejected {
		return t, nil
	}
	if t.Status != task.StatusReviewReady {
		return nil, common.ErrInvalidTaskState.WithMessage(fmt.Sprintf("cannot reject a task in status %s", t.Status))
	}
	if req.ETag != "" && req.ETag != t.ETag {
		return nil, common.ErrETagMismatch
	}

	expected := t.ETag
	if err := t.Transition(task.StatusRejected, c.deps.Clock.Now()); err != nil {
		return nil, common.ErrInvalidTaskState.Wrap(err)
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		t.SetMeta(task.MetaRejectionReason, reason)
	}
	if err := c.update(ctx, t, expected); err != nil {
		return nil, err
	}
	common.LogInfo("草稿已駁回", zap.String("task_id", t.ID))
	return t, nil
}

// RepairResult 手動修復結果
type RepairResult struct {
	Task    *task.Task         `json:"task"`
	Outcome *guardrail.Outcome `json:"outcome"`
}

// Repair 對 ReviewReady 草稿再執行一次改寫並重新驗證
func (c *Controller) Repair(ctx context.Context, taskID, etag string) (*RepairResult, error) {
	if c.deps.Guard == nil || c.deps.Artifacts == nil {
		return nil, common.ErrLLMUnavailable.WithMessage("repair is not configured")
	}
	t, err := c.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := c.checkReviewable(ctx, t, etag); err != nil {
		return nil, err
	}
	draft := t.Draft()
	if draft == nil || draft.Recipe == nil {
		return nil, common.ErrInvalidTaskState.WithMessage("task has no draft to repair")
	}

	sourceText, err := c.sourceText(ctx, draft)
	if err != nil {
		return nil, err
	}

	rec := store.NewRecorder(c.deps.Artifacts, t.ID, c.deps.Clock)
	outcome, err := c.deps.Guard.RepairAndApply(ctx, draft, sourceText, rec)
	if err != nil {
		if errors.Is(err, guardrail.ErrNothingToRepair) {
			return nil, common.ErrInvalidTaskState.WithMessage("draft has no passages over the similarity threshold")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, common.AsCustomError(err)
	}

	manual, _ := strconv.Atoi(t.Metadata[task.MetaManualRepairs])
	manual++
	t.SetMeta(task.MetaManualRepairs, strconv.Itoa(manual))
	name := fmt.Sprintf("similarity_report_manual_%d.json", manual)
	if ref, err := rec.Record(ctx, task.ArtifactSimilarityReport, name, "application/json", common.MustJSONBytes(outcome.Report)); err == nil {
		draft.AddArtifact(ref)
	}

	expected := t.ETag
	t.LastUpdated = c.deps.Clock.Now()
	if err := c.update(ctx, t, expected); err != nil {
		return nil, err
	}
	return &RepairResult{Task: t, Outcome: outcome}, nil
}

// sourceText 讀回清理後文字的產物
func (c *Controller) sourceText(ctx context.Context, draft *task.Draft) (string, error) {
	for i := len(draft.Artifacts) - 1; i >= 0; i-- {
		ref := draft.Artifacts[i]
		if ref.Kind != task.ArtifactSanitizedText {
			continue
		}
		data, err := c.deps.Artifacts.Get(ctx, ref.Path)
		if err != nil {
			return "", common.ErrInternalError.Wrap(fmt.Errorf("failed to read %s: %w", ref.Path, err))
		}
		return string(data), nil
	}
	return "", common.ErrInvalidTaskState.WithMessage("draft has no sanitized source text")
}

// checkReviewable 確認任務可被審核操作；逾期時順便轉為 Expired
func (c *Controller) checkReviewable(ctx context.Context, t *task.Task, etag string) error {
	switch t.Status {
	case task.StatusReviewReady:
	case task.StatusRejected:
		return common.ErrTaskRejected
	case task.StatusExpired:
		return common.ErrDraftExpired
	default:
		return common.ErrInvalidTaskState.WithMessage(fmt.Sprintf("task is %s, not ReviewReady", t.Status))
	}
	// 逾期優先於 ETag 比對
	now := c.deps.Clock.Now()
	if c.deps.ReviewWindow > 0 && t.ReviewExpired(c.deps.ReviewWindow, now) {
		deadline := t.ReviewDeadline(c.deps.ReviewWindow)
		if err := c.expire(ctx, t, now); err != nil && !errors.Is(err, common.ErrETagMismatch) {
			common.LogWarn("逾期任務狀態寫入失敗", zap.String("task_id", t.ID), zap.Error(err))
		}
		return common.ErrDraftExpired.WithMessage(fmt.Sprintf("review window of %s elapsed at %s",
			c.deps.ReviewWindow, deadline.Format(time.RFC3339)))
	}
	if etag != "" && etag != t.ETag {
		return common.ErrETagMismatch
	}
	return nil
}

// expire 將任務轉為 Expired
func (c *Controller) expire(ctx context.Context, t *task.Task, now time.Time) error {
	expected := t.ETag
	if err := t.Transition(task.StatusExpired, now); err != nil {
		return common.ErrInvalidTaskState.Wrap(err)
	}
	t.SetMeta(task.MetaExpiredAt, now.UTC().Format(time.RFC3339))
	return c.update(ctx, t, expected)
}

// update CAS 寫回並廣播
func (c *Controller) update(ctx context.Context, t *task.Task, expected string) error {
	if err := c.deps.Tasks.Update(ctx, t, expected); err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			return common.ErrETagMismatch
		case errors.Is(err, store.ErrNotFound):
			return common.ErrTaskNotFound
		}
		return common.ErrInternalError.Wrap(err)
	}
	c.deps.Notifier.Publish(pipeline.EventFromTask(t))
	return nil
}

func (o *Overrides) apply(r *common.Recipe) {
	if o == nil {
		return
	}
	if o.Name != nil {
		r.Name = strings.TrimSpace(*o.Name)
	}
	if o.Description != nil {
		r.Description = strings.TrimSpace(*o.Description)
	}
	if o.Servings != nil {
		r.Servings = strings.TrimSpace(*o.Servings)
	}
	if o.Cuisines != nil {
		r.Cuisines = o.Cuisines
	}
	if o.Diets != nil {
		r.Diets = o.Diets
	}
	if o.Tags != nil {
		r.Tags = o.Tags
	}
}
