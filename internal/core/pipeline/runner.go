// Package pipeline 依模式依序執行擷取階段，追蹤進度並持久化任務狀態
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"recipe-ingest/internal/core/extract"
	"recipe-ingest/internal/core/fetch"
	"recipe-ingest/internal/core/guardrail"
	"recipe-ingest/internal/core/patch"
	"recipe-ingest/internal/core/sanitize"
	"recipe-ingest/internal/core/search"
	"recipe-ingest/internal/core/store"
	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/pkg/clock"
	"recipe-ingest/internal/pkg/common"

	"go.uber.org/zap"
)

// Searcher 搜尋供應商解析與搜尋
type Searcher interface {
	Resolve(id string) (search.Provider, error)
	Search(ctx context.Context, providerID string, req search.Request) (*search.Outcome, error)
}

// Enqueuer 將任務交給 worker 執行
type Enqueuer interface {
	Enqueue(ctx context.Context, taskID string) error
}

// Deps 管線依賴；Search 與 Patches 只有在對應模式需要時才必須提供
type Deps struct {
	Tasks     store.TaskStore
	Recipes   store.RecipeStore
	Artifacts store.ArtifactStore
	Fetcher   fetch.Fetcher
	Sanitizer *sanitize.Sanitizer
	Extractor *extract.Extractor
	Guard     *guardrail.Guard
	Search    Searcher
	Patches   *patch.Service
	Notifier  *Notifier
	Clock     clock.Clock
	Queue     Enqueuer
}

// handler 階段處理函式
type handler func(ctx context.Context, st *runState) error

// runState 單次執行期間各階段共享的資料
type runState struct {
	task      *task.Task
	rec       *store.Recorder
	sourceURL string
	page      *fetch.Result
	content   *sanitize.Content
	draft     *task.Draft
	refs      []task.ArtifactRef
}

// Runner 階段執行器
type Runner struct {
	deps     Deps
	plans    map[task.Mode][]step
	handlers map[task.Phase]handler
}

// NewRunner 創建執行器並驗證所有模式的階段計畫
func NewRunner(deps Deps) (*Runner, error) {
	if deps.Tasks == nil || deps.Artifacts == nil {
		return nil, errors.New("pipeline: task and artifact stores are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = sanitize.New()
	}

	r := &Runner{deps: deps, plans: defaultPlans}
	r.handlers = map[task.Phase]handler{
		task.PhaseDiscover:  r.discover,
		task.PhaseFetch:     r.fetch,
		task.PhaseSanitize:  r.sanitize,
		task.PhaseExtract:   r.extract,
		task.PhaseValidate:  r.validate,
		task.PhaseNormalize: r.normalize,
	}
	for mode, steps := range r.plans {
		if err := validatePlan(mode, steps); err != nil {
			return nil, err
		}
		for _, s := range steps {
			if r.handlers[s.phase] == nil {
				return nil, fmt.Errorf("pipeline: no handler for phase %s", s.phase)
			}
		}
	}
	return r, nil
}

// Notifier 進度廣播器，可為 nil
func (r *Runner) Notifier() *Notifier {
	return r.deps.Notifier
}

// Run 執行一個 Pending 任務直到 ReviewReady 或 Failed；其他狀態的任務略過
func (r *Runner) Run(ctx context.Context, taskID string) error {
	t, err := r.deps.Tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return common.ErrTaskNotFound
		}
		return err
	}
	if t.Status != task.StatusPending {
		common.LogWarn("任務不是 Pending，略過執行",
			zap.String("task_id", t.ID),
			zap.String("status", string(t.Status)),
		)
		return nil
	}

	steps := r.plans[t.Mode]
	if err := t.Transition(task.StatusRunning, r.deps.Clock.Now()); err != nil {
		return err
	}
	if err := r.save(ctx, t); err != nil {
		return err
	}
	if len(steps) == 0 {
		return r.fail(ctx, t, "", common.ErrInvalidAgentType.WithMessage("unsupported mode: "+string(t.Mode)))
	}

	st := &runState{
		task:      t,
		rec:       store.NewRecorder(r.deps.Artifacts, t.ID, r.deps.Clock),
		sourceURL: t.Payload.URL,
	}
	common.LogInfo("開始執行擷取任務",
		zap.String("task_id", t.ID),
		zap.String("mode", string(t.Mode)),
	)

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, t, s.phase, err)
		}
		t.CurrentPhase = s.phase
		t.LastUpdated = r.deps.Clock.Now()
		if err := r.save(ctx, t); err != nil {
			return r.fail(ctx, t, s.phase, err)
		}

		start := time.Now()
		err := r.handlers[s.phase](ctx, st)
		common.LogPhase(t.ID, string(s.phase), time.Since(start), err)
		if err != nil {
			return r.fail(ctx, t, s.phase, err)
		}
		t.Progress += s.weight
	}

	if st.draft != nil {
		result(t).Draft = st.draft
	}
	if err := t.Transition(task.StatusReviewReady, r.deps.Clock.Now()); err != nil {
		return err
	}
	return r.save(ctx, t)
}

// save 以目前 ETag 做 CAS 寫回並廣播進度；取消後仍需寫入最終狀態
func (r *Runner) save(ctx context.Context, t *task.Task) error {
	if err := r.deps.Tasks.Update(context.WithoutCancel(ctx), t, t.ETag); err != nil {
		return fmt.Errorf("failed to persist task %s: %w", t.ID, err)
	}
	r.deps.Notifier.Publish(EventFromTask(t))
	return nil
}

// fail 將任務標記為 Failed 並記錄失敗階段
func (r *Runner) fail(ctx context.Context, t *task.Task, phase task.Phase, cause error) error {
	code, msg := common.ErrorCode(cause), cause.Error()
	if ctx.Err() != nil {
		code = common.ErrCodeTaskCancelled
		msg = "task cancelled: " + ctx.Err().Error()
	}

	if err := t.Fail(phase, code, msg, r.deps.Clock.Now()); err != nil {
		return err
	}
	if err := r.save(ctx, t); err != nil {
		common.LogError("任務失敗狀態寫入失敗", zap.String("task_id", t.ID), zap.Error(err))
	}
	return cause
}

// record 寫入產物並加入本次執行的參照清單
func (r *Runner) record(ctx context.Context, st *runState, kind task.ArtifactKind, name, contentType string, data []byte) {
	ref, err := st.rec.Record(ctx, kind, name, contentType, data)
	if err != nil {
		common.LogWarn("產物寫入失敗",
			zap.String("task_id", st.task.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return
	}
	if st.draft != nil {
		st.draft.AddArtifact(ref)
		return
	}
	st.refs = append(st.refs, ref)
}

func result(t *task.Task) *task.Result {
	if t.Result == nil {
		t.Result = &task.Result{}
	}
	return t.Result
}
