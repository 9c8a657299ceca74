// Package bootstrap 依設定組裝擷取服務的所有元件
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"recipe-ingest/internal/api"
	"recipe-ingest/internal/core/ai/cache"
	"recipe-ingest/internal/core/ai/openrouter"
	"recipe-ingest/internal/core/ai/provider"
	"recipe-ingest/internal/core/ai/service"
	"recipe-ingest/internal/core/extract"
	"recipe-ingest/internal/core/fetch"
	"recipe-ingest/internal/core/guardrail"
	"recipe-ingest/internal/core/lifecycle"
	"recipe-ingest/internal/core/patch"
	"recipe-ingest/internal/core/pipeline"
	"recipe-ingest/internal/core/prompt"
	"recipe-ingest/internal/core/queue"
	"recipe-ingest/internal/core/sanitize"
	"recipe-ingest/internal/core/search"
	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/infrastructure/config"
	infrastore "recipe-ingest/internal/infrastructure/store"
	"recipe-ingest/internal/pkg/clock"
	"recipe-ingest/internal/pkg/common"

	"go.uber.org/zap"
)

// App 組裝完成的服務
type App struct {
	Config    *config.Config
	Stores    *infrastore.Stores
	AI        *service.Service
	Search    *search.Resolver
	Fetcher   *fetch.Client
	Queue     *queue.Manager
	Runner    *pipeline.Runner
	Lifecycle *lifecycle.Controller
	Sweeper   *lifecycle.Sweeper
	Notifier  *pipeline.Notifier

	clock clock.Clock
}

// Options 組裝選項
type Options struct {
	// Stores 為 nil 時依設定建立
	Stores *infrastore.Stores
	// Provider 覆蓋預設的 OpenRouter 提供者
	Provider provider.Provider
	// Synchronous 不建立隊列，呼叫端自行執行 Runner.Run
	Synchronous bool
	Clock       clock.Clock
}

// New 依設定組裝服務
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	stores := opts.Stores
	if stores == nil {
		var err error
		stores, err = infrastore.New(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
	}

	// 語言模型
	p := opts.Provider
	if p == nil && cfg.OpenRouter.Enabled {
		if cfg.OpenRouter.APIKey == "" {
			common.LogWarn("OpenRouter enabled without an API key")
		}
		p = openrouter.NewClient(cfg.OpenRouter)
	}
	if p == nil {
		common.LogWarn("No language model configured; only structured-data pages can be extracted")
	}
	aiService := service.NewService(cfg.AI, p, cache.NewManager(cfg.Cache, clk))

	prompts, err := prompt.NewDefaultRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}

	resolver := search.NewResolver(cfg.Search)
	fetcher := fetch.NewClient(cfg.Fetch, cfg.Breaker, fetch.WithClock(clk))
	guard := guardrail.New(cfg.Guardrail, aiService, prompts)
	patches := patch.NewService(aiService, prompts, clk, aiService.Model())
	notifier := pipeline.NewNotifier(32)

	var q *queue.Manager
	var enqueuer pipeline.Enqueuer
	if !opts.Synchronous {
		q = queue.NewManager(cfg.Queue)
		enqueuer = q
	}

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Tasks:     stores.Tasks,
		Recipes:   stores.Recipes,
		Artifacts: stores.Artifacts,
		Fetcher:   fetcher,
		Sanitizer: sanitize.New(),
		Extractor: extract.New(aiService, prompts, cfg.Extraction, clk),
		Guard:     guard,
		Search:    resolver,
		Patches:   patches,
		Notifier:  notifier,
		Clock:     clk,
		Queue:     enqueuer,
	})
	if err != nil {
		return nil, err
	}

	ctrl := lifecycle.NewController(lifecycle.Deps{
		Tasks:        stores.Tasks,
		Recipes:      stores.Recipes,
		Artifacts:    stores.Artifacts,
		Guard:        guard,
		Patches:      patches,
		Notifier:     notifier,
		Clock:        clk,
		ReviewWindow: cfg.Lifecycle.ReviewWindow,
	})

	common.LogInfo("服務組裝完成",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("model", aiService.Model()),
		zap.String("default_search_provider", resolver.DefaultID()),
		zap.Bool("synchronous", opts.Synchronous),
	)

	return &App{
		Config:    cfg,
		Stores:    stores,
		AI:        aiService,
		Search:    resolver,
		Fetcher:   fetcher,
		Queue:     q,
		Runner:    runner,
		Lifecycle: ctrl,
		Sweeper:   lifecycle.NewSweeper(ctrl, cfg.Lifecycle),
		Notifier:  notifier,
		clock:     clk,
	}, nil
}

// Services 轉成路由需要的服務
func (a *App) Services() api.Services {
	svc := api.Services{
		Runner:    a.Runner,
		Lifecycle: a.Lifecycle,
		Search:    a.Search,
		Recipes:   a.Stores.Recipes,
		Artifacts: a.Stores.Artifacts,
		Storage:   a.Stores,
		Model:     a.AI.Model(),
	}
	if a.Queue != nil {
		svc.Queue = a.Queue
	}
	return svc
}

// ResumePending 將重啟前尚未執行的任務重新排入隊列
func (a *App) ResumePending(ctx context.Context, batch int) (int, error) {
	if a.Queue == nil {
		return 0, nil
	}
	if batch <= 0 {
		batch = 100
	}
	pending, err := a.Stores.Tasks.ListByStatus(ctx, task.StatusPending, a.clock.Now().Add(time.Second), batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range pending {
		if err := a.Queue.Enqueue(ctx, t.ID); err != nil {
			common.LogWarn("待執行任務無法重新排入隊列", zap.String("task_id", t.ID), zap.Error(err))
			break
		}
		n++
	}
	return n, nil
}

// Close 釋放資源
func (a *App) Close() {
	if a.Queue != nil {
		a.Queue.Close()
	}
	if err := a.AI.Close(); err != nil {
		common.LogWarn("Failed to close AI service", zap.Error(err))
	}
	if err := a.Stores.Close(); err != nil {
		common.LogWarn("Failed to close storage", zap.Error(err))
	}
}
