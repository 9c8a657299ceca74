// Package extract 從清理後的內容產生食譜草稿：優先解析結構化資料，否則交給語言模型並限次修復 JSON
package extract

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"recipe-ingest/internal/core/ai/provider"
	"recipe-ingest/internal/core/prompt"
	"recipe-ingest/internal/core/sanitize"
	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/infrastructure/config"
	"recipe-ingest/internal/pkg/clock"
	"recipe-ingest/internal/pkg/common"

	"go.uber.org/zap"
)

// DefaultMaxRepairAttempts 預設 JSON 修復次數上限
const DefaultMaxRepairAttempts = 2

// Input 擷取輸入
type Input struct {
	Content   *sanitize.Content
	SourceURL string
	PromptID  string
	Artifacts task.ArtifactRecorder
}

// Output 擷取結果
type Output struct {
	Draft          *task.Draft
	PromptID       string
	PromptFellBack bool
	RepairAttempts int
}

// Extractor 擷取協調器
type Extractor struct {
	completer provider.Completer
	prompts   *prompt.Registry
	cfg       config.ExtractionConfig
	clock     clock.Clock
}

// New 創建擷取協調器；completer 可為 nil（只支援結構化資料）
func New(completer provider.Completer, prompts *prompt.Registry, cfg config.ExtractionConfig, clk clock.Clock) *Extractor {
	if cfg.MaxRepairAttempts < 0 {
		cfg.MaxRepairAttempts = DefaultMaxRepairAttempts
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Extractor{completer: completer, prompts: prompts, cfg: cfg, clock: clk}
}

// Extract 產生草稿
func (e *Extractor) Extract(ctx context.Context, in Input) (*Output, error) {
	if in.Content == nil {
		return nil, common.ErrExtractionFailed.WithMessage("no content to extract from")
	}

	source := common.RecipeSource{
		URL:         in.SourceURL,
		URLHash:     common.HashURL(in.SourceURL),
		SiteName:    in.Content.Metadata.SiteName,
		Author:      in.Content.Metadata.Author,
		RetrievedAt: e.clock.Now(),
		LicenseHint: in.Content.Metadata.License,
	}
	if source.SiteName == "" {
		if u, err := url.Parse(in.SourceURL); err == nil {
			source.SiteName = strings.TrimPrefix(u.Hostname(), "www.")
		}
	}

	if in.Content.HasRecipeData() {
		recipe, meta, err := ParseStructured(in.Content.RecipeData)
		if err == nil {
			source.ExtractionMethod = common.ExtractionMethodStructuredData
			if meta.Author != "" {
				source.Author = meta.Author
			}
			if meta.SiteName != "" {
				source.SiteName = meta.SiteName
			}
			if meta.License != "" {
				source.LicenseHint = meta.License
			}
			if recipe.Description == "" {
				recipe.Description = in.Content.Metadata.Description
			}
			if recipe.ImageURL == "" {
				recipe.ImageURL = in.Content.Metadata.ImageURL
			}
			return &Output{Draft: newDraft(recipe, source)}, nil
		}
		common.LogWarn("結構化資料無法使用，改用模型擷取",
			zap.String("url", in.SourceURL),
			zap.Error(err),
		)
	}

	return e.extractWithLLM(ctx, in, source)
}

func (e *Extractor) extractWithLLM(ctx context.Context, in Input, source common.RecipeSource) (*Output, error) {
	if e.completer == nil {
		return nil, common.ErrLLMUnavailable.WithMessage("no structured data and no language model configured")
	}

	tpl, fellBack, err := e.prompts.Resolve(prompt.PhaseExtract, in.PromptID)
	if err != nil {
		return nil, common.ErrExtractionFailed.Wrap(err)
	}
	rendered, err := tpl.Render(struct {
		URL     string
		Title   string
		Content string
	}{
		URL:     in.SourceURL,
		Title:   in.Content.Metadata.Title,
		Content: TrimContent(in.Content.Text, e.cfg.ContentCharBudget),
	})
	if err != nil {
		return nil, common.ErrExtractionFailed.Wrap(err)
	}

	out := &Output{PromptID: rendered.PromptID, PromptFellBack: fellBack}
	var refs []task.ArtifactRef

	req := provider.NewUserRequest(rendered.System, rendered.User)
	req.JSONMode = true
	resp, err := e.completer.Complete(ctx, req)
	if err != nil {
		return nil, llmError(ctx, err)
	}
	if ref, ok := e.record(ctx, in.Artifacts, task.ArtifactLLMResponse, "llm_response.json", resp.Content); ok {
		refs = append(refs, ref)
	}

	recipe, parseErr := parseModelRecipe(resp.Content)
	previous := resp.Content

	for attempt := 1; parseErr != nil && attempt <= e.cfg.MaxRepairAttempts; attempt++ {
		common.LogWarn("模型回應無法解析，嘗試修復",
			zap.String("url", in.SourceURL),
			zap.Int("attempt", attempt),
			zap.Error(parseErr),
		)
		out.RepairAttempts = attempt

		repairTpl, _, err := e.prompts.Resolve(prompt.PhaseExtractRepair, "")
		if err != nil {
			return nil, common.ErrExtractionFailed.Wrap(err)
		}
		repair, err := repairTpl.Render(struct {
			Error    string
			Previous string
		}{Error: parseErr.Error(), Previous: common.Truncate(previous, 8000)})
		if err != nil {
			return nil, common.ErrExtractionFailed.Wrap(err)
		}

		repairReq := provider.NewUserRequest(repair.System, repair.User)
		repairReq.JSONMode = true
		repairReq.NoCache = true
		resp, err := e.completer.Complete(ctx, repairReq)
		if err != nil {
			return nil, llmError(ctx, err)
		}
		if ref, ok := e.record(ctx, in.Artifacts, task.ArtifactRepairAttempt,
			fmt.Sprintf("extract_repair_%d.json", attempt), resp.Content); ok {
			refs = append(refs, ref)
		}

		previous = resp.Content
		recipe, parseErr = parseModelRecipe(resp.Content)
	}

	if parseErr != nil {
		return nil, common.ErrExtractionFailed.Wrap(fmt.Errorf("model output unusable after %d repair attempts: %w",
			out.RepairAttempts, parseErr))
	}

	if recipe.Description == "" {
		recipe.Description = in.Content.Metadata.Description
	}
	if recipe.ImageURL == "" {
		recipe.ImageURL = in.Content.Metadata.ImageURL
	}
	source.ExtractionMethod = common.ExtractionMethodLLM
	draft := newDraft(recipe, source)
	draft.Artifacts = append(draft.Artifacts, refs...)
	out.Draft = draft
	return out, nil
}

func (e *Extractor) record(ctx context.Context, rec task.ArtifactRecorder, kind task.ArtifactKind, name, content string) (task.ArtifactRef, bool) {
	if rec == nil {
		return task.ArtifactRef{}, false
	}
	ref, err := rec.Record(ctx, kind, name, "application/json", []byte(content))
	if err != nil {
		common.LogWarn("產物寫入失敗", zap.String("name", name), zap.Error(err))
		return task.ArtifactRef{}, false
	}
	return ref, true
}

func newDraft(recipe *common.Recipe, source common.RecipeSource) *task.Draft {
	src := source
	recipe.Source = &src
	return &task.Draft{
		Recipe: recipe,
		Source: source,
	}
}

// llmError 取消時保留 context 錯誤，其餘視為模型不可用
func llmError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ce *common.CustomError
	if errors.As(err, &ce) {
		return err
	}
	return common.ErrLLMUnavailable.Wrap(err)
}
