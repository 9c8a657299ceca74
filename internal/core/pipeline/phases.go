package pipeline

import (
	"context"
	"errors"
	"sort"
	"strings"

	"recipe-ingest/internal/core/extract"
	"recipe-ingest/internal/core/search"
	"recipe-ingest/internal/core/store"
	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/pkg/common"

	"go.uber.org/zap"
)

// 階段使用的提示詞中繼資料鍵
const (
	metaPromptExtract   = task.MetaPromptPrefix + "extract"
	metaPromptNormalize = task.MetaPromptPrefix + "normalize"
	metaRequestedSuffix = ".requested"
)

// discover 以搜尋結果挑出要抓取的網址
func (r *Runner) discover(ctx context.Context, st *runState) error {
	if r.deps.Search == nil {
		return common.ErrInvalidSearchProvider.WithMessage("no search providers configured")
	}
	t := st.task
	query := BuildQuery(t.Payload.Query, t.Payload.Constraints)

	out, err := r.deps.Search.Search(ctx, t.Payload.ProviderID, search.Request{Query: query})
	if err != nil {
		return err
	}
	t.SetMeta(task.MetaProvider, out.ProviderID)
	t.SetMeta(task.MetaRequestedProvider, out.RequestedID)
	r.record(ctx, st, task.ArtifactSearchResults, "search_results.json", "application/json", common.MustJSONBytes(out))

	if out.FellBack() {
		t.SetMeta(task.MetaFallbackProvider, out.ProviderID)
		t.SetMeta(task.MetaFallbackReason, out.FallbackReason)
		r.record(ctx, st, task.ArtifactSearchFallback, "search_fallback.json", "application/json",
			common.MustJSONBytes(map[string]string{
				"from":   out.FallbackFrom,
				"to":     out.ProviderID,
				"reason": out.FallbackReason,
			}))
	}

	for _, c := range out.Candidates {
		if _, err := common.ValidateHTTPURL(c.URL); err == nil {
			st.sourceURL = c.URL
			t.SetMeta(task.MetaSelectedURL, c.URL)
			return nil
		}
	}
	return common.ErrDiscoverNoResult.WithMessage("no usable result for query: " + query)
}

// BuildQuery 組合查詢字串：原始查詢、依鍵排序的條件值，並確保包含 recipe
func BuildQuery(query string, constraints map[string]string) string {
	parts := []string{strings.TrimSpace(query)}
	keys := make([]string, 0, len(constraints))
	for k := range constraints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := strings.TrimSpace(constraints[k]); v != "" {
			parts = append(parts, v)
		}
	}
	q := strings.Join(parts, " ")
	if !strings.Contains(strings.ToLower(q), "recipe") {
		q += " recipe"
	}
	return strings.TrimSpace(q)
}

// fetch 抓取原始頁面
func (r *Runner) fetch(ctx context.Context, st *runState) error {
	if r.deps.Fetcher == nil {
		return common.ErrFetchFailed.WithMessage("no fetcher configured")
	}
	page, err := r.deps.Fetcher.Fetch(ctx, st.sourceURL)
	if err != nil {
		return err
	}
	st.page = page
	contentType := page.ContentType
	if contentType == "" {
		contentType = "text/html"
	}
	r.record(ctx, st, task.ArtifactRawSnapshot, "raw.html", contentType, page.Body)
	return nil
}

// sanitize 清理 HTML 並保存中繼資料、結構化資料與純文字
func (r *Runner) sanitize(ctx context.Context, st *runState) error {
	content, err := r.deps.Sanitizer.Sanitize(string(st.page.Body), st.page.FinalURL)
	if err != nil {
		return common.ErrSanitizeFailed.Wrap(err)
	}
	if strings.TrimSpace(content.Text) == "" && !content.HasRecipeData() {
		return common.ErrSanitizeFailed.WithMessage("page has no readable content")
	}
	st.content = content

	r.record(ctx, st, task.ArtifactPageMetadata, "page_metadata.json", "application/json", common.MustJSONBytes(content.Metadata))
	if len(content.StructuredData) > 0 {
		r.record(ctx, st, task.ArtifactStructuredData, "structured_data.json", "application/json",
			common.MustJSONBytes(content.StructuredData))
	}
	r.record(ctx, st, task.ArtifactSanitizedText, "sanitized.md", "text/markdown", []byte(content.Text))
	return nil
}

// extract 產生草稿
func (r *Runner) extract(ctx context.Context, st *runState) error {
	if r.deps.Extractor == nil {
		return common.ErrExtractionFailed.WithMessage("no extractor configured")
	}
	t := st.task
	sourceURL := st.sourceURL
	if st.page != nil && st.page.FinalURL != "" {
		sourceURL = st.page.FinalURL
	}

	out, err := r.deps.Extractor.Extract(ctx, extract.Input{
		Content:   st.content,
		SourceURL: sourceURL,
		PromptID:  t.Payload.PromptID,
		Artifacts: st.rec,
	})
	if err != nil {
		return err
	}
	if out.PromptID != "" {
		t.SetMeta(metaPromptExtract, out.PromptID)
		if out.PromptFellBack {
			t.SetMeta(metaPromptExtract+metaRequestedSuffix, t.Payload.PromptID)
		}
	}

	draft := out.Draft
	draft.Artifacts = append(append([]task.ArtifactRef{}, st.refs...), draft.Artifacts...)
	st.refs = nil
	st.draft = draft
	result(t).Draft = draft
	return nil
}

// validate 驗證草稿並執行相似度防護
func (r *Runner) validate(ctx context.Context, st *runState) error {
	t := st.task
	if r.deps.Guard == nil {
		return common.ErrInternalError.WithMessage("no guardrail configured")
	}
	out, err := r.deps.Guard.Evaluate(ctx, st.draft, st.content.Text, st.rec)
	if err != nil {
		return err
	}

	switch {
	case out.Repaired:
		t.SetMeta(task.MetaAutoRepair, "repaired")
	case out.Report.ViolatesPolicy:
		t.SetMeta(task.MetaAutoRepair, "skipped")
	default:
		t.SetMeta(task.MetaAutoRepair, "not_needed")
	}
	if out.Blocked {
		common.LogWarn("草稿被相似度防護封鎖",
			zap.String("task_id", t.ID),
			zap.String("details", out.Report.Details),
		)
	}

	r.record(ctx, st, task.ArtifactDraftJSON, "draft.json", "application/json", common.MustJSONBytes(st.draft))
	return nil
}

// normalize 為既有食譜產生正規化建議
func (r *Runner) normalize(ctx context.Context, st *runState) error {
	if r.deps.Recipes == nil || r.deps.Patches == nil {
		return common.ErrLLMUnavailable.WithMessage("normalization is not configured")
	}
	t := st.task
	recipe, err := r.deps.Recipes.Get(ctx, t.Payload.RecipeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return common.ErrRecipeNotFound.WithMessage("recipe not found: " + t.Payload.RecipeID)
		}
		return err
	}

	resp, fellBack, err := r.deps.Patches.GeneratePatches(ctx, recipe, t.Payload.PromptID)
	if err != nil {
		return err
	}
	if resp.PromptID != "" {
		t.SetMeta(metaPromptNormalize, resp.PromptID)
		if fellBack {
			t.SetMeta(metaPromptNormalize+metaRequestedSuffix, t.Payload.PromptID)
		}
	}
	result(t).Normalize = resp
	r.record(ctx, st, task.ArtifactNormalizePatches, "normalize_patches.json", "application/json", common.MustJSONBytes(resp))
	return nil
}
