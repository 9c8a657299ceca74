package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"recipe-ingest/internal/core/ai/provider"
	"recipe-ingest/internal/core/extract"
	"recipe-ingest/internal/core/fetch"
	"recipe-ingest/internal/core/guardrail"
	"recipe-ingest/internal/core/lifecycle"
	"recipe-ingest/internal/core/patch"
	"recipe-ingest/internal/core/pipeline"
	"recipe-ingest/internal/core/prompt"
	"recipe-ingest/internal/core/search"
	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/infrastructure/config"
	infrastore "recipe-ingest/internal/infrastructure/store"
	"recipe-ingest/internal/pkg/clock"
	"recipe-ingest/internal/pkg/common"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 11, 8, 30, 0, 0, time.UTC)

const lemonURL = "https://citrus.example/lemon-bars"

const lemonPage = `<html><head><title>Lemon Bars</title>
<script type="application/ld+json">{"@context":"https://schema.org","@type":"Recipe","name":"Lemon Bars",
"description":"Bright squares with a buttery base.","recipeIngredient":["1 cup flour","2 lemons, juiced","3 eggs"],
"recipeInstructions":[{"@type":"HowToStep","text":"Press the dough into a tin."},{"@type":"HowToStep","text":"Pour over the filling and bake."}],
"totalTime":"PT45M","recipeYield":"16"}</script>
</head><body><article><h1>Lemon Bars</h1><p>Our favourite picnic dessert.</p></article></body></html>`

type staticFetcher map[string]string

func (f staticFetcher) Fetch(ctx context.Context, rawURL string) (*fetch.Result, error) {
	body, ok := f[rawURL]
	if !ok {
		return nil, common.ErrFetchFailed.WithMessage("no such page")
	}
	return &fetch.Result{
		URL:         rawURL,
		FinalURL:    rawURL,
		StatusCode:  http.StatusOK,
		ContentType: "text/html",
		Body:        []byte(body),
		Attempts:    1,
		FetchedAt:   fixedNow,
	}, nil
}

// silentModel 不應被呼叫的模型
type silentModel struct{}

func (silentModel) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return nil, errors.New("model not available in tests")
}

type fakeProvider struct{ id string }

func (p fakeProvider) ID() string { return p.id }

func (p fakeProvider) Descriptor() search.Descriptor {
	return search.Descriptor{ID: p.id, DisplayName: strings.ToUpper(p.id), Enabled: true, Capabilities: []string{search.CapabilityWeb}}
}

func (p fakeProvider) Search(ctx context.Context, req search.Request) ([]search.Candidate, error) {
	return nil, nil
}

type testApp struct {
	engine *gin.Engine
	runner *pipeline.Runner
	stores *infrastore.Stores
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	reg, err := prompt.NewDefaultRegistry()
	require.NoError(t, err)

	clk := clock.NewFake(fixedNow)
	stores := infrastore.NewMemory()
	model := silentModel{}
	guard := guardrail.New(config.GuardrailConfig{
		ShingleSize:      5,
		ContiguousWarn:   12,
		ContiguousError:  25,
		NgramWarn:        0.35,
		NgramError:       0.6,
		MinSectionTokens: 1,
		ScoreConcurrency: 2,
	}, model, reg)
	patches := patch.NewService(model, reg, clk, "fake")
	notifier := pipeline.NewNotifier(8)

	resolver := search.NewResolver(config.SearchConfig{DefaultProvider: "primary", MaxResults: 5})
	resolver.Register(fakeProvider{id: "primary"})

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Tasks:     stores.Tasks,
		Recipes:   stores.Recipes,
		Artifacts: stores.Artifacts,
		Fetcher:   staticFetcher{lemonURL: lemonPage},
		Extractor: extract.New(model, reg, config.ExtractionConfig{ContentCharBudget: 4000, MaxRepairAttempts: 2}, clk),
		Guard:     guard,
		Search:    resolver,
		Patches:   patches,
		Notifier:  notifier,
		Clock:     clk,
	})
	require.NoError(t, err)

	ctrl := lifecycle.NewController(lifecycle.Deps{
		Tasks:        stores.Tasks,
		Recipes:      stores.Recipes,
		Artifacts:    stores.Artifacts,
		Guard:        guard,
		Patches:      patches,
		Notifier:     notifier,
		Clock:        clk,
		ReviewWindow: 72 * time.Hour,
	})

	cfg := &config.Config{
		App:         config.AppConfig{Debug: true, Version: "test", Env: "test"},
		Server:      config.ServerConfig{MaxBodyBytes: 1 << 16, RequestTimeout: 5 * time.Second},
		DedupWindow: time.Second,
	}
	engine, err := SetupRouter(cfg, Services{
		Runner:    runner,
		Lifecycle: ctrl,
		Search:    resolver,
		Recipes:   stores.Recipes,
		Artifacts: stores.Artifacts,
		Storage:   stores,
		Model:     "fake",
	})
	require.NoError(t, err)
	return &testApp{engine: engine, runner: runner, stores: stores}
}

func (a *testApp) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), w.Body.String())
}

// readyTask 透過 API 建立任務並同步執行到 ReviewReady
func (a *testApp) readyTask(t *testing.T) task.Task {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/v1/ingest/tasks", `{"mode":"Url","url":"`+lemonURL+`"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var created struct {
		TaskID   string `json:"taskId"`
		ThreadID string `json:"threadId"`
		Status   string `json:"status"`
	}
	decode(t, w, &created)
	assert.Equal(t, "Pending", created.Status)
	assert.NotEmpty(t, created.ThreadID)
	assert.Equal(t, "/api/v1/ingest/tasks/"+created.TaskID, w.Header().Get("Location"))

	require.NoError(t, a.runner.Run(context.Background(), created.TaskID))

	w = a.do(t, http.MethodGet, "/api/v1/ingest/tasks/"+created.TaskID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got task.Task
	decode(t, w, &got)
	require.Equal(t, task.StatusReviewReady, got.Status)
	assert.Equal(t, `"`+got.ETag+`"`, w.Header().Get("ETag"))
	return got
}

// etagHeader 讀取任務回應中的 ETag 標頭原文
func (a *testApp) etagHeader(t *testing.T, taskID string) string {
	t.Helper()
	w := a.do(t, http.MethodGet, "/api/v1/ingest/tasks/"+taskID, "")
	require.Equal(t, http.StatusOK, w.Code)
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)
	return etag
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCreateTask_ValidationErrors(t *testing.T) {
	app := newTestApp(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"unknown mode", `{"mode":"Crawl"}`, common.ErrCodeInvalidAgentType},
		{"missing url", `{"mode":"Url"}`, common.ErrCodeMissingURL},
		{"bad url", `{"mode":"Url","url":"ftp://x.example/a"}`, common.ErrCodeInvalidURL},
		{"missing query", `{"mode":"Query"}`, common.ErrCodeMissingQuery},
		{"missing recipe", `{"mode":"Normalize"}`, common.ErrCodeMissingRecipeID},
		{"unknown provider", `{"mode":"Query","query":"soup","providerId":"nope"}`, common.ErrCodeInvalidSearchProvider},
		{"malformed json", `{"mode":`, common.ErrCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := app.do(t, http.MethodPost, "/api/v1/ingest/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp common.ErrorResponse
			decode(t, w, &resp)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestCreateTask_DuplicateRequestRejected(t *testing.T) {
	app := newTestApp(t)
	body := `{"mode":"Url","url":"` + lemonURL + `"}`

	assert.Equal(t, http.StatusAccepted, app.do(t, http.MethodPost, "/api/v1/ingest/tasks", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, app.do(t, http.MethodPost, "/api/v1/ingest/tasks", body).Code)
}

func TestGetTask_NotFound(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodGet, "/api/v1/ingest/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp common.ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, common.ErrCodeTaskNotFound, resp.Code)
}

func TestCommitFlow(t *testing.T) {
	app := newTestApp(t)
	ready := app.readyTask(t)
	path := "/api/v1/ingest/tasks/" + ready.ID + "/commit"

	// 過期的 ETag
	w := app.do(t, http.MethodPost, path, `{"etag":"stale"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	// If-Match 原樣帶回 ETag 標頭
	etag := app.etagHeader(t, ready.ID)
	assert.Equal(t, `"`+ready.ETag+`"`, etag)
	w = app.do(t, http.MethodPost, path, `{"overrides":{"name":"Sunny Lemon Bars"}}`, "If-Match", etag)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first lifecycle.CommitResult
	decode(t, w, &first)
	require.NotNil(t, first.Recipe)
	assert.True(t, first.Created)
	assert.Equal(t, "Sunny Lemon Bars", first.Recipe.Name)
	assert.Equal(t, task.StatusCommitted, first.Task.Status)

	// 重複提交回 200 與同一份食譜
	w = app.do(t, http.MethodPost, path, "")
	require.Equal(t, http.StatusOK, w.Code)
	var again lifecycle.CommitResult
	decode(t, w, &again)
	assert.False(t, again.Created)
	assert.Equal(t, first.Recipe.ID, again.Recipe.ID)

	w = app.do(t, http.MethodGet, "/api/v1/recipes/"+first.Recipe.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var stored common.Recipe
	decode(t, w, &stored)
	assert.Equal(t, "Sunny Lemon Bars", stored.Name)
	require.NotNil(t, stored.Source)
	assert.Equal(t, common.ExtractionMethodStructuredData, stored.Source.ExtractionMethod)

	// 已提交的任務不可拒絕
	w = app.do(t, http.MethodPost, "/api/v1/ingest/tasks/"+ready.ID+"/reject", `{"reason":"late"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRejectFlow(t *testing.T) {
	app := newTestApp(t)
	ready := app.readyTask(t)
	path := "/api/v1/ingest/tasks/" + ready.ID + "/reject"

	w := app.do(t, http.MethodPost, path, `{"reason":"not a recipe"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var rejected task.Task
	decode(t, w, &rejected)
	assert.Equal(t, task.StatusRejected, rejected.Status)
	assert.Equal(t, "not a recipe", rejected.Metadata[task.MetaRejectionReason])

	// 重複拒絕仍為 200
	assert.Equal(t, http.StatusOK, app.do(t, http.MethodPost, path, `{"reason":"again"}`).Code)

	// 已拒絕的任務不可提交
	w = app.do(t, http.MethodPost, "/api/v1/ingest/tasks/"+ready.ID+"/commit", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp common.ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, common.ErrCodeTaskRejected, resp.Code)

	assert.Equal(t, http.StatusNotFound, app.do(t, http.MethodPost, "/api/v1/ingest/tasks/missing/reject", "").Code)
}

func TestLifecycle_EchoedETagAccepted(t *testing.T) {
	t.Run("commit with etag in body", func(t *testing.T) {
		app := newTestApp(t)
		ready := app.readyTask(t)
		body := `{"etag":` + strconv.Quote(app.etagHeader(t, ready.ID)) + `}`

		w := app.do(t, http.MethodPost, "/api/v1/ingest/tasks/"+ready.ID+"/commit", body)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.NotEqual(t, app.etagHeader(t, ready.ID), `"`+ready.ETag+`"`)
	})

	t.Run("reject with if-match", func(t *testing.T) {
		app := newTestApp(t)
		ready := app.readyTask(t)

		w := app.do(t, http.MethodPost, "/api/v1/ingest/tasks/"+ready.ID+"/reject", `{"reason":"dup"}`, "If-Match", app.etagHeader(t, ready.ID))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, app.etagHeader(t, ready.ID), w.Header().Get("ETag"))
	})

	t.Run("repair with if-match passes the etag check", func(t *testing.T) {
		app := newTestApp(t)
		ready := app.readyTask(t)

		w := app.do(t, http.MethodPost, "/api/v1/ingest/tasks/"+ready.ID+"/repair", "", "If-Match", app.etagHeader(t, ready.ID))
		var resp common.ErrorResponse
		decode(t, w, &resp)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, common.ErrCodeInvalidTaskState, resp.Code)

		w = app.do(t, http.MethodPost, "/api/v1/ingest/tasks/"+ready.ID+"/repair", "", "If-Match", `"stale"`)
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

// normalizeTask 寫入一個帶兩個修補建議的正規化任務
func (a *testApp) normalizeTask(t *testing.T) (recipeID, taskID string) {
	t.Helper()
	ctx := context.Background()
	recipe := &common.Recipe{
		ID:           "r-lemon",
		Name:         "lemon bars",
		Ingredients:  []common.Ingredient{{Name: "flour"}},
		Instructions: []common.InstructionStep{{Order: 1, Text: "Bake."}},
		Tags:         []string{"dessert"},
		CreatedAt:    fixedNow,
		UpdatedAt:    fixedNow,
	}
	require.NoError(t, a.stores.Recipes.Save(ctx, recipe))

	tk := task.New(task.ModeNormalize, task.Payload{RecipeID: recipe.ID}, fixedNow)
	require.NoError(t, tk.Transition(task.StatusRunning, fixedNow))
	require.NoError(t, tk.Transition(task.StatusReviewReady, fixedNow))
	tk.Result = &task.Result{Normalize: &patch.Response{
		RecipeID: recipe.ID,
		Patches: []patch.Operation{
			{Op: patch.OpReplace, Path: "/name", Value: "Lemon Bars", RiskCategory: patch.RiskLow},
			{Op: patch.OpRemove, Path: "/tags/0", RiskCategory: patch.RiskHigh},
		},
	}}
	require.NoError(t, a.stores.Tasks.Create(ctx, tk))
	return recipe.ID, tk.ID
}

func TestApplyPatches_RiskFilterCaseInsensitive(t *testing.T) {
	app := newTestApp(t)
	recipeID, taskID := app.normalizeTask(t)
	path := "/api/v1/recipes/" + recipeID + "/patches/apply"

	w := app.do(t, http.MethodPost, path, `{"taskId":"`+taskID+`","filter":{"maxRisk":"lo"}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var bad common.ErrorResponse
	decode(t, w, &bad)
	assert.Equal(t, common.ErrCodeInvalidRequest, bad.Code)

	w = app.do(t, http.MethodPost, path, `{"taskId":"`+taskID+`","filter":{"maxRisk":"low"}}`, "If-Match", app.etagHeader(t, taskID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res lifecycle.PatchResult
	decode(t, w, &res)
	assert.Equal(t, 1, res.Result.AppliedCount)
	assert.Equal(t, 1, res.Result.Skipped)

	w = app.do(t, http.MethodGet, "/api/v1/recipes/"+recipeID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var stored common.Recipe
	decode(t, w, &stored)
	assert.Equal(t, "Lemon Bars", stored.Name)
	assert.Equal(t, []string{"dessert"}, stored.Tags)
}

func TestArtifacts(t *testing.T) {
	app := newTestApp(t)
	ready := app.readyTask(t)

	w := app.do(t, http.MethodGet, "/api/v1/ingest/tasks/"+ready.ID+"/artifacts", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		TaskID    string             `json:"taskId"`
		Artifacts []task.ArtifactRef `json:"artifacts"`
	}
	decode(t, w, &list)
	assert.Equal(t, ready.ID, list.TaskID)
	require.NotEmpty(t, list.Artifacts)

	kinds := map[task.ArtifactKind]bool{}
	for _, ref := range list.Artifacts {
		kinds[ref.Kind] = true
	}
	assert.True(t, kinds[task.ArtifactRawSnapshot])
	assert.True(t, kinds[task.ArtifactDraftJSON])

	w = app.do(t, http.MethodGet, "/api/v1/ingest/tasks/"+ready.ID+"/artifacts/raw.html", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Lemon Bars")

	w = app.do(t, http.MethodGet, "/api/v1/ingest/tasks/"+ready.ID+"/artifacts/nope.json", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEvents_SettledTaskSendsSnapshot(t *testing.T) {
	app := newTestApp(t)
	ready := app.readyTask(t)

	w := app.do(t, http.MethodGet, "/api/v1/ingest/tasks/"+ready.ID+"/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, w.Body.String(), "event:progress")
	assert.Contains(t, w.Body.String(), `"status":"ReviewReady"`)
	assert.Contains(t, w.Body.String(), `"progress":100`)
}

func TestSearchProviders(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodGet, "/api/v1/search/providers", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		DefaultProviderID string              `json:"defaultProviderId"`
		Providers         []search.Descriptor `json:"providers"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "primary", resp.DefaultProviderID)

	var found bool
	for _, d := range resp.Providers {
		if d.ID == "primary" {
			found = true
			assert.True(t, d.IsDefault)
			assert.True(t, d.Enabled)
		}
	}
	assert.True(t, found)
}

func TestRecipeNotFound(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodGet, "/api/v1/recipes/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp common.ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, common.ErrCodeRecipeNotFound, resp.Code)

	w = app.do(t, http.MethodPost, "/api/v1/recipes/unknown/patches/apply", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"test"`)

	w = app.do(t, http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"storage":"ok"`)

	assert.Equal(t, http.StatusOK, app.do(t, http.MethodGet, "/live", "").Code)
}
