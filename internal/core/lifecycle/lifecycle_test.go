package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"recipe-ingest/internal/core/ai/provider"
	"recipe-ingest/internal/core/guardrail"
	"recipe-ingest/internal/core/patch"
	"recipe-ingest/internal/core/prompt"
	"recipe-ingest/internal/core/store"
	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/infrastructure/config"
	infrastore "recipe-ingest/internal/infrastructure/store"
	"recipe-ingest/internal/pkg/clock"
	"recipe-ingest/internal/pkg/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

const window = 72 * time.Hour

type fakeCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Response{Content: f.reply, Model: "fake"}, nil
}

type fixture struct {
	ctrl      *Controller
	stores    *infrastore.Stores
	clock     *clock.Fake
	completer *fakeCompleter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := prompt.NewDefaultRegistry()
	require.NoError(t, err)
	clk := clock.NewFake(start)
	completer := &fakeCompleter{}
	stores := infrastore.NewMemory()
	guard := guardrail.New(config.GuardrailConfig{
		ShingleSize:      5,
		ContiguousWarn:   12,
		ContiguousError:  25,
		NgramWarn:        0.35,
		NgramError:       0.6,
		AutoRepair:       true,
		MinSectionTokens: 1,
	}, completer, reg)

	ctrl := NewController(Deps{
		Tasks:        stores.Tasks,
		Recipes:      stores.Recipes,
		Artifacts:    stores.Artifacts,
		Guard:        guard,
		Patches:      patch.NewService(completer, reg, clk, "fake"),
		Clock:        clk,
		ReviewWindow: window,
	})
	return &fixture{ctrl: ctrl, stores: stores, clock: clk, completer: completer}
}

func qty(v float64) *float64 { return &v }

func sampleDraft(url string) *task.Draft {
	return &task.Draft{
		Recipe: &common.Recipe{
			Name:         "Lemon Bars",
			Description:  "Bright squares.",
			Ingredients:  []common.Ingredient{{Name: "flour", Quantity: qty(1), Unit: "cup"}},
			Instructions: []common.InstructionStep{{Order: 1, Text: "Bake until set."}},
			Servings:     "16",
			Timing:       common.Timing{TotalMinutes: 45},
		},
		Source: common.RecipeSource{
			URL:              url,
			URLHash:          common.HashURL(url),
			SiteName:         "citrus.example",
			RetrievedAt:      start,
			ExtractionMethod: common.ExtractionMethodStructuredData,
		},
	}
}

// reviewReady 直接寫入一個 ReviewReady 任務
func (f *fixture) reviewReady(t *testing.T, mode task.Mode, result *task.Result) *task.Task {
	t.Helper()
	tk := task.New(mode, task.Payload{URL: "https://citrus.example/lemon-bars"}, f.clock.Now())
	require.NoError(t, tk.Transition(task.StatusRunning, f.clock.Now()))
	require.NoError(t, tk.Transition(task.StatusReviewReady, f.clock.Now()))
	tk.Result = result
	if mode == task.ModeNormalize {
		tk.Payload = task.Payload{RecipeID: "r-1"}
	}
	require.NoError(t, f.stores.Tasks.Create(context.Background(), tk))
	return tk
}

func (f *fixture) draftTask(t *testing.T) *task.Task {
	return f.reviewReady(t, task.ModeURL, &task.Result{Draft: sampleDraft("https://citrus.example/lemon-bars")})
}

func (f *fixture) recipeCount(t *testing.T, urlHash string) bool {
	_, err := f.stores.Recipes.FindByURLHash(context.Background(), urlHash)
	return err == nil
}

func TestCommit_CreatesRecipeThenIsIdempotent(t *testing.T) {
	f := newFixture(t)
	tk := f.draftTask(t)
	name := "Sunny Lemon Bars"

	first, err := f.ctrl.Commit(context.Background(), tk.ID, CommitRequest{
		ETag:      tk.ETag,
		Overrides: &Overrides{Name: &name, Tags: []string{"citrus"}},
	})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.NotEmpty(t, first.Recipe.ID)
	assert.Equal(t, "Sunny Lemon Bars", first.Recipe.Name)
	assert.Equal(t, []string{"citrus"}, first.Recipe.Tags)
	assert.Equal(t, start, first.Recipe.CreatedAt)
	require.NotNil(t, first.Recipe.Source)
	assert.Equal(t, common.ExtractionMethodStructuredData, first.Recipe.Source.ExtractionMethod)
	assert.Empty(t, first.Warnings)
	assert.Equal(t, task.StatusCommitted, first.Task.Status)
	assert.Equal(t, first.Recipe.ID, first.Task.Metadata[task.MetaCommittedRecipeID])

	second, err := f.ctrl.Commit(context.Background(), tk.ID, CommitRequest{ETag: "whatever"})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Recipe.ID, second.Recipe.ID)

	stored, err := f.stores.Recipes.FindByURLHash(context.Background(), common.HashURL("https://citrus.example/lemon-bars"))
	require.NoError(t, err)
	assert.Equal(t, first.Recipe.ID, stored.ID)
}

func TestCommit_StaleETagLeavesRecipesUnchanged(t *testing.T) {
	f := newFixture(t)
	tk := f.draftTask(t)

	_, err := f.ctrl.Commit(context.Background(), tk.ID, CommitRequest{ETag: "stale"})
	require.Error(t, err)
	assert.Equal(t, common.ErrCodeETagMismatch, common.ErrorCode(err))
	assert.Equal(t, 409, common.AsCustomError(err).Status)
	assert.False(t, f.recipeCount(t, tk.Draft().Source.URLHash))

	got, err := f.ctrl.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReviewReady, got.Status)
}

// racingTasks 讀取後在寫入前讓另一方先更新
type racingTasks struct {
	store.TaskStore
}

func (r racingTasks) Update(ctx context.Context, t *task.Task, expected string) error {
	return store.ErrConflict
}

func TestCommit_ConcurrentUpdateRollsBackRecipe(t *testing.T) {
	f := newFixture(t)
	tk := f.draftTask(t)
	f.ctrl.deps.Tasks = racingTasks{TaskStore: f.stores.Tasks}

	_, err := f.ctrl.Commit(context.Background(), tk.ID, CommitRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrETagMismatch))
	assert.False(t, f.recipeCount(t, tk.Draft().Source.URLHash), "recipe written before the failed CAS is removed")
}

// winningTasks 在寫入前讓另一個請求先提交同一份草稿
type winningTasks struct {
	store.TaskStore
	recipes store.RecipeStore
	winner  *common.Recipe
	now     time.Time
}

func (w winningTasks) Update(ctx context.Context, t *task.Task, expected string) error {
	other, err := w.TaskStore.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	prev := other.ETag
	if err := other.Transition(task.StatusCommitted, w.now); err != nil {
		return err
	}
	other.SetMeta(task.MetaCommittedRecipeID, w.winner.ID)
	if err := w.recipes.Save(ctx, w.winner); err != nil {
		return err
	}
	if err := w.TaskStore.Update(ctx, other, prev); err != nil {
		return err
	}
	return store.ErrConflict
}

func TestCommit_ConcurrentDuplicateReturnsWinner(t *testing.T) {
	f := newFixture(t)
	tk := f.draftTask(t)
	winner := tk.Draft().Recipe.Clone()
	winner.ID = "winner-recipe"
	f.ctrl.deps.Tasks = winningTasks{TaskStore: f.stores.Tasks, recipes: f.stores.Recipes, winner: winner, now: f.clock.Now()}

	res, err := f.ctrl.Commit(context.Background(), tk.ID, CommitRequest{ETag: tk.ETag})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "winner-recipe", res.Recipe.ID)
	assert.Equal(t, task.StatusCommitted, res.Task.Status)

	_, err = f.stores.Recipes.Get(context.Background(), "winner-recipe")
	require.NoError(t, err)
}

func TestCommit_ExpiredBeatsStaleETag(t *testing.T) {
	f := newFixture(t)
	tk := f.draftTask(t)
	f.clock.Advance(window + time.Minute)

	_, err := f.ctrl.Commit(context.Background(), tk.ID, CommitRequest{ETag: "stale"})
	require.Error(t, err)
	assert.Equal(t, common.ErrCodeDraftExpired, common.ErrorCode(err))
	assert.Equal(t, 410, common.AsCustomError(err).Status)

	got, err := f.ctrl.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExpired, got.Status)

	_, err = f.ctrl.Repair(context.Background(), tk.ID, "stale")
	assert.Equal(t, common.ErrCodeDraftExpired, common.ErrorCode(err))
}

func TestCommit_ExpiredWindow(t *testing.T) {
	f := newFixture(t)
	tk := f.draftTask(t)
	f.clock.Advance(window + time.Minute)

	_, err := f.ctrl.Commit(context.Background(), tk.ID, CommitRequest{})
	require.Error(t, err)
	assert.Equal(t, common.ErrCodeDraftExpired, common.ErrorCode(err))
	assert.Equal(t, 410, common.AsCustomError(err).Status)

	got, err := f.ctrl.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExpired, got.Status)
	assert.NotEmpty(t, got.Metadata[task.MetaExpiredAt])

	_, err = f.ctrl.Commit(context.Background(), tk.ID, CommitRequest{})
	assert.Equal(t, common.ErrCodeDraftExpired, common.ErrorCode(err))
}

func TestCommit_DraftStates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *task.Draft)
		code   string
	}{
		{"guardrail blocked", func(d *task.Draft) { d.Blocked = true }, common.ErrCodeGuardrailBlocked},
		{"validation errors", func(d *task.Draft) { d.Validation.AddError("name is required") }, common.ErrCodeValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			d := sampleDraft("https://citrus.example/lemon-bars")
			tt.mutate(d)
			tk := f.reviewReady(t, task.ModeURL, &task.Result{Draft: d})

			_, err := f.ctrl.Commit(context.Background(), tk.ID, CommitRequest{})
			assert.Equal(t, tt.code, common.ErrorCode(err))
		})
	}

	f := newFixture(t)
	tk := f.draftTask(t)
	empty := ""
	_, err := f.ctrl.Commit(context.Background(), tk.ID, CommitRequest{Overrides: &Overrides{Name: &empty}})
	assert.Equal(t, common.ErrCodeValidationFailed, common.ErrorCode(err))
}

func TestCommit_DuplicateSourceWarns(t *testing.T) {
	f := newFixture(t)
	first := f.draftTask(t)
	res, err := f.ctrl.Commit(context.Background(), first.ID, CommitRequest{})
	require.NoError(t, err)

	second := f.draftTask(t)
	dup, err := f.ctrl.Commit(context.Background(), second.ID, CommitRequest{})
	require.NoError(t, err)
	assert.True(t, dup.Created)
	assert.NotEqual(t, res.Recipe.ID, dup.Recipe.ID)
	require.Len(t, dup.Warnings, 1)
	assert.Contains(t, dup.Warnings[0], WarningDuplicateSource)
	assert.Contains(t, dup.Warnings[0], res.Recipe.ID)
}

func TestCommit_UnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.Commit(context.Background(), "nope", CommitRequest{})
	assert.Equal(t, common.ErrCodeTaskNotFound, common.ErrorCode(err))
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	tk := f.draftTask(t)

	got, err := f.ctrl.Reject(context.Background(), tk.ID, RejectRequest{Reason: "copied"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusRejected, got.Status)
	assert.Equal(t, "copied", got.Metadata[task.MetaRejectionReason])

	again, err := f.ctrl.Reject(context.Background(), tk.ID, RejectRequest{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusRejected, again.Status)

	_, err = f.ctrl.Commit(context.Background(), tk.ID, CommitRequest{})
	assert.Equal(t, common.ErrCodeTaskRejected, common.ErrorCode(err))
	assert.Equal(t, 400, common.AsCustomError(err).Status)

	committed := f.draftTask(t)
	_, err = f.ctrl.Commit(context.Background(), committed.ID, CommitRequest{})
	require.NoError(t, err)
	_, err = f.ctrl.Reject(context.Background(), committed.ID, RejectRequest{})
	assert.Equal(t, common.ErrCodeInvalidTaskState, common.ErrorCode(err))

	_, err = f.ctrl.Reject(context.Background(), "nope", RejectRequest{})
	assert.Equal(t, 404, common.AsCustomError(err).Status)
}

const copiedSentence = "Heat the olive oil in a heavy pan over medium heat until it shimmers, then add the sliced onions " +
	"and cook them slowly for twenty minutes, stirring often, until they turn deep golden brown and sweet."

func (f *fixture) blockedTask(t *testing.T) *task.Task {
	t.Helper()
	d := sampleDraft("https://onions.example/slow")
	d.Recipe.Instructions[0].Text = copiedSentence
	d.Blocked = true
	path := store.ArtifactPath("seed", "sanitized.md")
	require.NoError(t, f.stores.Artifacts.Put(context.Background(), path, []byte(copiedSentence)))
	d.AddArtifact(task.ArtifactRef{Kind: task.ArtifactSanitizedText, Path: path})
	return f.reviewReady(t, task.ModeURL, &task.Result{Draft: d})
}

func TestRepair_ManualRepairUnblocks(t *testing.T) {
	f := newFixture(t)
	tk := f.blockedTask(t)
	f.completer.reply = `{"passages":[{"section":"instructions[0]","text":"Warm oil gently, add onion slices and let them caramelise for 20 minutes."}]}`

	res, err := f.ctrl.Repair(context.Background(), tk.ID, tk.ETag)
	require.NoError(t, err)
	assert.False(t, res.Outcome.Blocked)
	assert.False(t, res.Task.Draft().Blocked)
	assert.True(t, res.Task.Draft().Validation.IsValid())
	assert.Equal(t, "1", res.Task.Metadata[task.MetaManualRepairs])
	assert.NotEqual(t, tk.ETag, res.Task.ETag)

	commit, err := f.ctrl.Commit(context.Background(), tk.ID, CommitRequest{ETag: res.Task.ETag})
	require.NoError(t, err)
	assert.Contains(t, commit.Recipe.Instructions[0].Text, "caramelise")
}

func TestRepair_Errors(t *testing.T) {
	f := newFixture(t)
	clean := f.draftTask(t)
	path := store.ArtifactPath(clean.ID, "sanitized.md")
	require.NoError(t, f.stores.Artifacts.Put(context.Background(), path, []byte("unrelated page")))

	_, err := f.ctrl.Repair(context.Background(), clean.ID, "")
	assert.Equal(t, common.ErrCodeInvalidTaskState, common.ErrorCode(err), "no sanitized text artifact")

	blocked := f.blockedTask(t)
	_, err = f.ctrl.Repair(context.Background(), blocked.ID, "stale")
	assert.Equal(t, common.ErrCodeETagMismatch, common.ErrorCode(err))
}

func TestSweepOnce_ExpiresOverdueDrafts(t *testing.T) {
	f := newFixture(t)
	old := f.draftTask(t)
	f.clock.Advance(48 * time.Hour)
	fresh := f.draftTask(t)
	f.clock.Advance(25 * time.Hour)

	sw := NewSweeper(f.ctrl, config.LifecycleConfig{SweepBatch: 1})
	n, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.ctrl.Get(context.Background(), old.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExpired, got.Status)

	still, err := f.ctrl.Get(context.Background(), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReviewReady, still.Status)

	_, err = f.ctrl.Commit(context.Background(), old.ID, CommitRequest{})
	assert.Equal(t, 410, common.AsCustomError(err).Status)

	n, err = sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "a second sweep finds nothing new")
}

func TestSweepOnce_ProcessesAllBatches(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.draftTask(t)
	}
	f.clock.Advance(window + time.Hour)

	n, err := NewSweeper(f.ctrl, config.LifecycleConfig{SweepBatch: 2}).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSweepOnce_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.draftTask(t)
	f.clock.Advance(window + time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := NewSweeper(f.ctrl, config.LifecycleConfig{}).SweepOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}

func (f *fixture) normalizeTask(t *testing.T) *task.Task {
	t.Helper()
	require.NoError(t, f.stores.Recipes.Save(context.Background(), &common.Recipe{
		ID:           "r-1",
		Name:         "lemon bars",
		Ingredients:  []common.Ingredient{{Name: "flour", Unit: "cups"}},
		Instructions: []common.InstructionStep{{Order: 1, Text: "Bake."}},
		CreatedAt:    start,
		UpdatedAt:    start,
	}))
	return f.reviewReady(t, task.ModeNormalize, &task.Result{Normalize: &patch.Response{
		RecipeID: "r-1",
		Patches: []patch.Operation{
			{Op: patch.OpReplace, Path: "/name", Value: "Lemon Bars", RiskCategory: patch.RiskLow, OriginalValue: "lemon bars"},
			{Op: patch.OpReplace, Path: "/ingredients/0/unit", Value: "cup", RiskCategory: patch.RiskMedium, OriginalValue: "cups"},
			{Op: patch.OpReplace, Path: "/ingredients/5/unit", Value: "g", RiskCategory: patch.RiskLow},
		},
	}})
}

func TestApplyPatches(t *testing.T) {
	f := newFixture(t)
	tk := f.normalizeTask(t)
	f.clock.Advance(time.Hour)

	res, err := f.ctrl.ApplyPatches(context.Background(), "r-1", PatchRequest{
		TaskID: tk.ID,
		Filter: patch.Filter{MaxRisk: patch.RiskLow},
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1, res.Result.AppliedCount)
	assert.Equal(t, 1, res.Result.FailedCount)
	assert.Equal(t, 1, res.Result.Skipped)
	assert.Equal(t, task.StatusCommitted, res.Task.Status)

	stored, err := f.stores.Recipes.Get(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, "Lemon Bars", stored.Name)
	assert.Equal(t, "cups", stored.Ingredients[0].Unit)
	assert.Equal(t, start.Add(time.Hour), stored.UpdatedAt)

	again, err := f.ctrl.ApplyPatches(context.Background(), "r-1", PatchRequest{TaskID: tk.ID})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, 1, again.Result.AppliedCount)
}

func TestApplyPatches_ZeroSelectedIsSuccess(t *testing.T) {
	f := newFixture(t)
	tk := f.normalizeTask(t)

	res, err := f.ctrl.ApplyPatches(context.Background(), "r-1", PatchRequest{
		TaskID: tk.ID,
		Filter: patch.Filter{Indices: []int{42}},
	})
	require.NoError(t, err)
	assert.Zero(t, res.Result.AppliedCount)
	assert.Equal(t, 3, res.Result.Skipped)

	stored, err := f.stores.Recipes.Get(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, "lemon bars", stored.Name)
}

func TestPatches_WrongTaskOrRecipe(t *testing.T) {
	f := newFixture(t)
	draft := f.draftTask(t)
	_, err := f.ctrl.ApplyPatches(context.Background(), "r-1", PatchRequest{TaskID: draft.ID})
	assert.Equal(t, common.ErrCodeInvalidTaskState, common.ErrorCode(err))

	tk := f.normalizeTask(t)
	_, err = f.ctrl.ApplyPatches(context.Background(), "r-2", PatchRequest{TaskID: tk.ID})
	assert.Equal(t, common.ErrCodeInvalidRequest, common.ErrorCode(err))

	rejected, err := f.ctrl.RejectPatches(context.Background(), "r-1", tk.ID, RejectRequest{Reason: "not needed"})
	require.NoError(t, err)
	assert.Equal(t, task.StatusRejected, rejected.Status)

	_, err = f.ctrl.ApplyPatches(context.Background(), "r-1", PatchRequest{TaskID: tk.ID})
	assert.Equal(t, common.ErrCodeTaskRejected, common.ErrorCode(err))
}
