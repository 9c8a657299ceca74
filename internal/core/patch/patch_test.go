package patch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"recipe-ingest/internal/core/ai/provider"
	"recipe-ingest/internal/core/prompt"
	"recipe-ingest/internal/pkg/clock"
	"recipe-ingest/internal/pkg/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	reply string
	err   error
}

func (f *fakeCompleter) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Response{Content: f.reply, Model: "m-test"}, nil
}

var (
	created = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	applied = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
)

func qty(v float64) *float64 { return &v }

func sampleRecipe() *common.Recipe {
	return &common.Recipe{
		ID:   "r-1",
		Name: "Pancakes",
		Ingredients: []common.Ingredient{
			{Name: "flour", Quantity: qty(2), Unit: "cups"},
			{Name: "milk", Quantity: qty(1), Unit: "cup"},
		},
		Instructions: []common.InstructionStep{{Order: 1, Text: "Mix."}, {Order: 3, Text: "Fry."}},
		Servings:     "4",
		Tags:         []string{"breakfast"},
		Source:       &common.RecipeSource{URL: "https://a.example/p", URLHash: "h"},
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func newService(t *testing.T, c provider.Completer) *Service {
	t.Helper()
	reg, err := prompt.NewDefaultRegistry()
	require.NoError(t, err)
	return NewService(c, reg, clock.NewFake(applied), "fallback-model")
}

func TestGeneratePatches_SortsByRiskAndDropsInvalid(t *testing.T) {
	reply := `{"summary":"tidy units","patches":[
		{"op":"replace","path":"/name","value":"Fluffy Pancakes","riskCategory":"High","reason":"rename"},
		{"op":"replace","path":"/ingredients/0/unit","value":"cup","riskCategory":"low","reason":"singular"},
		{"op":"replace","path":"/instructions/1/order","value":2,"riskCategory":"Medium","reason":"renumber"},
		{"op":"replace","path":"/id","value":"x","riskCategory":"Low"},
		{"op":"move","path":"/tags","value":1,"riskCategory":"Low"},
		{"op":"replace","path":"/nothing/here","value":1,"riskCategory":"Low"},
		{"op":"add","path":"/tags/-","value":"easy","riskCategory":"bogus"}
	]}`
	svc := newService(t, &fakeCompleter{reply: reply})

	resp, fellBack, err := svc.GeneratePatches(context.Background(), sampleRecipe(), "")
	require.NoError(t, err)
	assert.False(t, fellBack)

	require.Len(t, resp.Patches, 4)
	var risks []Risk
	for _, p := range resp.Patches {
		risks = append(risks, p.RiskCategory)
	}
	assert.Equal(t, []Risk{RiskLow, RiskMedium, RiskHigh, RiskHigh}, risks)
	assert.Equal(t, "/ingredients/0/unit", resp.Patches[0].Path)
	assert.Equal(t, "cups", resp.Patches[0].OriginalValue)
	assert.Equal(t, "/tags/-", resp.Patches[3].Path, "unknown risk ranks as high and keeps its relative order")
	assert.Equal(t, "r-1", resp.RecipeID)
	assert.Equal(t, "tidy units", resp.Summary)
	assert.Equal(t, "m-test", resp.Model)
	assert.Equal(t, "normalize.v1", resp.PromptID)
	assert.Equal(t, applied, resp.GeneratedAt)
}

func TestGeneratePatches_Errors(t *testing.T) {
	svc := newService(t, &fakeCompleter{reply: "not json"})
	_, _, err := svc.GeneratePatches(context.Background(), sampleRecipe(), "")
	assert.Equal(t, common.ErrCodePatchGeneration, common.ErrorCode(err))

	svc = newService(t, &fakeCompleter{err: errors.New("down")})
	_, _, err = svc.GeneratePatches(context.Background(), sampleRecipe(), "")
	assert.Equal(t, common.ErrCodePatchGeneration, common.ErrorCode(err))

	svc = newService(t, nil)
	_, _, err = svc.GeneratePatches(context.Background(), sampleRecipe(), "")
	assert.Equal(t, common.ErrCodeLLMUnavailable, common.ErrorCode(err))
}

func TestApplyPatches_PartialFailure(t *testing.T) {
	recipe := sampleRecipe()
	ops := []Operation{
		{Op: OpReplace, Path: "/ingredients/0/unit", Value: "cup", OriginalValue: "cups", RiskCategory: RiskLow},
		{Op: OpReplace, Path: "/servings", Value: 4, RiskCategory: RiskLow},
		{Op: OpReplace, Path: "/ingredients/9/unit", Value: "g", RiskCategory: RiskLow},
		{Op: OpAdd, Path: "/tags/-", Value: "quick", RiskCategory: RiskLow},
		{Op: OpReplace, Path: "/instructions/1/order", Value: 2, RiskCategory: RiskMedium},
		{Op: OpAdd, Path: "/calories", Value: 300, RiskCategory: RiskLow},
		{Op: OpReplace, Path: "/source/url", Value: "https://evil.example", RiskCategory: RiskLow},
	}

	result, err := ApplyPatches(recipe, indexAll(ops), applied)
	require.NoError(t, err)

	assert.Equal(t, 3, result.AppliedCount)
	assert.Equal(t, 4, result.FailedCount)
	var failedIdx []int
	for _, f := range result.Failed {
		failedIdx = append(failedIdx, f.Index)
		assert.NotEmpty(t, f.Message)
	}
	assert.Equal(t, []int{1, 2, 5, 6}, failedIdx)

	got := result.Recipe
	assert.Equal(t, "cup", got.Ingredients[0].Unit)
	assert.Equal(t, []string{"breakfast", "quick"}, got.Tags)
	assert.Equal(t, 2, got.Instructions[1].Order)
	assert.Equal(t, "4", got.Servings)
	assert.Equal(t, "https://a.example/p", got.Source.URL)
	assert.Equal(t, "r-1", got.ID)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, applied, got.UpdatedAt)

	assert.Equal(t, "cups", recipe.Ingredients[0].Unit, "input recipe is not mutated")
}

func TestApplyPatches_StaleOriginalValue(t *testing.T) {
	ops := []Operation{{Op: OpReplace, Path: "/name", Value: "Crepes", OriginalValue: "Waffles"}}

	result, err := ApplyPatches(sampleRecipe(), indexAll(ops), applied)
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Contains(t, result.Failed[0].Message, "no longer matches")
	assert.Equal(t, "Pancakes", result.Recipe.Name)
	assert.Equal(t, created, result.Recipe.UpdatedAt)
}

func TestApplyPatches_LaterOpsSeeEarlierChanges(t *testing.T) {
	ops := []Operation{
		{Op: OpRemove, Path: "/ingredients/0"},
		{Op: OpReplace, Path: "/ingredients/0/name", Value: "oat milk", OriginalValue: "milk"},
	}
	result, err := ApplyPatches(sampleRecipe(), indexAll(ops), applied)
	require.NoError(t, err)
	assert.Equal(t, 2, result.AppliedCount)
	require.Len(t, result.Recipe.Ingredients, 1)
	assert.Equal(t, "oat milk", result.Recipe.Ingredients[0].Name)
}

func TestService_ApplyWithFilter(t *testing.T) {
	svc := newService(t, nil)
	ops := []Operation{
		{Op: OpReplace, Path: "/name", Value: "A", RiskCategory: RiskLow},
		{Op: OpReplace, Path: "/servings", Value: "6", RiskCategory: RiskMedium},
		{Op: OpAdd, Path: "/tags/-", Value: "x", RiskCategory: RiskHigh},
	}

	tests := []struct {
		name         string
		filter       Filter
		appliedCount int
		skipped      int
	}{
		{"no filter", Filter{}, 3, 0},
		{"max risk low", Filter{MaxRisk: RiskLow}, 1, 2},
		{"max risk medium", Filter{MaxRisk: RiskMedium}, 2, 1},
		{"indices", Filter{Indices: []int{2}}, 1, 2},
		{"indices and risk exclude all", Filter{Indices: []int{2}, MaxRisk: RiskLow}, 0, 3},
		{"out of range index", Filter{Indices: []int{42}}, 0, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recipe := sampleRecipe()
			result, err := svc.Apply(recipe, ops, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.appliedCount, result.AppliedCount)
			assert.Equal(t, tt.skipped, result.Skipped)
			assert.Zero(t, result.FailedCount)
			if tt.appliedCount == 0 {
				assert.Equal(t, created, result.Recipe.UpdatedAt)
				assert.Equal(t, recipe.Name, result.Recipe.Name)
			}
		})
	}
}

func TestFilter_RiskCaseVariants(t *testing.T) {
	svc := newService(t, nil)
	ops := []Operation{
		{Op: OpReplace, Path: "/name", Value: "A", RiskCategory: RiskLow},
		{Op: OpAdd, Path: "/tags/-", Value: "x", RiskCategory: RiskHigh},
	}

	for _, raw := range []string{`{"maxRisk":"low"}`, `{"maxRisk":"LOW"}`, `{"maxRisk":" Low"}`} {
		t.Run(raw, func(t *testing.T) {
			var f Filter
			err := json.Unmarshal([]byte(raw), &f)
			if raw == `{"maxRisk":" Low"}` {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, RiskLow, f.MaxRisk)

			result, err := svc.Apply(sampleRecipe(), ops, f)
			require.NoError(t, err)
			assert.Equal(t, 1, result.AppliedCount)
			assert.Equal(t, 1, result.Skipped)
		})
	}

	var f Filter
	assert.Error(t, json.Unmarshal([]byte(`{"maxRisk":"lo"}`), &f))

	// 直接建立的未知上限不可放行高風險操作
	_, err := svc.Apply(sampleRecipe(), ops, Filter{MaxRisk: "lo"})
	assert.Error(t, err)
	selected, skipped := Filter{MaxRisk: "lo"}.Select(ops)
	require.Len(t, selected, 1)
	assert.Equal(t, RiskLow, selected[0].Operation.RiskCategory)
	assert.Equal(t, 1, skipped)
}

func TestValidatePatches(t *testing.T) {
	ops := []Operation{
		{Op: OpReplace, Path: "/name", Value: "ok"},
		{Op: "copy", Path: "/name", Value: "x"},
		{Op: OpReplace, Path: "name", Value: "x"},
		{Op: OpReplace, Path: "/createdAt", Value: "x"},
		{Op: OpAdd, Path: "/tags/-"},
		{Op: OpRemove, Path: "/missing"},
	}
	failures, err := ValidatePatches(sampleRecipe(), ops)
	require.NoError(t, err)

	var idx []int
	for _, f := range failures {
		idx = append(idx, f.Index)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, idx)
}

func TestLookup(t *testing.T) {
	doc := map[string]interface{}{
		"a/b": 1.0,
		"list": []interface{}{
			map[string]interface{}{"x": "y"},
		},
	}
	v, ok := Lookup(doc, "/list/0/x")
	assert.True(t, ok)
	assert.Equal(t, "y", v)

	v, ok = Lookup(doc, "/a~1b")
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)

	_, ok = Lookup(doc, "/list/1")
	assert.False(t, ok)
	_, ok = Lookup(doc, "/list/x")
	assert.False(t, ok)
}

func indexAll(ops []Operation) []Indexed {
	out := make([]Indexed, len(ops))
	for i, op := range ops {
		out[i] = Indexed{Index: i, Operation: op}
	}
	return out
}
