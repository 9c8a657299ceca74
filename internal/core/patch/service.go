// Package patch 產生、驗證並套用食譜正規化的 JSON Patch 建議
package patch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"recipe-ingest/internal/core/ai/provider"
	"recipe-ingest/internal/core/prompt"
	"recipe-ingest/internal/pkg/clock"
	"recipe-ingest/internal/pkg/common"

	"go.uber.org/zap"
)

// Service 正規化修補服務
type Service struct {
	completer provider.Completer
	prompts   *prompt.Registry
	clock     clock.Clock
	model     string
}

// NewService 創建修補服務
func NewService(completer provider.Completer, prompts *prompt.Registry, clk clock.Clock, model string) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{completer: completer, prompts: prompts, clock: clk, model: model}
}

type modelOperation struct {
	Op           string      `json:"op"`
	Path         string      `json:"path"`
	Value        interface{} `json:"value"`
	RiskCategory string      `json:"riskCategory"`
	Reason       string      `json:"reason"`
}

type modelReply struct {
	Summary string           `json:"summary"`
	Patches []modelOperation `json:"patches"`
}

// GeneratePatches 請模型建議修補，去除不合格的操作並依風險由低到高排序
func (s *Service) GeneratePatches(ctx context.Context, recipe *common.Recipe, promptID string) (*Response, bool, error) {
	if s.completer == nil {
		return nil, false, common.ErrLLMUnavailable.WithMessage("no language model configured")
	}

	tpl, fellBack, err := s.prompts.Resolve(prompt.PhaseNormalize, promptID)
	if err != nil {
		return nil, false, common.ErrPatchGeneration.Wrap(err)
	}
	doc, err := json.MarshalIndent(recipe, "", "  ")
	if err != nil {
		return nil, false, common.ErrPatchGeneration.Wrap(err)
	}
	rendered, err := tpl.Render(struct{ Recipe string }{Recipe: string(doc)})
	if err != nil {
		return nil, false, common.ErrPatchGeneration.Wrap(err)
	}

	req := provider.NewUserRequest(rendered.System, rendered.User)
	req.JSONMode = true
	resp, err := s.completer.Complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, common.ErrPatchGeneration.Wrap(err)
	}

	var reply modelReply
	if err := common.ParseModelJSON(resp.Content, &reply); err != nil {
		return nil, false, common.ErrPatchGeneration.Wrap(fmt.Errorf("unparseable model reply: %w", err))
	}

	current, err := toDocument(recipe)
	if err != nil {
		return nil, false, common.ErrPatchGeneration.Wrap(err)
	}

	ops := make([]Operation, 0, len(reply.Patches))
	dropped := 0
	for _, mo := range reply.Patches {
		risk, ok := ParseRisk(mo.RiskCategory)
		if !ok {
			risk = RiskHigh
		}
		op := Operation{
			Op:           mo.Op,
			Path:         mo.Path,
			Value:        mo.Value,
			RiskCategory: risk,
			Reason:       mo.Reason,
		}
		if err := checkOperation(current, op); err != nil {
			dropped++
			common.LogDebug("略過不合格的修補建議", zap.String("path", mo.Path), zap.Error(err))
			continue
		}
		if op.Op == OpReplace || op.Op == OpRemove {
			op.OriginalValue, _ = Lookup(current, op.Path)
		}
		ops = append(ops, op)
	}
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].RiskCategory.Rank() < ops[j].RiskCategory.Rank()
	})

	if dropped > 0 {
		common.LogInfo("已略過不合格的修補建議",
			zap.String("recipe_id", recipe.ID),
			zap.Int("dropped", dropped),
			zap.Int("kept", len(ops)),
		)
	}

	model := resp.Model
	if model == "" {
		model = s.model
	}
	return &Response{
		RecipeID:    recipe.ID,
		Patches:     ops,
		Summary:     reply.Summary,
		Model:       model,
		PromptID:    rendered.PromptID,
		GeneratedAt: s.clock.Now(),
	}, fellBack, nil
}

// Apply 依篩選條件套用修補；篩選後沒有操作時視為成功
func (s *Service) Apply(recipe *common.Recipe, ops []Operation, filter Filter) (*ApplyResult, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	selected, skipped := filter.Select(ops)
	result, err := ApplyPatches(recipe, selected, s.clock.Now())
	if err != nil {
		return nil, err
	}
	result.Skipped = skipped
	return result, nil
}
