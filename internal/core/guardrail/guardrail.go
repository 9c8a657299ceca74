// Package guardrail 驗證草稿並以相似度門檻防止逐字轉載來源文字
package guardrail

import (
	"context"
	"fmt"

	"recipe-ingest/internal/core/ai/provider"
	"recipe-ingest/internal/core/prompt"
	"recipe-ingest/internal/core/similarity"
	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/infrastructure/config"
	"recipe-ingest/internal/pkg/common"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// 段落名稱
const (
	SectionDescription = "description"
	sectionInstruction = "instructions[%d]"
)

// Guard 相似度防護與草稿驗證
type Guard struct {
	detector  *similarity.Detector
	completer provider.Completer
	prompts   *prompt.Registry
	cfg       config.GuardrailConfig
}

// New 創建防護；completer 為 nil 時不做自動修復
func New(cfg config.GuardrailConfig, completer provider.Completer, prompts *prompt.Registry) *Guard {
	if cfg.ScoreConcurrency <= 0 {
		cfg.ScoreConcurrency = 4
	}
	if cfg.MaxRepairPassages <= 0 {
		cfg.MaxRepairPassages = 12
	}
	return &Guard{
		detector: similarity.NewDetector(cfg.ShingleSize, similarity.Thresholds{
			ContiguousWarn:  cfg.ContiguousWarn,
			ContiguousError: cfg.ContiguousError,
			NgramWarn:       cfg.NgramWarn,
			NgramError:      cfg.NgramError,
		}),
		completer: completer,
		prompts:   prompts,
		cfg:       cfg,
	}
}

// Detector 目前使用的偵測器
func (g *Guard) Detector() *similarity.Detector {
	return g.detector
}

// Outcome 一次評估的結果
type Outcome struct {
	Report   similarity.Report
	Repaired bool
	Blocked  bool
}

// Evaluate 計分、必要時自動修復一次，並更新草稿的驗證報告與封鎖狀態
func (g *Guard) Evaluate(ctx context.Context, draft *task.Draft, sourceText string, rec task.ArtifactRecorder) (*Outcome, error) {
	report, err := g.Score(ctx, draft, sourceText)
	if err != nil {
		return nil, err
	}
	out := &Outcome{}

	if report.ViolatesPolicy && g.cfg.AutoRepair && g.completer != nil {
		common.LogInfo("相似度超過門檻，嘗試自動改寫",
			zap.String("details", report.Details),
		)
		repaired, err := g.Repair(ctx, draft, sourceText, report, rec)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// 改寫失敗不中斷驗證，草稿維持封鎖
			common.LogWarn("自動改寫失敗", zap.Error(err))
		} else {
			report = *repaired
			out.Repaired = true
		}
	}

	g.Apply(draft, report)
	out.Report = report
	out.Blocked = draft.Blocked

	if rec != nil {
		if ref, err := rec.Record(ctx, task.ArtifactSimilarityReport, "similarity_report.json",
			"application/json", common.MustJSONBytes(report)); err == nil {
			draft.AddArtifact(ref)
		} else {
			common.LogWarn("相似度報告寫入失敗", zap.Error(err))
		}
	}
	return out, nil
}

// Score 逐段計分，回報各段最大值
func (g *Guard) Score(ctx context.Context, draft *task.Draft, sourceText string) (similarity.Report, error) {
	passages := Passages(draft.Recipe)
	scores := make([]similarity.SectionScore, len(passages))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.ScoreConcurrency)
	for i, p := range passages {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			scores[i] = g.detector.ScoreSection(p.Section, sourceText, p.Text)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return similarity.Report{}, err
	}

	kept := scores[:0]
	for i, s := range scores {
		if len(g.detector.Tokenize(passages[i].Text)) < g.cfg.MinSectionTokens {
			continue
		}
		kept = append(kept, s)
	}
	return g.detector.Aggregate(kept), nil
}

// Apply 依報告重建驗證結果與封鎖旗標
func (g *Guard) Apply(draft *task.Draft, report similarity.Report) {
	r := report
	draft.Similarity = &r
	draft.Blocked = report.ViolatesPolicy
	draft.Validation = Validate(draft.Recipe)

	if report.ViolatesPolicy {
		draft.Validation.AddError(fmt.Sprintf("%s: %s", common.ErrCodeGuardrailBlocked, report.Details))
	} else if g.detector.Warns(report) {
		draft.Validation.AddWarning(fmt.Sprintf("SIMILARITY_WARNING: %s", report.Details))
	}
}

// Validate 檢查食譜結構；缺少必要欄位為錯誤，缺少選填欄位為警告
func Validate(r *common.Recipe) task.ValidationReport {
	var v task.ValidationReport
	if r == nil {
		v.AddError("recipe is missing")
		return v
	}
	if r.Name == "" {
		v.AddError("name is required")
	}
	if len(r.Ingredients) == 0 {
		v.AddError("at least one ingredient is required")
	}
	if len(r.Instructions) == 0 {
		v.AddError("at least one instruction step is required")
	}

	if r.Timing.TotalMinutes == 0 && r.Timing.PrepMinutes == 0 && r.Timing.CookMinutes == 0 {
		v.AddWarning("timing is missing")
	}
	if r.Servings == "" {
		v.AddWarning("servings is missing")
	}
	missingQty := 0
	for _, ing := range r.Ingredients {
		if ing.Quantity == nil {
			missingQty++
		}
	}
	if missingQty > 0 {
		v.AddWarning(fmt.Sprintf("%d ingredient(s) have no parsed quantity", missingQty))
	}
	return v
}

// Passage 可被計分與改寫的文字段落
type Passage struct {
	Section string `json:"section"`
	Text    string `json:"text"`
}

// Passages 列出描述與每個步驟
func Passages(r *common.Recipe) []Passage {
	if r == nil {
		return nil
	}
	var out []Passage
	if r.Description != "" {
		out = append(out, Passage{Section: SectionDescription, Text: r.Description})
	}
	for i, st := range r.Instructions {
		if st.Text == "" {
			continue
		}
		out = append(out, Passage{Section: fmt.Sprintf(sectionInstruction, i), Text: st.Text})
	}
	return out
}

// setPassage 將改寫後的文字寫回食譜，未知段落回傳 false
func setPassage(r *common.Recipe, section, text string) bool {
	if section == SectionDescription {
		r.Description = text
		return true
	}
	var i int
	if _, err := fmt.Sscanf(section, sectionInstruction, &i); err != nil {
		return false
	}
	if i < 0 || i >= len(r.Instructions) {
		return false
	}
	r.Instructions[i].Text = text
	return true
}
