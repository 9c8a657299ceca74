package guardrail

import (
	"context"
	"errors"
	"fmt"

	"recipe-ingest/internal/core/ai/provider"
	"recipe-ingest/internal/core/prompt"
	"recipe-ingest/internal/core/similarity"
	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/pkg/common"

	"go.uber.org/zap"
)

// ErrNothingToRepair 沒有超過門檻的段落
var ErrNothingToRepair = errors.New("no passage violates the similarity policy")

type paraphraseReply struct {
	Passages []Passage `json:"passages"`
}

// Repair 請模型改寫超過門檻的段落，寫回草稿後重新計分
func (g *Guard) Repair(ctx context.Context, draft *task.Draft, sourceText string, report similarity.Report, rec task.ArtifactRecorder) (*similarity.Report, error) {
	if g.completer == nil {
		return nil, common.ErrLLMUnavailable.WithMessage("no language model configured for repair")
	}

	offending := offendingPassages(draft.Recipe, report, g.cfg.MaxRepairPassages)
	if len(offending) == 0 {
		return nil, ErrNothingToRepair
	}

	tpl, _, err := g.prompts.Resolve(prompt.PhaseRepairParaphrase, "")
	if err != nil {
		return nil, err
	}
	rendered, err := tpl.Render(struct{ Passages []Passage }{Passages: offending})
	if err != nil {
		return nil, err
	}

	req := provider.NewUserRequest(rendered.System, rendered.User)
	req.JSONMode = true
	req.NoCache = true
	resp, err := g.completer.Complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	draft.RepairCount++
	if rec != nil {
		name := fmt.Sprintf("repair_paraphrase_%d.json", draft.RepairCount)
		if ref, err := rec.Record(ctx, task.ArtifactRepairParaphrase, name, "application/json", []byte(resp.Content)); err == nil {
			draft.AddArtifact(ref)
		}
	}

	var reply paraphraseReply
	if err := common.ParseModelJSON(resp.Content, &reply); err != nil {
		return nil, fmt.Errorf("unparseable paraphrase reply: %w", err)
	}

	wanted := make(map[string]bool, len(offending))
	for _, p := range offending {
		wanted[p.Section] = true
	}
	applied := 0
	for _, p := range reply.Passages {
		if !wanted[p.Section] || p.Text == "" {
			continue
		}
		if setPassage(draft.Recipe, p.Section, p.Text) {
			applied++
		}
	}
	common.LogInfo("段落改寫完成",
		zap.Int("requested", len(offending)),
		zap.Int("applied", applied),
	)

	rescored, err := g.Score(ctx, draft, sourceText)
	if err != nil {
		return nil, err
	}
	return &rescored, nil
}

// RepairAndApply 手動修復：改寫、重新計分並更新驗證結果
func (g *Guard) RepairAndApply(ctx context.Context, draft *task.Draft, sourceText string, rec task.ArtifactRecorder) (*Outcome, error) {
	report, err := g.Score(ctx, draft, sourceText)
	if err != nil {
		return nil, err
	}
	repaired, err := g.Repair(ctx, draft, sourceText, report, rec)
	if err != nil {
		return nil, err
	}
	g.Apply(draft, *repaired)
	return &Outcome{Report: *repaired, Repaired: true, Blocked: draft.Blocked}, nil
}

// offendingPassages 取出違規段落，依分數原順序，最多 limit 筆
func offendingPassages(r *common.Recipe, report similarity.Report, limit int) []Passage {
	violating := make(map[string]bool)
	for _, s := range report.Sections {
		if s.ViolatesPolicy {
			violating[s.Section] = true
		}
	}
	var out []Passage
	for _, p := range Passages(r) {
		if violating[p.Section] {
			out = append(out, p)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}
