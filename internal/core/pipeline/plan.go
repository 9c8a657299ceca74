package pipeline

import (
	"fmt"

	"recipe-ingest/internal/core/task"
)

// step 計畫中的一個階段與其進度權重
type step struct {
	phase  task.Phase
	weight int
}

// phaseStart 計畫起點，僅用於轉換表
const phaseStart task.Phase = ""

// allowedNext 階段轉換表；每個模式的計畫在建構時依此驗證
var allowedNext = map[task.Phase][]task.Phase{
	phaseStart:          {task.PhaseDiscover, task.PhaseFetch, task.PhaseNormalize},
	task.PhaseDiscover:  {task.PhaseFetch},
	task.PhaseFetch:     {task.PhaseSanitize},
	task.PhaseSanitize:  {task.PhaseExtract},
	task.PhaseExtract:   {task.PhaseValidate},
	task.PhaseValidate:  {task.PhaseReviewReady},
	task.PhaseNormalize: {task.PhaseReviewReady},
}

// defaultPlans 各模式的階段順序與權重
var defaultPlans = map[task.Mode][]step{
	task.ModeURL: {
		{task.PhaseFetch, 20},
		{task.PhaseSanitize, 10},
		{task.PhaseExtract, 40},
		{task.PhaseValidate, 30},
	},
	task.ModeQuery: {
		{task.PhaseDiscover, 15},
		{task.PhaseFetch, 15},
		{task.PhaseSanitize, 10},
		{task.PhaseExtract, 35},
		{task.PhaseValidate, 25},
	},
	task.ModeNormalize: {
		{task.PhaseNormalize, 100},
	},
}

func canFollow(from, to task.Phase) bool {
	for _, p := range allowedNext[from] {
		if p == to {
			return true
		}
	}
	return false
}

// validatePlan 檢查權重總和為 100，且每一步都是合法轉換並以 ReviewReady 結束
func validatePlan(mode task.Mode, steps []step) error {
	if len(steps) == 0 {
		return fmt.Errorf("plan for mode %s has no phases", mode)
	}
	total := 0
	prev := phaseStart
	for _, s := range steps {
		if s.weight <= 0 {
			return fmt.Errorf("plan for mode %s: phase %s has non-positive weight", mode, s.phase)
		}
		if !canFollow(prev, s.phase) {
			return fmt.Errorf("plan for mode %s: %q cannot follow %q", mode, s.phase, prev)
		}
		total += s.weight
		prev = s.phase
	}
	if !canFollow(prev, task.PhaseReviewReady) {
		return fmt.Errorf("plan for mode %s: %q cannot reach ReviewReady", mode, prev)
	}
	if total != 100 {
		return fmt.Errorf("plan for mode %s: weights sum to %d, want 100", mode, total)
	}
	return nil
}
