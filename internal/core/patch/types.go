package patch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"recipe-ingest/internal/pkg/common"
)

// Risk 修改風險等級
type Risk string

const (
	RiskLow    Risk = "Low"
	RiskMedium Risk = "Medium"
	RiskHigh   Risk = "High"
)

var riskRank = map[Risk]int{
	RiskLow:    0,
	RiskMedium: 1,
	RiskHigh:   2,
}

// Rank 排序用的數值，未知等級視為最高風險
func (r Risk) Rank() int {
	if v, ok := riskRank[r]; ok {
		return v
	}
	return riskRank[RiskHigh]
}

// ParseRisk 解析風險等級（大小寫不敏感）
func ParseRisk(s string) (Risk, bool) {
	for r := range riskRank {
		if strings.EqualFold(string(r), s) {
			return r, true
		}
	}
	return "", false
}

// UnmarshalJSON 接受大小寫不同的等級名稱，未知等級回傳錯誤
func (r *Risk) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("risk must be a string: %w", err)
	}
	if s == "" {
		*r = ""
		return nil
	}
	parsed, ok := ParseRisk(s)
	if !ok {
		return fmt.Errorf("unknown risk %q", s)
	}
	*r = parsed
	return nil
}

// Operation JSON Patch 操作
type Operation struct {
	Op            string      `json:"op"`
	Path          string      `json:"path"`
	Value         interface{} `json:"value,omitempty"`
	RiskCategory  Risk        `json:"riskCategory"`
	Reason        string      `json:"reason,omitempty"`
	OriginalValue interface{} `json:"originalValue,omitempty"`
}

// Response 模型建議的正規化結果
type Response struct {
	RecipeID    string      `json:"recipeId"`
	Patches     []Operation `json:"patches"`
	Summary     string      `json:"summary,omitempty"`
	Model       string      `json:"model,omitempty"`
	PromptID    string      `json:"promptId,omitempty"`
	GeneratedAt time.Time   `json:"generatedAt"`
}

// Failure 單一操作失敗
type Failure struct {
	Index     int       `json:"index"`
	Operation Operation `json:"operation"`
	Message   string    `json:"message"`
}

// ApplyResult 套用結果
type ApplyResult struct {
	Recipe       *common.Recipe `json:"recipe"`
	Applied      []Operation    `json:"applied"`
	Failed       []Failure      `json:"failed"`
	Skipped      int            `json:"skippedCount"`
	AppliedCount int            `json:"appliedCount"`
	FailedCount  int            `json:"failedCount"`
}

// Filter 呼叫端的篩選條件；Indices 為空表示全部
type Filter struct {
	Indices []int `json:"indices,omitempty"`
	MaxRisk Risk  `json:"maxRisk,omitempty"`
}

// Normalize 將風險上限轉為標準名稱；未知等級回傳錯誤而非放行全部
func (f Filter) Normalize() (Filter, error) {
	if f.MaxRisk == "" {
		return f, nil
	}
	risk, ok := ParseRisk(string(f.MaxRisk))
	if !ok {
		return f, fmt.Errorf("unknown maxRisk %q", f.MaxRisk)
	}
	f.MaxRisk = risk
	return f, nil
}
