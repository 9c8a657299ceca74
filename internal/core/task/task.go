// Package task 定義擷取任務、草稿與其狀態機
package task

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"recipe-ingest/internal/core/patch"
	"recipe-ingest/internal/core/similarity"
	"recipe-ingest/internal/pkg/common"
)

// Mode 任務模式
type Mode string

const (
	ModeURL       Mode = "Url"
	ModeQuery     Mode = "Query"
	ModeNormalize Mode = "Normalize"
)

// ParseMode 解析模式字串（大小寫不敏感）
func ParseMode(s string) (Mode, bool) {
	for _, m := range []Mode{ModeURL, ModeQuery, ModeNormalize} {
		if strings.EqualFold(string(m), s) {
			return m, true
		}
	}
	return "", false
}

// Phase 管線階段
type Phase string

const (
	PhaseDiscover    Phase = "Discover"
	PhaseFetch       Phase = "Fetch"
	PhaseSanitize    Phase = "Sanitize"
	PhaseExtract     Phase = "Extract"
	PhaseValidate    Phase = "Validate"
	PhaseNormalize   Phase = "Normalize"
	PhaseReviewReady Phase = "ReviewReady"
)

// ArtifactKind 中間產物類型
type ArtifactKind string

const (
	ArtifactRawSnapshot      ArtifactKind = "raw_snapshot"
	ArtifactPageMetadata     ArtifactKind = "page_metadata"
	ArtifactStructuredData   ArtifactKind = "structured_data"
	ArtifactSanitizedText    ArtifactKind = "sanitized_text"
	ArtifactLLMResponse      ArtifactKind = "llm_response"
	ArtifactRepairAttempt    ArtifactKind = "repair_attempt"
	ArtifactDraftJSON        ArtifactKind = "draft_json"
	ArtifactSimilarityReport ArtifactKind = "similarity_report"
	ArtifactRepairParaphrase ArtifactKind = "repair_paraphrase"
	ArtifactSearchResults    ArtifactKind = "search_results"
	ArtifactSearchFallback   ArtifactKind = "search_fallback"
	ArtifactNormalizePatches ArtifactKind = "normalize_patches"
)

// 常用中繼資料鍵
const (
	MetaProvider          = "searchProvider"
	MetaRequestedProvider = "requestedSearchProvider"
	MetaFallbackProvider  = "fallbackSearchProvider"
	MetaFallbackReason    = "fallbackReason"
	MetaSelectedURL       = "selectedUrl"
	MetaPromptPrefix      = "prompt."
	MetaCommittedRecipeID = "committedRecipeId"
	MetaRejectionReason   = "rejectionReason"
	MetaExpiredAt         = "expiredAt"
	MetaAutoRepair        = "autoRepair"
	MetaManualRepairs     = "manualRepairs"
)

// Payload 依模式而定的輸入
type Payload struct {
	URL         string            `json:"url,omitempty"`
	Query       string            `json:"query,omitempty"`
	Constraints map[string]string `json:"constraints,omitempty"`
	RecipeID    string            `json:"recipeId,omitempty"`
	ProviderID  string            `json:"providerId,omitempty"`
	PromptID    string            `json:"promptId,omitempty"`
}

// ArtifactRef 指向已儲存的中間產物
type ArtifactRef struct {
	Kind        ArtifactKind `json:"kind"`
	Path        string       `json:"path"`
	ContentType string       `json:"contentType"`
	Size        int          `json:"size"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// ValidationReport 驗證結果；IsValid 由 Errors 推導
type ValidationReport struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// IsValid 無錯誤即為有效
func (v ValidationReport) IsValid() bool {
	return len(v.Errors) == 0
}

// MarshalJSON 輸出時附上推導出的 isValid
func (v ValidationReport) MarshalJSON() ([]byte, error) {
	type alias ValidationReport
	out := struct {
		alias
		IsValid bool `json:"isValid"`
	}{alias: alias(v), IsValid: v.IsValid()}
	if out.Errors == nil {
		out.Errors = []string{}
	}
	if out.Warnings == nil {
		out.Warnings = []string{}
	}
	return json.Marshal(out)
}

// AddError 加入錯誤
func (v *ValidationReport) AddError(msg string) {
	v.Errors = append(v.Errors, msg)
}

// AddWarning 加入警告
func (v *ValidationReport) AddWarning(msg string) {
	v.Warnings = append(v.Warnings, msg)
}

// Draft 待審核的食譜草稿
type Draft struct {
	Recipe      *common.Recipe      `json:"recipe"`
	Source      common.RecipeSource `json:"source"`
	Validation  ValidationReport    `json:"validation"`
	Similarity  *similarity.Report  `json:"similarity,omitempty"`
	Artifacts   []ArtifactRef       `json:"artifacts"`
	Blocked     bool                `json:"guardrailBlocked"`
	RepairCount int                 `json:"repairCount"`
}

// TaskError 階段失敗資訊
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Phase   Phase  `json:"phase,omitempty"`
}

// Result 任務結果
type Result struct {
	Draft     *Draft             `json:"draft,omitempty"`
	Normalize *patch.Response    `json:"normalize,omitempty"`
	Applied   *patch.ApplyResult `json:"applied,omitempty"`
	Error     *TaskError         `json:"error,omitempty"`
}

// Task 擷取任務
type Task struct {
	ID            string            `json:"taskId"`
	ThreadID      string            `json:"threadId"`
	Mode          Mode              `json:"mode"`
	Payload       Payload           `json:"payload"`
	Status        Status            `json:"status"`
	CurrentPhase  Phase             `json:"currentPhase,omitempty"`
	FailedPhase   Phase             `json:"failedPhase,omitempty"`
	Progress      int               `json:"progress"`
	Result        *Result           `json:"result,omitempty"`
	Metadata      map[string]string `json:"metadata"`
	ETag          string            `json:"etag"`
	CreatedAt     time.Time         `json:"createdAt"`
	LastUpdated   time.Time         `json:"lastUpdated"`
	ReviewReadyAt *time.Time        `json:"reviewReadyAt,omitempty"`
}

// New 建立 Pending 任務
func New(mode Mode, payload Payload, now time.Time) *Task {
	return &Task{
		ID:          common.GenerateUUID(),
		ThreadID:    common.GenerateUUID(),
		Mode:        mode,
		Payload:     payload,
		Status:      StatusPending,
		Metadata:    map[string]string{},
		ETag:        common.NewETag(),
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// Draft 取得草稿，無則為 nil
func (t *Task) Draft() *Draft {
	if t.Result == nil {
		return nil
	}
	return t.Result.Draft
}

// SetMeta 設定中繼資料
func (t *Task) SetMeta(key, value string) {
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	t.Metadata[key] = value
}

// AddArtifact 登記產物到草稿
func (d *Draft) AddArtifact(ref ArtifactRef) {
	d.Artifacts = append(d.Artifacts, ref)
}

// Clone 透過 JSON 深拷貝任務
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		cp := *t
		return &cp
	}
	var out Task
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *t
		return &cp
	}
	return &out
}

// ArtifactRecorder 寫入任務產物並回傳參照
type ArtifactRecorder interface {
	Record(ctx context.Context, kind ArtifactKind, name, contentType string, data []byte) (ArtifactRef, error)
}
