package common

import (
	"errors"
	"net/http"
)

// ErrorResponse 定義 API 錯誤響應結構
type ErrorResponse struct {
	Code    string `json:"code"`              // 錯誤代碼
	Message string `json:"message"`           // 錯誤信息
	Details string `json:"details,omitempty"` // 詳細信息（僅在開發模式顯示）
}

// CustomError 定義自定義錯誤類型
type CustomError struct {
	Code    string // 錯誤代碼
	Message string // 錯誤信息
	Err     error  // 原始錯誤
	Status  int    // HTTP 狀態碼
}

func (e *CustomError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap 回傳原始錯誤
func (e *CustomError) Unwrap() error {
	return e.Err
}

// Is 以錯誤代碼比對，讓 errors.Is 可以對預定義錯誤使用
func (e *CustomError) Is(target error) bool {
	var t *CustomError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError 創建新的自定義錯誤
func NewError(code string, message string, status int, err error) *CustomError {
	return &CustomError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// Wrap 以預定義錯誤為模板，附帶原始錯誤
func (e *CustomError) Wrap(err error) *CustomError {
	return &CustomError{Code: e.Code, Message: e.Message, Status: e.Status, Err: err}
}

// WithMessage 以預定義錯誤為模板，替換錯誤信息
func (e *CustomError) WithMessage(message string) *CustomError {
	return &CustomError{Code: e.Code, Message: message, Status: e.Status, Err: e.Err}
}

// Response 轉換為 API 錯誤響應
func (e *CustomError) Response(debug bool) ErrorResponse {
	resp := ErrorResponse{Code: e.Code, Message: e.Message}
	if debug && e.Err != nil {
		resp.Details = e.Err.Error()
	}
	return resp
}

// AsCustomError 取出錯誤鏈中的 CustomError，找不到時包裝成內部錯誤
func AsCustomError(err error) *CustomError {
	if err == nil {
		return nil
	}
	var ce *CustomError
	if errors.As(err, &ce) {
		return ce
	}
	return ErrInternalError.Wrap(err)
}

// ErrorCode 取得錯誤代碼，非 CustomError 時回傳 INTERNAL_ERROR
func ErrorCode(err error) string {
	if ce := AsCustomError(err); ce != nil {
		return ce.Code
	}
	return ""
}

// 預定義錯誤代碼
const (
	// 客戶端錯誤 (4xx)
	ErrCodeInvalidRequest   = "INVALID_REQUEST"    // 400
	ErrCodeNotFound         = "NOT_FOUND"          // 404
	ErrCodeRequestTimeout   = "REQUEST_TIMEOUT"    // 408
	ErrCodeConflict         = "CONFLICT"           // 409
	ErrCodeTooManyRequests  = "TOO_MANY_REQUESTS"  // 429
	ErrCodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"  // 413
	ErrCodeMethodNotAllowed = "METHOD_NOT_ALLOWED" // 405

	// 任務建立驗證
	ErrCodeMissingURL            = "MISSING_URL"
	ErrCodeInvalidURL            = "INVALID_URL"
	ErrCodeMissingQuery          = "MISSING_QUERY"
	ErrCodeMissingRecipeID       = "MISSING_RECIPE_ID"
	ErrCodeInvalidSearchProvider = "INVALID_SEARCH_PROVIDER"
	ErrCodeInvalidAgentType      = "INVALID_AGENT_TYPE"

	// 狀態衝突
	ErrCodeTaskNotFound     = "TASK_NOT_FOUND"
	ErrCodeRecipeNotFound   = "RECIPE_NOT_FOUND"
	ErrCodeInvalidTaskState = "INVALID_TASK_STATE"
	ErrCodeTaskRejected     = "TASK_REJECTED"
	ErrCodeDraftExpired     = "DRAFT_EXPIRED"
	ErrCodeETagMismatch     = "ETAG_MISMATCH"
	ErrCodeGuardrailBlocked = "GUARDRAIL_BLOCKED"
	ErrCodeValidationFailed = "VALIDATION_FAILED"

	// 管線階段
	ErrCodeFetchBlocked     = "FETCH_BLOCKED"
	ErrCodeFetchFailed      = "FETCH_FAILED"
	ErrCodeFetchTooLarge    = "FETCH_TOO_LARGE"
	ErrCodeCircuitOpen      = "CIRCUIT_OPEN"
	ErrCodeExtractionFailed = "EXTRACTION_FAILED"
	ErrCodeLLMUnavailable   = "LLM_UNAVAILABLE"
	ErrCodeDiscoverNoResult = "DISCOVER_NO_RESULTS"
	ErrCodePatchGeneration  = "PATCH_GENERATION_FAILED"
	ErrCodeSanitizeFailed   = "SANITIZE_FAILED"
	ErrCodeTaskCancelled    = "TASK_CANCELLED"

	// 搜尋供應商
	ErrCodeUnknownSearchProvider  = "UNKNOWN_SEARCH_PROVIDER"
	ErrCodeDisabledSearchProvider = "DISABLED_SEARCH_PROVIDER"
	ErrCodeSearchRateLimited      = "SEARCH_RATE_LIMITED"
	ErrCodeSearchQuotaExceeded    = "SEARCH_QUOTA_EXCEEDED"
	ErrCodeSearchTransient        = "SEARCH_TRANSIENT"
	ErrCodeSearchFailed           = "SEARCH_FAILED"

	// 服務器錯誤 (5xx)
	ErrCodeInternalError      = "INTERNAL_ERROR"      // 500
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE" // 503
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"     // 504
)

// 預定義錯誤
var (
	// 客戶端錯誤
	ErrInvalidRequest  = NewError(ErrCodeInvalidRequest, "invalid request", http.StatusBadRequest, nil)
	ErrNotFound        = NewError(ErrCodeNotFound, "resource not found", http.StatusNotFound, nil)
	ErrRequestTimeout  = NewError(ErrCodeRequestTimeout, "request timeout", http.StatusRequestTimeout, nil)
	ErrConflict        = NewError(ErrCodeConflict, "resource conflict", http.StatusConflict, nil)
	ErrTooManyRequests = NewError(ErrCodeTooManyRequests, "too many requests", http.StatusTooManyRequests, nil)
	ErrPayloadTooLarge = NewError(ErrCodePayloadTooLarge, "request body too large", http.StatusRequestEntityTooLarge, nil)

	// 任務建立驗證
	ErrMissingURL            = NewError(ErrCodeMissingURL, "url is required for url mode", http.StatusBadRequest, nil)
	ErrInvalidURL            = NewError(ErrCodeInvalidURL, "url must be an absolute http or https url", http.StatusBadRequest, nil)
	ErrMissingQuery          = NewError(ErrCodeMissingQuery, "query is required for query mode", http.StatusBadRequest, nil)
	ErrMissingRecipeID       = NewError(ErrCodeMissingRecipeID, "recipeId is required for normalize mode", http.StatusBadRequest, nil)
	ErrInvalidSearchProvider = NewError(ErrCodeInvalidSearchProvider, "search provider is unknown or disabled", http.StatusBadRequest, nil)
	ErrInvalidAgentType      = NewError(ErrCodeInvalidAgentType, "mode must be one of Url, Query, Normalize", http.StatusBadRequest, nil)

	// 狀態衝突
	ErrTaskNotFound     = NewError(ErrCodeTaskNotFound, "task not found", http.StatusNotFound, nil)
	ErrRecipeNotFound   = NewError(ErrCodeRecipeNotFound, "recipe not found", http.StatusNotFound, nil)
	ErrInvalidTaskState = NewError(ErrCodeInvalidTaskState, "task is not in a state that allows this operation", http.StatusBadRequest, nil)
	ErrTaskRejected     = NewError(ErrCodeTaskRejected, "task was rejected and cannot be committed", http.StatusBadRequest, nil)
	ErrDraftExpired     = NewError(ErrCodeDraftExpired, "review window has elapsed", http.StatusGone, nil)
	ErrETagMismatch     = NewError(ErrCodeETagMismatch, "task was modified concurrently", http.StatusConflict, nil)
	ErrGuardrailBlocked = NewError(ErrCodeGuardrailBlocked, "draft is blocked by the similarity guardrail", http.StatusBadRequest, nil)
	ErrValidationFailed = NewError(ErrCodeValidationFailed, "draft has validation errors", http.StatusBadRequest, nil)

	// 管線階段
	ErrFetchBlocked     = NewError(ErrCodeFetchBlocked, "url target is not allowed", http.StatusBadRequest, nil)
	ErrFetchFailed      = NewError(ErrCodeFetchFailed, "failed to fetch url", http.StatusBadGateway, nil)
	ErrFetchTooLarge    = NewError(ErrCodeFetchTooLarge, "response exceeds size ceiling", http.StatusBadGateway, nil)
	ErrCircuitOpen      = NewError(ErrCodeCircuitOpen, "destination temporarily unavailable", http.StatusServiceUnavailable, nil)
	ErrExtractionFailed = NewError(ErrCodeExtractionFailed, "could not extract a recipe", http.StatusUnprocessableEntity, nil)
	ErrLLMUnavailable   = NewError(ErrCodeLLMUnavailable, "language model unavailable", http.StatusServiceUnavailable, nil)
	ErrDiscoverNoResult = NewError(ErrCodeDiscoverNoResult, "search returned no usable candidates", http.StatusUnprocessableEntity, nil)
	ErrPatchGeneration  = NewError(ErrCodePatchGeneration, "failed to generate normalization patches", http.StatusBadGateway, nil)
	ErrSanitizeFailed   = NewError(ErrCodeSanitizeFailed, "could not parse page content", http.StatusUnprocessableEntity, nil)
	ErrTaskCancelled    = NewError(ErrCodeTaskCancelled, "task was cancelled before completion", http.StatusServiceUnavailable, nil)

	// 搜尋供應商
	ErrUnknownSearchProvider  = NewError(ErrCodeUnknownSearchProvider, "unknown search provider", http.StatusBadRequest, nil)
	ErrDisabledSearchProvider = NewError(ErrCodeDisabledSearchProvider, "search provider is disabled", http.StatusBadRequest, nil)
	ErrSearchRateLimited      = NewError(ErrCodeSearchRateLimited, "search provider rate limit reached", http.StatusTooManyRequests, nil)
	ErrSearchQuotaExceeded    = NewError(ErrCodeSearchQuotaExceeded, "search provider quota exceeded", http.StatusTooManyRequests, nil)
	ErrSearchTransient        = NewError(ErrCodeSearchTransient, "search provider temporarily unavailable", http.StatusBadGateway, nil)
	ErrSearchFailed           = NewError(ErrCodeSearchFailed, "search request failed", http.StatusBadGateway, nil)

	// 服務器錯誤
	ErrInternalError      = NewError(ErrCodeInternalError, "internal server error", http.StatusInternalServerError, nil)
	ErrServiceUnavailable = NewError(ErrCodeServiceUnavailable, "service unavailable", http.StatusServiceUnavailable, nil)
	ErrGatewayTimeout     = NewError(ErrCodeGatewayTimeout, "gateway timeout", http.StatusGatewayTimeout, nil)
)
