// Package handlers 放置各 HTTP 處理器共用的回應工具
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"recipe-ingest/internal/api/middleware"
	"recipe-ingest/internal/pkg/common"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error 以 {code, message} 回應錯誤；debug 時附上原始錯誤
func Error(c *gin.Context, err error, debug bool) {
	ce := common.AsCustomError(err)
	status := ce.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	fields := []zap.Field{
		zap.String("code", ce.Code),
		zap.Int("status", status),
		zap.String("path", c.Request.URL.Path),
		zap.String("request_id", requestid.Get(c)),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		common.LogError("請求處理失敗", fields...)
	} else {
		common.LogDebug("請求被拒絕", fields...)
	}

	c.Set(middleware.ErrorCodeKey, ce.Code)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, ce.Response(debug))
}

// BindJSON 解析選填的 JSON 請求體；空請求體視為零值
func BindJSON(c *gin.Context, dst interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return common.ErrPayloadTooLarge.Wrap(err)
		}
		return common.ErrInvalidRequest.Wrap(err)
	}
	return nil
}

// IfMatch 取得 If-Match 標頭中的 ETag，去除引號
func IfMatch(c *gin.Context) string {
	return unquoteETag(c.GetHeader("If-Match"))
}

// ETag 優先使用請求體，其次使用 If-Match 標頭；兩者都接受帶引號的值
func ETag(c *gin.Context, body string) string {
	if v := unquoteETag(body); v != "" {
		return v
	}
	return IfMatch(c)
}

// QuoteETag 轉成 ETag 標頭格式
func QuoteETag(etag string) string {
	if etag == "" {
		return ""
	}
	return `"` + etag + `"`
}

func unquoteETag(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")
	if len(v) >= 2 && strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
		v = v[1 : len(v)-1]
	}
	return v
}
