package health

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"recipe-ingest/internal/core/queue"
	"recipe-ingest/internal/pkg/common"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// readyTimeout 就緒檢查的依賴探測逾時
const readyTimeout = 2 * time.Second

// Pinger 可探測可用性的依賴
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStatus 可回報狀態的任務隊列
type QueueStatus interface {
	GetQueueStatus() *queue.Status
}

// Options 健康檢查依賴
type Options struct {
	Version string
	Env     string
	Model   string
	Storage Pinger
	Queue   QueueStatus
}

// Handler 健康檢查處理器
type Handler struct {
	opts    Options
	started time.Time
}

// HealthResponse 健康檢查響應
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Env       string                 `json:"env"`
	Model     string                 `json:"model,omitempty"`
	Uptime    string                 `json:"uptime"`
	Runtime   map[string]interface{} `json:"runtime"`
	Queue     *queue.Status          `json:"queue,omitempty"`
}

// NewHandler 創建健康檢查處理器
func NewHandler(opts Options) *Handler {
	return &Handler{opts: opts, started: time.Now()}
}

// HealthCheck 健康檢查處理器
func (h *Handler) HealthCheck(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   h.opts.Version,
		Env:       h.opts.Env,
		Model:     h.opts.Model,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Runtime: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"memory": map[string]interface{}{
				"alloc":       m.Alloc,
				"total_alloc": m.TotalAlloc,
				"sys":         m.Sys,
				"num_gc":      m.NumGC,
			},
		},
	}
	if h.opts.Queue != nil {
		response.Queue = h.opts.Queue.GetQueueStatus()
	}

	common.LogDebug("Health check request",
		zap.String("client_ip", c.ClientIP()),
		zap.String("path", c.Request.URL.Path),
	)

	c.JSON(http.StatusOK, response)
}

// ReadinessCheck 就緒檢查：儲存可連線且隊列未滿
func (h *Handler) ReadinessCheck(c *gin.Context) {
	checks := gin.H{}
	ready := true

	if h.opts.Storage != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		defer cancel()
		if err := h.opts.Storage.Ping(ctx); err != nil {
			common.LogWarn("Storage not ready", zap.Error(err))
			checks["storage"] = err.Error()
			ready = false
		} else {
			checks["storage"] = "ok"
		}
	}

	if h.opts.Queue != nil {
		st := h.opts.Queue.GetQueueStatus()
		if st.QueueLength >= st.MaxQueueSize {
			checks["queue"] = "full"
			ready = false
		} else {
			checks["queue"] = "ok"
		}
	}

	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}

// LivenessCheck 存活檢查處理器
func (h *Handler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "alive",
		"goroutines": runtime.NumGoroutine(),
	})
}
