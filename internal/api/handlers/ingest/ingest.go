// Package ingest 提供擷取任務的建立、查詢與審核端點
package ingest

import (
	"errors"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"recipe-ingest/internal/api/handlers"
	"recipe-ingest/internal/core/lifecycle"
	"recipe-ingest/internal/core/pipeline"
	"recipe-ingest/internal/core/store"
	"recipe-ingest/internal/core/task"
	"recipe-ingest/internal/pkg/common"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// defaultKeepAlive SSE 心跳間隔
const defaultKeepAlive = 15 * time.Second

// Handler 擷取任務處理器
type Handler struct {
	runner    *pipeline.Runner
	lifecycle *lifecycle.Controller
	artifacts store.ArtifactStore
	notifier  *pipeline.Notifier
	debug     bool
	keepAlive time.Duration
}

// NewHandler 創建擷取任務處理器
func NewHandler(runner *pipeline.Runner, ctrl *lifecycle.Controller, artifacts store.ArtifactStore, debug bool) *Handler {
	return &Handler{
		runner:    runner,
		lifecycle: ctrl,
		artifacts: artifacts,
		notifier:  runner.Notifier(),
		debug:     debug,
		keepAlive: defaultKeepAlive,
	}
}

// CreateResponse 任務建立回應
type CreateResponse struct {
	TaskID   string      `json:"taskId"`
	ThreadID string      `json:"threadId"`
	Status   task.Status `json:"status"`
	ETag     string      `json:"etag"`
}

// Create 建立擷取任務，驗證失敗時同步回應錯誤代碼
func (h *Handler) Create(c *gin.Context) {
	var req pipeline.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handlers.Error(c, common.ErrInvalidRequest.Wrap(err), h.debug)
		return
	}

	t, err := h.runner.Submit(c.Request.Context(), req)
	if err != nil {
		handlers.Error(c, err, h.debug)
		return
	}

	c.Header("Location", "/api/v1/ingest/tasks/"+t.ID)
	c.Header("ETag", handlers.QuoteETag(t.ETag))
	c.JSON(http.StatusAccepted, CreateResponse{
		TaskID:   t.ID,
		ThreadID: t.ThreadID,
		Status:   t.Status,
		ETag:     t.ETag,
	})
}

// Get 查詢任務狀態、進度與結果
func (h *Handler) Get(c *gin.Context) {
	t, err := h.lifecycle.Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		handlers.Error(c, err, h.debug)
		return
	}
	c.Header("ETag", handlers.QuoteETag(t.ETag))
	c.JSON(http.StatusOK, t)
}

// Events 以 SSE 推送進度，任務離開執行狀態後結束串流
func (h *Handler) Events(c *gin.Context) {
	taskID := c.Param("taskId")
	if h.notifier == nil {
		handlers.Error(c, common.ErrServiceUnavailable.WithMessage("progress stream is not enabled"), h.debug)
		return
	}

	// 先訂閱再讀取，避免漏掉兩者之間的事件
	events, cancel := h.notifier.Subscribe(taskID)
	defer cancel()

	ctx := c.Request.Context()
	t, err := h.lifecycle.Get(ctx, taskID)
	if err != nil {
		handlers.Error(c, err, h.debug)
		return
	}

	// 串流不受伺服器寫入逾時限制
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	send := func(e pipeline.Event) {
		c.SSEvent("progress", e)
		c.Writer.Flush()
	}

	send(pipeline.EventFromTask(t))
	if settled(t.Status) {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			send(e)
			if settled(e.Status) {
				return
			}
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
			c.Writer.Flush()
		}
	}
}

// ArtifactsResponse 產物列表
type ArtifactsResponse struct {
	TaskID    string             `json:"taskId"`
	Artifacts []task.ArtifactRef `json:"artifacts"`
}

// Artifacts 列出任務已儲存的中間產物
func (h *Handler) Artifacts(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.lifecycle.Get(ctx, c.Param("taskId"))
	if err != nil {
		handlers.Error(c, err, h.debug)
		return
	}

	paths, err := h.artifacts.List(ctx, store.ArtifactPrefix(t.ID))
	if err != nil {
		handlers.Error(c, common.ErrInternalError.Wrap(err), h.debug)
		return
	}

	// 草稿上有紀錄的產物帶出類型與大小
	known := map[string]task.ArtifactRef{}
	if d := t.Draft(); d != nil {
		for _, ref := range d.Artifacts {
			known[ref.Path] = ref
		}
	}

	out := make([]task.ArtifactRef, 0, len(paths))
	for _, p := range paths {
		if ref, ok := known[p]; ok {
			out = append(out, ref)
			continue
		}
		out = append(out, task.ArtifactRef{Path: p, ContentType: contentType(p)})
	}
	c.JSON(http.StatusOK, ArtifactsResponse{TaskID: t.ID, Artifacts: out})
}

// Artifact 下載單一產物
func (h *Handler) Artifact(c *gin.Context) {
	taskID := c.Param("taskId")
	name := c.Param("name")
	if name == "" || strings.Contains(name, "..") {
		handlers.Error(c, common.ErrInvalidRequest.WithMessage("invalid artifact name"), h.debug)
		return
	}

	data, err := h.artifacts.Get(c.Request.Context(), store.ArtifactPath(taskID, name))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			handlers.Error(c, common.ErrNotFound.WithMessage("artifact not found: "+name), h.debug)
			return
		}
		handlers.Error(c, common.ErrInternalError.Wrap(err), h.debug)
		return
	}
	c.Data(http.StatusOK, contentType(name), data)
}

// Commit 提交草稿；新建回 201，重複提交回 200
func (h *Handler) Commit(c *gin.Context) {
	var req lifecycle.CommitRequest
	if err := handlers.BindJSON(c, &req); err != nil {
		handlers.Error(c, err, h.debug)
		return
	}
	req.ETag = handlers.ETag(c, req.ETag)

	res, err := h.lifecycle.Commit(c.Request.Context(), c.Param("taskId"), req)
	if err != nil {
		handlers.Error(c, err, h.debug)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
		common.LogInfo("草稿已提交",
			zap.String("task_id", res.Task.ID),
			zap.String("recipe_id", res.Recipe.ID),
			zap.Strings("warnings", res.Warnings),
		)
	}
	c.Header("ETag", handlers.QuoteETag(res.Task.ETag))
	c.JSON(status, res)
}

// Reject 拒絕草稿
func (h *Handler) Reject(c *gin.Context) {
	var req lifecycle.RejectRequest
	if err := handlers.BindJSON(c, &req); err != nil {
		handlers.Error(c, err, h.debug)
		return
	}
	req.ETag = handlers.ETag(c, req.ETag)

	t, err := h.lifecycle.Reject(c.Request.Context(), c.Param("taskId"), req)
	if err != nil {
		handlers.Error(c, err, h.debug)
		return
	}
	c.Header("ETag", handlers.QuoteETag(t.ETag))
	c.JSON(http.StatusOK, t)
}

// RepairRequest 手動修補請求
type RepairRequest struct {
	ETag string `json:"etag,omitempty"`
}

// Repair 對 ReviewReady 草稿執行改寫修補並重新評分
func (h *Handler) Repair(c *gin.Context) {
	var req RepairRequest
	if err := handlers.BindJSON(c, &req); err != nil {
		handlers.Error(c, err, h.debug)
		return
	}

	res, err := h.lifecycle.Repair(c.Request.Context(), c.Param("taskId"), handlers.ETag(c, req.ETag))
	if err != nil {
		handlers.Error(c, err, h.debug)
		return
	}
	c.Header("ETag", handlers.QuoteETag(res.Task.ETag))
	c.JSON(http.StatusOK, res)
}

// settled 任務已不會再被執行器更新
func settled(s task.Status) bool {
	return s != task.StatusPending && s != task.StatusRunning
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".json":
		return "application/json"
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".html":
		return "text/html; charset=utf-8"
	}
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
