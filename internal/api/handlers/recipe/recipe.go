package recipe

import (
	"errors"
	"net/http"

	"recipe-ingest/internal/api/handlers"
	"recipe-ingest/internal/core/lifecycle"
	"recipe-ingest/internal/core/store"
	"recipe-ingest/internal/pkg/common"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 食譜處理程序
type Handler struct {
	recipes   store.RecipeStore
	lifecycle *lifecycle.Controller
	debug     bool
}

// NewHandler 創建新的食譜處理程序
func NewHandler(recipes store.RecipeStore, ctrl *lifecycle.Controller, debug bool) *Handler {
	return &Handler{
		recipes:   recipes,
		lifecycle: ctrl,
		debug:     debug,
	}
}

// PatchRejectRequest 駁回正規化建議
type PatchRejectRequest struct {
	TaskID string `json:"taskId"`
	ETag   string `json:"etag,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Get 讀取已提交的食譜
func (h *Handler) Get(c *gin.Context) {
	id := c.Param("recipeId")
	r, err := h.recipes.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			handlers.Error(c, common.ErrRecipeNotFound.WithMessage("recipe not found: "+id), h.debug)
			return
		}
		handlers.Error(c, common.ErrInternalError.Wrap(err), h.debug)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ApplyPatches 依篩選條件套用正規化任務產生的修補
func (h *Handler) ApplyPatches(c *gin.Context) {
	var req lifecycle.PatchRequest
	if err := handlers.BindJSON(c, &req); err != nil {
		handlers.Error(c, err, h.debug)
		return
	}
	if req.TaskID == "" {
		handlers.Error(c, common.ErrInvalidRequest.WithMessage("taskId is required"), h.debug)
		return
	}
	req.ETag = handlers.ETag(c, req.ETag)

	recipeID := c.Param("recipeId")
	res, err := h.lifecycle.ApplyPatches(c.Request.Context(), recipeID, req)
	if err != nil {
		handlers.Error(c, err, h.debug)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
		common.LogInfo("正規化修補已套用",
			zap.String("recipe_id", recipeID),
			zap.String("task_id", req.TaskID),
			zap.Int("applied", res.Result.AppliedCount),
		)
	}
	c.JSON(status, res)
}

// RejectPatches 駁回正規化任務，食譜保持不變
func (h *Handler) RejectPatches(c *gin.Context) {
	var req PatchRejectRequest
	if err := handlers.BindJSON(c, &req); err != nil {
		handlers.Error(c, err, h.debug)
		return
	}
	if req.TaskID == "" {
		handlers.Error(c, common.ErrInvalidRequest.WithMessage("taskId is required"), h.debug)
		return
	}

	t, err := h.lifecycle.RejectPatches(c.Request.Context(), c.Param("recipeId"), req.TaskID, lifecycle.RejectRequest{
		ETag:   handlers.ETag(c, req.ETag),
		Reason: req.Reason,
	})
	if err != nil {
		handlers.Error(c, err, h.debug)
		return
	}
	c.JSON(http.StatusOK, t)
}
