package search

import (
	"net/http"

	coresearch "recipe-ingest/internal/core/search"

	"github.com/gin-gonic/gin"
)

// ProvidersResponse 搜尋供應商列表
type ProvidersResponse struct {
	DefaultProviderID string                  `json:"defaultProviderId"`
	Providers         []coresearch.Descriptor `json:"providers"`
}

// Handler 搜尋供應商處理器
type Handler struct {
	resolver *coresearch.Resolver
}

// NewHandler 創建搜尋供應商處理器
func NewHandler(resolver *coresearch.Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// Providers 列出供應商；?enabled=true 只列出已啟用者
func (h *Handler) Providers(c *gin.Context) {
	list := h.resolver.List()
	if c.Query("enabled") == "true" {
		list = h.resolver.ListEnabled()
	}
	if list == nil {
		list = []coresearch.Descriptor{}
	}
	c.JSON(http.StatusOK, ProvidersResponse{
		DefaultProviderID: h.resolver.DefaultID(),
		Providers:         list,
	})
}
