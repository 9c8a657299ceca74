package service

import (
	"context"
	"strings"
	"time"

	"recipe-ingest/internal/core/ai/cache"
	"recipe-ingest/internal/core/ai/provider"
	"recipe-ingest/internal/infrastructure/config"
	"recipe-ingest/internal/pkg/common"

	"golang.org/x/time/rate"
)

// Service AI 服務，負責快取與節流後呼叫提供者
type Service struct {
	provider     provider.Provider
	cacheManager *cache.CacheManager
	limiter      *rate.Limiter
	enableCache  bool
}

// NewService 創建 AI 服務；cacheManager 可為 nil
func NewService(cfg config.AIConfig, p provider.Provider, cacheManager *cache.CacheManager) *Service {
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Service{
		provider:     p,
		cacheManager: cacheManager,
		limiter:      rate.NewLimiter(limit, burst),
		enableCache:  cfg.EnableCache && cacheManager != nil,
	}
}

// Complete 統一對外方法
func (s *Service) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if s.provider == nil {
		return nil, common.ErrLLMUnavailable.WithMessage("no language model configured")
	}

	model := s.provider.GetModel()
	key := cacheKey(req)
	useCache := s.enableCache && !req.NoCache

	// 檢查緩存（用 cacheManager）
	if useCache {
		if val, err := s.cacheManager.Get(ctx, model, key); err == nil && val != "" {
			common.LogAICall(model, 0, nil, true)
			return &provider.Response{Content: val, Model: model, CacheHit: true}, nil
		}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, common.ErrLLMUnavailable.Wrap(err)
	}

	start := time.Now()
	resp, err := s.provider.Generate(ctx, req)
	common.LogAICall(model, time.Since(start), err, false)
	if err != nil {
		return nil, err
	}

	if useCache {
		_ = s.cacheManager.Set(ctx, model, key, resp.Content)
	}
	return resp, nil
}

// Model 目前使用的模型
func (s *Service) Model() string {
	if s.provider == nil {
		return ""
	}
	return s.provider.GetModel()
}

// Close 關閉提供者與快取
func (s *Service) Close() error {
	if s.cacheManager != nil {
		_ = s.cacheManager.Close()
	}
	if s.provider != nil {
		return s.provider.Close()
	}
	return nil
}

// cacheKey 統一 prompt 格式，確保快取 key 一致
func cacheKey(req *provider.Request) string {
	var sb strings.Builder
	for _, m := range req.Messages {
		sb.WriteString(m.Role)
		sb.WriteString(":")
		sb.WriteString(strings.Join(strings.Fields(m.Content), " "))
		sb.WriteString("\n")
	}
	if req.JSONMode {
		sb.WriteString("json\n")
	}
	return sb.String()
}
