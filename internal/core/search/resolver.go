package search

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"recipe-ingest/internal/infrastructure/config"
	"recipe-ingest/internal/pkg/common"

	"go.uber.org/zap"
)

// Resolver 以 ID 取得供應商，並在可重試的錯誤時改用預設供應商
type Resolver struct {
	providers     map[string]Provider
	defaultID     string
	allowFallback bool
	maxResults    int
}

// NewResolver 依設定建立內建供應商；未知的供應商 ID 會被忽略
func NewResolver(cfg config.SearchConfig) *Resolver {
	r := &Resolver{
		providers:     make(map[string]Provider),
		defaultID:     cfg.DefaultProvider,
		allowFallback: cfg.AllowFallback,
		maxResults:    cfg.MaxResults,
	}
	for id, pc := range cfg.Providers {
		factory, ok := builtinFactories[id]
		if !ok {
			common.LogWarn("未知的搜尋供應商設定，已略過", zap.String("provider", id))
			continue
		}
		r.Register(factory(id, pc))
	}
	return r
}

// Register 註冊供應商，同 ID 覆蓋
func (r *Resolver) Register(p Provider) {
	r.providers[p.ID()] = p
}

// DefaultID 預設供應商 ID
func (r *Resolver) DefaultID() string {
	return r.defaultID
}

// Resolve 取得供應商；空 ID 使用預設
func (r *Resolver) Resolve(id string) (Provider, error) {
	if id == "" {
		id = r.defaultID
	}
	p, ok := r.providers[id]
	if !ok {
		return nil, common.ErrUnknownSearchProvider.WithMessage(fmt.Sprintf("unknown search provider %q", id))
	}
	if !p.Descriptor().Enabled {
		return nil, common.ErrDisabledSearchProvider.WithMessage(fmt.Sprintf("search provider %q is disabled", id))
	}
	return p, nil
}

// List 列出所有供應商，依 ID 排序
func (r *Resolver) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.providers))
	for id, p := range r.providers {
		d := p.Descriptor()
		d.IsDefault = id == r.defaultID
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListEnabled 只列出已啟用的供應商
func (r *Resolver) ListEnabled() []Descriptor {
	var out []Descriptor
	for _, d := range r.List() {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Outcome 搜尋結果與實際使用的供應商
type Outcome struct {
	ProviderID     string      `json:"providerId"`
	RequestedID    string      `json:"requestedProviderId"`
	Candidates     []Candidate `json:"candidates"`
	FallbackFrom   string      `json:"fallbackFrom,omitempty"`
	FallbackReason string      `json:"fallbackReason,omitempty"`
}

// FellBack 是否改用了預設供應商
func (o *Outcome) FellBack() bool {
	return o.FallbackFrom != ""
}

// Search 以指定供應商搜尋；限流、配額或暫時性錯誤時最多改用預設供應商一次
func (r *Resolver) Search(ctx context.Context, providerID string, req Request) (*Outcome, error) {
	p, err := r.Resolve(providerID)
	if err != nil {
		return nil, err
	}
	if req.MaxResults <= 0 {
		req.MaxResults = r.maxResults
	}

	out := &Outcome{ProviderID: p.ID(), RequestedID: p.ID()}
	cands, err := p.Search(ctx, req)
	if err == nil {
		out.Candidates = cands
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !r.allowFallback || p.ID() == r.defaultID || !Retryable(err) {
		return nil, err
	}

	fallback, ferr := r.Resolve("")
	if ferr != nil {
		return nil, err
	}
	common.LogWarn("搜尋供應商失敗，改用預設供應商",
		zap.String("provider", p.ID()),
		zap.String("fallback", fallback.ID()),
		zap.Error(err),
	)

	cands, ferr = fallback.Search(ctx, req)
	if ferr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ferr
	}
	out.ProviderID = fallback.ID()
	out.FallbackFrom = p.ID()
	out.FallbackReason = common.ErrorCode(err)
	out.Candidates = cands
	return out, nil
}

// Retryable 可觸發備援的錯誤
func Retryable(err error) bool {
	return errors.Is(err, common.ErrSearchRateLimited) ||
		errors.Is(err, common.ErrSearchQuotaExceeded) ||
		errors.Is(err, common.ErrSearchTransient)
}
