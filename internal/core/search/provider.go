// Package search 將搜尋請求轉給可替換的搜尋供應商，並處理預設與備援
package search

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"recipe-ingest/internal/infrastructure/config"
	"recipe-ingest/internal/pkg/common"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// 安全搜尋等級
const (
	SafeSearchOff      = "off"
	SafeSearchModerate = "moderate"
	SafeSearchStrict   = "strict"
)

// 供應商能力
const (
	CapabilityWeb        = "web"
	CapabilityMarket     = "market"
	CapabilitySafeSearch = "safesearch"
)

// Request 與供應商無關的搜尋請求
type Request struct {
	Query      string `json:"query"`
	MaxResults int    `json:"maxResults"`
	Market     string `json:"market,omitempty"`
	SafeSearch string `json:"safeSearch,omitempty"`
}

// Candidate 搜尋候選結果
type Candidate struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet,omitempty"`
	SiteName string `json:"siteName,omitempty"`
	Position int    `json:"position"`
}

// Descriptor 供應商描述
type Descriptor struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"displayName"`
	Enabled      bool     `json:"enabled"`
	IsDefault    bool     `json:"isDefault"`
	Capabilities []string `json:"capabilities"`
}

// Provider 搜尋供應商介面
type Provider interface {
	ID() string
	Descriptor() Descriptor
	Search(ctx context.Context, req Request) ([]Candidate, error)
}

// backend 各供應商共用的傳輸、限流與網域過濾
type backend struct {
	id      string
	cfg     config.SearchProviderConfig
	client  *resty.Client
	limiter *rate.Limiter
	caps    []string
}

func newBackend(id string, cfg config.SearchProviderConfig, caps ...string) *backend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = id
	}

	return &backend{
		id:  id,
		cfg: cfg,
		client: resty.New().
			SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		limiter: rate.NewLimiter(limit, burst),
		caps:    append([]string{CapabilityWeb}, caps...),
	}
}

func (b *backend) ID() string {
	return b.id
}

func (b *backend) Descriptor() Descriptor {
	return Descriptor{
		ID:           b.id,
		DisplayName:  b.cfg.DisplayName,
		Enabled:      b.cfg.Enabled,
		Capabilities: b.caps,
	}
}

// get 送出請求並將狀態碼轉為搜尋錯誤；本地限流不足時直接回報限流
func (b *backend) get(ctx context.Context, path string, query map[string]string, headers map[string]string, result interface{}) error {
	if !b.limiter.Allow() {
		return common.ErrSearchRateLimited.WithMessage(fmt.Sprintf("%s: local rate limit reached", b.id))
	}

	req := b.client.R().SetContext(ctx).SetResult(result)
	for k, v := range query {
		if v != "" {
			req.SetQueryParam(k, v)
		}
	}
	req.SetHeaders(headers)

	resp, err := req.Get(path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return common.ErrSearchTransient.Wrap(fmt.Errorf("%s: %w", b.id, err))
		}
		return common.ErrSearchTransient.Wrap(fmt.Errorf("%s: request failed: %w", b.id, err))
	}
	return b.mapStatus(resp)
}

func (b *backend) mapStatus(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	cause := fmt.Errorf("%s returned status %d: %s", b.id, code, common.Truncate(resp.String(), 200))
	switch {
	case code == http.StatusTooManyRequests:
		return common.ErrSearchRateLimited.Wrap(cause)
	case code == http.StatusPaymentRequired || code == http.StatusForbidden:
		return common.ErrSearchQuotaExceeded.Wrap(cause)
	case code >= 500 || code == http.StatusRequestTimeout:
		return common.ErrSearchTransient.Wrap(cause)
	default:
		return common.ErrSearchFailed.Wrap(cause)
	}
}

// finish 套用允許/拒絕網域、去重並重新編號
func (b *backend) finish(cands []Candidate, max int) []Candidate {
	out := make([]Candidate, 0, len(cands))
	seen := make(map[string]bool)
	for _, c := range cands {
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
			continue
		}
		host := strings.ToLower(u.Hostname())
		if len(b.cfg.AllowDomains) > 0 && !matchesAny(host, b.cfg.AllowDomains) {
			continue
		}
		if matchesAny(host, b.cfg.DenyDomains) {
			continue
		}
		key := common.NormalizeURL(c.URL)
		if seen[key] {
			continue
		}
		seen[key] = true
		if c.SiteName == "" {
			c.SiteName = strings.TrimPrefix(host, "www.")
		}
		c.Position = len(out) + 1
		out = append(out, c)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

func (b *backend) safeSearch(req Request) string {
	if req.SafeSearch != "" {
		return req.SafeSearch
	}
	if b.cfg.SafeSearch != "" {
		return b.cfg.SafeSearch
	}
	return SafeSearchModerate
}

func (b *backend) market(req Request) string {
	if req.Market != "" {
		return req.Market
	}
	return b.cfg.Market
}

func matchesAny(host string, domains []string) bool {
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
