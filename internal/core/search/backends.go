package search

import (
	"context"
	"html"
	"strconv"
	"strings"

	"recipe-ingest/internal/infrastructure/config"
	"recipe-ingest/internal/pkg/common"

	"github.com/microcosm-cc/bluemonday"
)

// 內建供應商 ID
const (
	ProviderBrave   = "brave"
	ProviderGoogle  = "google"
	ProviderSearxng = "searxng"
)

// Factory 依設定建立供應商
type Factory func(id string, cfg config.SearchProviderConfig) Provider

// builtinFactories 內建供應商
var builtinFactories = map[string]Factory{
	ProviderBrave:   NewBrave,
	ProviderGoogle:  NewGoogle,
	ProviderSearxng: NewSearxng,
}

// Brave Brave Search API
type Brave struct {
	*backend
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			Profile     struct {
				Name string `json:"name"`
			} `json:"profile"`
		} `json:"results"`
	} `json:"web"`
}

// NewBrave 創建 Brave 供應商
func NewBrave(id string, cfg config.SearchProviderConfig) Provider {
	return &Brave{backend: newBackend(id, cfg, CapabilityMarket, CapabilitySafeSearch)}
}

// Search 執行搜尋
func (p *Brave) Search(ctx context.Context, req Request) ([]Candidate, error) {
	var out braveResponse
	err := p.get(ctx, "/web/search", map[string]string{
		"q":          req.Query,
		"count":      strconv.Itoa(clamp(req.MaxResults, 1, 20)),
		"country":    p.market(req),
		"safesearch": p.safeSearch(req),
	}, map[string]string{"X-Subscription-Token": p.cfg.APIKey}, &out)
	if err != nil {
		return nil, err
	}

	cands := make([]Candidate, 0, len(out.Web.Results))
	for _, r := range out.Web.Results {
		cands = append(cands, Candidate{
			URL:      r.URL,
			Title:    stripTags(r.Title),
			Snippet:  stripTags(r.Description),
			SiteName: r.Profile.Name,
		})
	}
	return p.finish(cands, req.MaxResults), nil
}

// Google Google Programmable Search (Custom Search JSON API)
type Google struct {
	*backend
}

type googleResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

// NewGoogle 創建 Google 供應商
func NewGoogle(id string, cfg config.SearchProviderConfig) Provider {
	return &Google{backend: newBackend(id, cfg, CapabilitySafeSearch)}
}

// Search 執行搜尋
func (p *Google) Search(ctx context.Context, req Request) ([]Candidate, error) {
	safe := "active"
	if p.safeSearch(req) == SafeSearchOff {
		safe = "off"
	}
	var out googleResponse
	err := p.get(ctx, "", map[string]string{
		"key":  p.cfg.APIKey,
		"cx":   p.cfg.EngineID,
		"q":    req.Query,
		"num":  strconv.Itoa(clamp(req.MaxResults, 1, 10)),
		"safe": safe,
		"gl":   p.market(req),
	}, nil, &out)
	if err != nil {
		return nil, err
	}

	cands := make([]Candidate, 0, len(out.Items))
	for _, it := range out.Items {
		cands = append(cands, Candidate{
			URL:     it.Link,
			Title:   stripTags(it.Title),
			Snippet: stripTags(it.Snippet),
		})
	}
	return p.finish(cands, req.MaxResults), nil
}

// Searxng 自架 SearXNG 實例
type Searxng struct {
	*backend
}

type searxngResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"results"`
}

// NewSearxng 創建 SearXNG 供應商
func NewSearxng(id string, cfg config.SearchProviderConfig) Provider {
	return &Searxng{backend: newBackend(id, cfg, CapabilityMarket, CapabilitySafeSearch)}
}

// Search 執行搜尋
func (p *Searxng) Search(ctx context.Context, req Request) ([]Candidate, error) {
	level := "1"
	switch p.safeSearch(req) {
	case SafeSearchOff:
		level = "0"
	case SafeSearchStrict:
		level = "2"
	}
	var out searxngResponse
	err := p.get(ctx, "/search", map[string]string{
		"q":          req.Query,
		"format":     "json",
		"language":   p.market(req),
		"safesearch": level,
	}, nil, &out)
	if err != nil {
		return nil, err
	}

	cands := make([]Candidate, 0, len(out.Results))
	for _, r := range out.Results {
		cands = append(cands, Candidate{URL: r.URL, Title: stripTags(r.Title), Snippet: stripTags(r.Content)})
	}
	return p.finish(cands, req.MaxResults), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var tagPolicy = bluemonday.StrictPolicy()

// stripTags Brave 會在標題與摘要中加上 <strong>
func stripTags(s string) string {
	s = html.UnescapeString(tagPolicy.Sanitize(s))
	return common.Truncate(strings.Join(strings.Fields(s), " "), 500)
}
