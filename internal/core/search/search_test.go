package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"recipe-ingest/internal/infrastructure/config"
	"recipe-ingest/internal/pkg/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonServer(t *testing.T, status int, body string, check func(r *http.Request)) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func providerConfig(baseURL string) config.SearchProviderConfig {
	return config.SearchProviderConfig{Enabled: true, BaseURL: baseURL, APIKey: "k", EngineID: "cx"}
}

func TestBrave_Search(t *testing.T) {
	srv, _ := jsonServer(t, http.StatusOK, `{"web":{"results":[
		{"title":"Best <strong>Pancakes</strong>","url":"https://www.pancakes.example/classic","description":"Fluffy &amp; light","profile":{"name":"Pancake Hub"}},
		{"title":"Spam","url":"https://spam.example/x"},
		{"title":"Dup","url":"https://www.pancakes.example/classic/"},
		{"title":"Bad","url":"ftp://files.example/x"},
		{"title":"Second","url":"https://blog.cooks.example/pancakes"}
	]}}`, func(r *http.Request) {
		assert.Equal(t, "/web/search", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "pancakes recipe", r.URL.Query().Get("q"))
		assert.Equal(t, "5", r.URL.Query().Get("count"))
		assert.Equal(t, "strict", r.URL.Query().Get("safesearch"))
		assert.Equal(t, "GB", r.URL.Query().Get("country"))
	})

	cfg := providerConfig(srv.URL)
	cfg.DenyDomains = []string{"spam.example"}
	cfg.Market = "GB"
	p := NewBrave(ProviderBrave, cfg)

	got, err := p.Search(context.Background(), Request{Query: "pancakes recipe", MaxResults: 5, SafeSearch: SafeSearchStrict})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, Candidate{
		URL:      "https://www.pancakes.example/classic",
		Title:    "Best Pancakes",
		Snippet:  "Fluffy & light",
		SiteName: "Pancake Hub",
		Position: 1,
	}, got[0])
	assert.Equal(t, "blog.cooks.example", got[1].SiteName)
	assert.Equal(t, 2, got[1].Position)
}

func TestGoogle_Search(t *testing.T) {
	srv, _ := jsonServer(t, http.StatusOK, `{"items":[{"title":"Soup","link":"https://soups.example/a","snippet":"hot"}]}`,
		func(r *http.Request) {
			q := r.URL.Query()
			assert.Equal(t, "k", q.Get("key"))
			assert.Equal(t, "cx", q.Get("cx"))
			assert.Equal(t, "10", q.Get("num"))
			assert.Equal(t, "active", q.Get("safe"))
		})

	got, err := NewGoogle(ProviderGoogle, providerConfig(srv.URL)).Search(context.Background(), Request{Query: "soup", MaxResults: 50})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "soups.example", got[0].SiteName)
}

func TestSearxng_Search(t *testing.T) {
	srv, _ := jsonServer(t, http.StatusOK, `{"results":[
		{"url":"https://a.example/1","title":"One"},
		{"url":"https://b.example/2","title":"Two"},
		{"url":"https://c.example/3","title":"Three"}
	]}`, func(r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.Equal(t, "0", r.URL.Query().Get("safesearch"))
	})

	cfg := providerConfig(srv.URL)
	cfg.AllowDomains = []string{"a.example", "c.example"}
	got, err := NewSearxng(ProviderSearxng, cfg).Search(context.Background(), Request{Query: "x", MaxResults: 10, SafeSearch: SafeSearchOff})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "https://a.example/1", got[0].URL)
	assert.Equal(t, "https://c.example/3", got[1].URL)
	assert.Equal(t, 2, got[1].Position)
}

func TestSearch_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   *common.CustomError
	}{
		{http.StatusTooManyRequests, common.ErrSearchRateLimited},
		{http.StatusPaymentRequired, common.ErrSearchQuotaExceeded},
		{http.StatusForbidden, common.ErrSearchQuotaExceeded},
		{http.StatusBadGateway, common.ErrSearchTransient},
		{http.StatusServiceUnavailable, common.ErrSearchTransient},
		{http.StatusBadRequest, common.ErrSearchFailed},
		{http.StatusUnauthorized, common.ErrSearchFailed},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := jsonServer(t, tt.status, `{"error":"x"}`, nil)
			_, err := NewSearxng(ProviderSearxng, providerConfig(srv.URL)).Search(context.Background(), Request{Query: "q"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestSearch_LocalRateLimit(t *testing.T) {
	srv, hits := jsonServer(t, http.StatusOK, `{"results":[]}`, nil)
	cfg := providerConfig(srv.URL)
	cfg.RequestsPerSec = 0.001
	cfg.Burst = 1
	p := NewSearxng(ProviderSearxng, cfg)

	_, err := p.Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	_, err = p.Search(context.Background(), Request{Query: "q"})
	assert.True(t, errors.Is(err, common.ErrSearchRateLimited))
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

// stubProvider 可控的測試供應商
type stubProvider struct {
	id      string
	enabled bool
	err     error
	cands   []Candidate
	calls   int
}

func (s *stubProvider) ID() string { return s.id }

func (s *stubProvider) Descriptor() Descriptor {
	return Descriptor{ID: s.id, DisplayName: s.id, Enabled: s.enabled, Capabilities: []string{CapabilityWeb}}
}

func (s *stubProvider) Search(ctx context.Context, req Request) ([]Candidate, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.cands, nil
}

func newTestResolver(allowFallback bool, providers ...*stubProvider) *Resolver {
	r := NewResolver(config.SearchConfig{DefaultProvider: "primary", AllowFallback: allowFallback, MaxResults: 5})
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func TestResolver_Resolve(t *testing.T) {
	r := newTestResolver(true,
		&stubProvider{id: "primary", enabled: true},
		&stubProvider{id: "off", enabled: false},
	)

	p, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "primary", p.ID())

	_, err = r.Resolve("nope")
	assert.Equal(t, common.ErrCodeUnknownSearchProvider, common.ErrorCode(err))

	_, err = r.Resolve("off")
	assert.Equal(t, common.ErrCodeDisabledSearchProvider, common.ErrorCode(err))
}

func TestResolver_List(t *testing.T) {
	r := newTestResolver(true,
		&stubProvider{id: "zeta", enabled: true},
		&stubProvider{id: "primary", enabled: true},
		&stubProvider{id: "off", enabled: false},
	)

	all := r.List()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"off", "primary", "zeta"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.True(t, all[1].IsDefault)
	assert.False(t, all[0].IsDefault)

	assert.Len(t, r.ListEnabled(), 2)
}

func TestNewResolver_BuiltinProviders(t *testing.T) {
	r := NewResolver(config.SearchConfig{
		DefaultProvider: ProviderSearxng,
		Providers: map[string]config.SearchProviderConfig{
			ProviderSearxng: {Enabled: true, BaseURL: "http://localhost:8888"},
			ProviderBrave:   {Enabled: false},
			"mystery":       {Enabled: true},
		},
	})

	assert.Len(t, r.List(), 2)
	_, err := r.Resolve(ProviderBrave)
	assert.True(t, errors.Is(err, common.ErrDisabledSearchProvider))
	_, err = r.Resolve("mystery")
	assert.True(t, errors.Is(err, common.ErrUnknownSearchProvider))
}

func TestResolver_Fallback(t *testing.T) {
	primary := &stubProvider{id: "primary", enabled: true, cands: []Candidate{{URL: "https://a.example", Position: 1}}}
	other := &stubProvider{id: "other", enabled: true, err: common.ErrSearchQuotaExceeded.WithMessage("quota")}
	r := newTestResolver(true, primary, other)

	out, err := r.Search(context.Background(), "other", Request{Query: "q"})
	require.NoError(t, err)

	assert.True(t, out.FellBack())
	assert.Equal(t, "primary", out.ProviderID)
	assert.Equal(t, "other", out.RequestedID)
	assert.Equal(t, "other", out.FallbackFrom)
	assert.Equal(t, common.ErrCodeSearchQuotaExceeded, out.FallbackReason)
	assert.Len(t, out.Candidates, 1)
	assert.Equal(t, 1, other.calls)
	assert.Equal(t, 1, primary.calls)
}

func TestResolver_NoFallback(t *testing.T) {
	tests := []struct {
		name          string
		allowFallback bool
		requested     string
		err           error
	}{
		{"fallback disabled", false, "other", common.ErrSearchRateLimited},
		{"non retryable error", true, "other", common.ErrSearchFailed},
		{"default itself failed", true, "primary", common.ErrSearchTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &stubProvider{id: "primary", enabled: true}
			other := &stubProvider{id: "other", enabled: true}
			if tt.requested == "primary" {
				primary.err = tt.err
			} else {
				other.err = tt.err
			}
			r := newTestResolver(tt.allowFallback, primary, other)

			_, err := r.Search(context.Background(), tt.requested, Request{Query: "q"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.err))
			assert.Equal(t, 1, primary.calls+other.calls, "at most one provider call")
		})
	}
}

func TestResolver_FallbackFailsToo(t *testing.T) {
	primary := &stubProvider{id: "primary", enabled: true, err: common.ErrSearchTransient}
	other := &stubProvider{id: "other", enabled: true, err: common.ErrSearchRateLimited}
	r := newTestResolver(true, primary, other)

	_, err := r.Search(context.Background(), "other", Request{Query: "q"})
	assert.True(t, errors.Is(err, common.ErrSearchTransient))
	assert.Equal(t, 1, primary.calls, "fallback is attempted once")
}

func TestResolver_Cancelled(t *testing.T) {
	srv, _ := jsonServer(t, http.StatusOK, `{"results":[]}`, nil)
	r := NewResolver(config.SearchConfig{
		DefaultProvider: ProviderSearxng,
		Providers:       map[string]config.SearchProviderConfig{ProviderSearxng: providerConfig(srv.URL)},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Search(ctx, "", Request{Query: "q"})
	assert.ErrorIs(t, err, context.Canceled)
}
