// Package fetch 安全地抓取不受信任的網頁內容：SSRF 防護、大小上限、重試與網域斷路器
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"recipe-ingest/internal/infrastructure/config"
	"recipe-ingest/internal/pkg/clock"
	"recipe-ingest/internal/pkg/common"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrTooLarge 回應超過大小上限
var ErrTooLarge = errors.New("response body exceeds size ceiling")

// Result 抓取結果
type Result struct {
	URL         string      `json:"url"`
	FinalURL    string      `json:"finalUrl"`
	StatusCode  int         `json:"statusCode"`
	Header      http.Header `json:"headers"`
	ContentType string      `json:"contentType"`
	Body        []byte      `json:"-"`
	Attempts    int         `json:"attempts"`
	FetchedAt   time.Time   `json:"fetchedAt"`
}

// Fetcher 抓取器介面
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Result, error)
}

// Option 抓取器選項
type Option func(*Client)

// WithResolver 替換 DNS 解析器
func WithResolver(r Resolver) Option {
	return func(c *Client) { c.dialer.resolver = r }
}

// WithClock 替換時間來源
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithBreakers 共用既有的斷路器集合
func WithBreakers(b *Breakers) Option {
	return func(c *Client) { c.breakers = b }
}

// WithSleep 替換退避等待函式
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// Client 基於 resty 的抓取器
type Client struct {
	config   config.FetchConfig
	http     *resty.Client
	dialer   *guardedDialer
	breakers *Breakers
	clock    clock.Clock
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewClient 創建抓取器
func NewClient(cfg config.FetchConfig, breakerCfg config.BreakerConfig, opts ...Option) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "RecipeIngestBot/1.0"
	}

	c := &Client{
		config: cfg,
		dialer: &guardedDialer{
			resolver:     net.DefaultResolver,
			dialer:       &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
			allowPrivate: cfg.AllowPrivateNetworks,
		},
		clock: clock.RealClock{},
		sleep: sleepContext,
	}
	for _, o := range opts {
		o(c)
	}
	if c.breakers == nil {
		c.breakers = NewBreakers(BreakerSettings{
			FailureThreshold: breakerCfg.FailureThreshold,
			Window:           breakerCfg.Window,
			Cooldown:         breakerCfg.Cooldown,
		}, c.clock, logTrip)
	}

	// 不經 proxy，所有連線（含重新導向）都走受保護的撥號器
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           c.dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 5
	}

	c.http = resty.New().
		SetTransport(transport).
		SetTimeout(cfg.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(maxRedirects), schemeRedirectPolicy()).
		SetDoNotParseResponse(true).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")
	return c
}

// Breakers 取得斷路器集合
func (c *Client) Breakers() *Breakers {
	return c.breakers
}

// Fetch 抓取 URL；只重試逾時、連線錯誤與 5xx
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, common.ErrInvalidURL.Wrap(err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, common.ErrFetchBlocked.Wrap(fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme))
	}
	domain := strings.ToLower(u.Hostname())
	if domain == "" {
		return nil, common.ErrInvalidURL
	}

	var lastErr error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt)
			common.LogWarn("重試抓取",
				zap.String("domain", domain),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", wait),
				zap.Error(lastErr),
			)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		if !c.breakers.Allow(domain) {
			return nil, common.ErrCircuitOpen.Wrap(fmt.Errorf("%w: %s", ErrBreakerOpen, domain))
		}

		res, err := c.once(ctx, u.String())
		if err == nil {
			c.breakers.RecordSuccess(domain)
			res.URL = rawURL
			res.Attempts = attempt + 1
			return res, nil
		}

		if ctx.Err() != nil {
			c.breakers.Release(domain)
			return nil, ctx.Err()
		}

		retryable := isRetryable(err)
		switch {
		case retryable:
			c.breakers.RecordFailure(domain)
		case hostAnswered(err):
			// 4xx 或超過大小上限代表主機可達
			c.breakers.RecordSuccess(domain)
		default:
			c.breakers.Release(domain)
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, classify(lastErr)
}

// once 單次請求
func (c *Client) once(ctx context.Context, target string) (*Result, error) {
	resp, err := c.http.R().SetContext(ctx).Get(target)
	if err != nil {
		return nil, err
	}
	body := resp.RawBody()
	if body == nil {
		return nil, errors.New("empty response body")
	}
	defer body.Close()

	status := resp.StatusCode()
	if status >= 500 {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
		return nil, &statusError{code: status}
	}
	if status >= 400 {
		return nil, &statusError{code: status}
	}

	if cl := resp.RawResponse.ContentLength; cl >= c.config.MaxBytes {
		return nil, fmt.Errorf("%w: content-length %d", ErrTooLarge, cl)
	}
	data, err := io.ReadAll(io.LimitReader(body, c.config.MaxBytes))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) >= c.config.MaxBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, c.config.MaxBytes)
	}

	final := target
	if resp.RawResponse.Request != nil && resp.RawResponse.Request.URL != nil {
		final = resp.RawResponse.Request.URL.String()
	}
	return &Result{
		FinalURL:    final,
		StatusCode:  status,
		Header:      resp.Header(),
		ContentType: resp.Header().Get("Content-Type"),
		Body:        data,
		FetchedAt:   c.clock.Now(),
	}, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	base := c.config.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	wait := base << uint(attempt-1)
	if c.config.BackoffMax > 0 && (wait > c.config.BackoffMax || wait <= 0) {
		wait = c.config.BackoffMax
	}
	return wait
}

// statusError 非 2xx 的 HTTP 狀態
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

func isRetryable(err error) bool {
	if errors.Is(err, ErrBlockedAddress) || errors.Is(err, ErrTooLarge) || errors.Is(err, ErrUnsupportedScheme) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	return false
}

// hostAnswered 是否為主機已回應的錯誤
func hostAnswered(err error) bool {
	var se *statusError
	return errors.As(err, &se) || errors.Is(err, ErrTooLarge)
}

// classify 轉換為對外錯誤碼
func classify(err error) error {
	switch {
	case err == nil:
		return common.ErrFetchFailed
	case errors.Is(err, ErrBlockedAddress), errors.Is(err, ErrUnsupportedScheme):
		return common.ErrFetchBlocked.Wrap(err)
	case errors.Is(err, ErrTooLarge):
		return common.ErrFetchTooLarge.Wrap(err)
	default:
		return common.ErrFetchFailed.Wrap(err)
	}
}

// schemeRedirectPolicy 拒絕重新導向到非 http/https
func schemeRedirectPolicy() resty.RedirectPolicy {
	return resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
		s := strings.ToLower(req.URL.Scheme)
		if s != "http" && s != "https" {
			return fmt.Errorf("%w: redirect to %q", ErrUnsupportedScheme, req.URL.Scheme)
		}
		return nil
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func logTrip(domain string) {
	common.LogWarn("斷路器開啟", zap.String("domain", domain))
}

var _ Fetcher = (*Client)(nil)
