package fetch

import (
	"errors"
	"strings"
	"sync"
	"time"

	"recipe-ingest/internal/pkg/clock"
)

// ErrBreakerOpen 網域斷路器開啟中
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState 斷路器狀態
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常放行
	BreakerOpen                         // 直接拒絕
	BreakerHalfOpen                     // 允許單一探測
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerSettings 斷路器參數
type BreakerSettings struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
}

// breaker 單一網域的斷路器，由 Breakers 的鎖保護
type breaker struct {
	state        BreakerState
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	probing      bool
}

// Breakers 以網域為單位的斷路器集合，供並行抓取共用
type Breakers struct {
	mu       sync.Mutex
	settings BreakerSettings
	clock    clock.Clock
	byDomain map[string]*breaker
	onTrip   func(domain string)
}

// NewBreakers 創建斷路器集合；onTrip 於斷路器開啟時呼叫，可為 nil
func NewBreakers(settings BreakerSettings, clk clock.Clock, onTrip func(domain string)) *Breakers {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Breakers{
		settings: settings,
		clock:    clk,
		byDomain: make(map[string]*breaker),
		onTrip:   onTrip,
	}
}

func (b *Breakers) get(domain string) *breaker {
	domain = strings.ToLower(domain)
	br, ok := b.byDomain[domain]
	if !ok {
		br = &breaker{}
		b.byDomain[domain] = br
	}
	return br
}

func (b *Breakers) maybeHalfOpen(br *breaker) {
	if br.state == BreakerOpen && b.clock.Now().Sub(br.openedAt) >= b.settings.Cooldown {
		br.state = BreakerHalfOpen
		br.probing = false
	}
}

// Allow 是否放行；半開時只放行一個探測請求
func (b *Breakers) Allow(domain string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(domain)
	b.maybeHalfOpen(br)
	switch br.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if br.probing {
			return false
		}
		br.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess 記錄成功
func (b *Breakers) RecordSuccess(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(domain)
	br.state = BreakerClosed
	br.failures = 0
	br.probing = false
}

// RecordFailure 記錄失敗；視窗外的舊失敗不累計
func (b *Breakers) RecordFailure(domain string) {
	b.mu.Lock()
	now := b.clock.Now()
	br := b.get(domain)
	tripped := false

	switch br.state {
	case BreakerHalfOpen:
		br.state = BreakerOpen
		br.openedAt = now
		br.probing = false
		tripped = true
	case BreakerClosed:
		if br.failures == 0 || (b.settings.Window > 0 && now.Sub(br.firstFailure) > b.settings.Window) {
			br.failures = 0
			br.firstFailure = now
		}
		br.failures++
		if br.failures >= b.settings.FailureThreshold {
			br.state = BreakerOpen
			br.openedAt = now
			tripped = true
		}
	case BreakerOpen:
		br.openedAt = now
	}
	onTrip := b.onTrip
	b.mu.Unlock()

	if tripped && onTrip != nil {
		onTrip(strings.ToLower(domain))
	}
}

// Release 半開探測未產生結果（例如被取消）時釋放探測名額
func (b *Breakers) Release(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(domain)
	if br.state == BreakerHalfOpen {
		br.probing = false
	}
}

// State 查詢網域狀態
func (b *Breakers) State(domain string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(domain)
	b.maybeHalfOpen(br)
	return br.state
}
