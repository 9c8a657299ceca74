// Package clock 提供可替換的時間來源，方便測試時間相關邏輯
package clock

import (
	"sync"
	"time"
)

// Clock 時間介面
type Clock interface {
	Now() time.Time
}

// RealClock 系統時間
type RealClock struct{}

// Now 回傳目前時間
func (RealClock) Now() time.Time {
	return time.Now()
}

// Fake 可手動推進的時間，僅供測試
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake 創建固定起點的時間
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now 回傳目前模擬時間
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance 推進模擬時間
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

var (
	_ Clock = RealClock{}
	_ Clock = (*Fake)(nil)
)
