package task

import (
	"errors"
	"fmt"
	"time"
)

// Status 任務狀態
type Status string

const (
	StatusPending     Status = "Pending"
	StatusRunning     Status = "Running"
	StatusReviewReady Status = "ReviewReady"
	StatusCommitted   Status = "Committed"
	StatusRejected    Status = "Rejected"
	StatusExpired     Status = "Expired"
	StatusFailed      Status = "Failed"
)

// ErrInvalidTransition 不允許的狀態轉換
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidTransitions 允許的狀態轉換
//
//	Pending → Running, Failed（無法排入佇列時）
//	Running → ReviewReady, Failed
//	ReviewReady → Committed, Rejected, Expired
var ValidTransitions = map[Status][]Status{
	StatusPending:     {StatusRunning, StatusFailed},
	StatusRunning:     {StatusReviewReady, StatusFailed},
	StatusReviewReady: {StatusCommitted, StatusRejected, StatusExpired},
}

var terminalStatuses = map[Status]bool{
	StatusCommitted: true,
	StatusRejected:  true,
	StatusExpired:   true,
	StatusFailed:    true,
}

// IsValidTransition 檢查轉換是否合法；相同狀態不算轉換
func IsValidTransition(from, to Status) bool {
	if from == to {
		return false
	}
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// IsTerminalStatus 終態不可再轉換
func IsTerminalStatus(s Status) bool {
	return terminalStatuses[s]
}

// Transition 驗證並套用轉換，更新時間戳；呼叫端負責持久化
func (t *Task) Transition(to Status, now time.Time) error {
	if !IsValidTransition(t.Status, to) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.LastUpdated = now
	if to == StatusReviewReady {
		ts := now
		t.ReviewReadyAt = &ts
		t.CurrentPhase = PhaseReviewReady
		t.Progress = 100
	}
	return nil
}

// Fail 轉為 Failed 並記錄失敗階段
func (t *Task) Fail(phase Phase, code, message string, now time.Time) error {
	if err := t.Transition(StatusFailed, now); err != nil {
		return err
	}
	t.FailedPhase = phase
	if t.Result == nil {
		t.Result = &Result{}
	}
	t.Result.Error = &TaskError{Code: code, Message: message, Phase: phase}
	return nil
}

// ReviewDeadline 審核期限，非 ReviewReady 任務回傳零值
func (t *Task) ReviewDeadline(window time.Duration) time.Time {
	if t.ReviewReadyAt == nil {
		return time.Time{}
	}
	return t.ReviewReadyAt.Add(window)
}

// ReviewExpired 是否已超出審核期限
func (t *Task) ReviewExpired(window time.Duration, now time.Time) bool {
	if t.Status != StatusReviewReady || t.ReviewReadyAt == nil {
		return false
	}
	return !now.Before(t.ReviewDeadline(window))
}
