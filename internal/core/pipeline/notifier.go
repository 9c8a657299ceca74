package pipeline

import (
	"sync"
	"time"

	"recipe-ingest/internal/core/task"
)

// Event 任務進度事件
type Event struct {
	TaskID   string          `json:"taskId"`
	Status   task.Status     `json:"status"`
	Phase    task.Phase      `json:"currentPhase,omitempty"`
	Progress int             `json:"progress"`
	ETag     string          `json:"etag"`
	Error    *task.TaskError `json:"error,omitempty"`
	At       time.Time       `json:"at"`
}

// EventFromTask 由任務快照產生事件
func EventFromTask(t *task.Task) Event {
	e := Event{
		TaskID:   t.ID,
		Status:   t.Status,
		Phase:    t.CurrentPhase,
		Progress: t.Progress,
		ETag:     t.ETag,
		At:       t.LastUpdated,
	}
	if t.Result != nil {
		e.Error = t.Result.Error
	}
	return e
}

// Notifier 盡力而為的進度廣播；訂閱者跟不上時丟棄事件
type Notifier struct {
	mu     sync.Mutex
	subs   map[string]map[chan Event]struct{}
	buffer int
}

// NewNotifier 創建廣播器
func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 16
	}
	return &Notifier{subs: make(map[string]map[chan Event]struct{}), buffer: buffer}
}

// Subscribe 訂閱任務事件；呼叫回傳的函式取消訂閱
func (n *Notifier) Subscribe(taskID string) (<-chan Event, func()) {
	ch := make(chan Event, n.buffer)
	n.mu.Lock()
	if n.subs[taskID] == nil {
		n.subs[taskID] = make(map[chan Event]struct{})
	}
	n.subs[taskID][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[taskID], ch)
			if len(n.subs[taskID]) == 0 {
				delete(n.subs, taskID)
			}
			n.mu.Unlock()
			close(ch)
		})
	}
}

// Publish 廣播事件，不阻塞
func (n *Notifier) Publish(e Event) {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[e.TaskID] {
		select {
		case ch <- e:
		default:
		}
	}
}
