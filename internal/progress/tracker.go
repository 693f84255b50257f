// Package progress keeps an in-memory registry of sync tasks for status
// polling. Nothing is persisted: after a restart every earlier task id is
// unknown.
package progress

import (
	"errors"
	"sort"
	"sync"
	"time"

	"erpsync/internal/pkg/metrics"

	"github.com/google/uuid"
)

// Status of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	// MaxLogEntries bounds the per-task log.
	MaxLogEntries = 100
	// DefaultRetention is how long terminal tasks are kept.
	DefaultRetention = 24 * time.Hour
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// LogEntry is one line of a task log.
type LogEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// SyncTask is a snapshot of one sync invocation.
type SyncTask struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Params      map[string]string `json:"params,omitempty"`
	Status      Status            `json:"status"`
	Progress    int               `json:"progress"`
	Current     int               `json:"current"`
	Total       int               `json:"total"`
	Step        string            `json:"step"`
	Log         []LogEntry        `json:"log"`
	Result      any               `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

type task struct {
	SyncTask
	// ring buffer state
	logStart int
	logLen   int
	ring     []LogEntry
}

func (t *task) appendLog(e LogEntry) {
	if t.ring == nil {
		t.ring = make([]LogEntry, MaxLogEntries)
	}
	if t.logLen < MaxLogEntries {
		t.ring[(t.logStart+t.logLen)%MaxLogEntries] = e
		t.logLen++
		return
	}
	t.ring[t.logStart] = e
	t.logStart = (t.logStart + 1) % MaxLogEntries
}

func (t *task) snapshot() SyncTask {
	out := t.SyncTask
	out.Log = make([]LogEntry, 0, t.logLen)
	for i := 0; i < t.logLen; i++ {
		out.Log = append(out.Log, t.ring[(t.logStart+i)%MaxLogEntries])
	}
	if t.Params != nil {
		out.Params = make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			out.Params[k] = v
		}
	}
	return out
}

// Tracker is safe for concurrent use by sync runs and status readers.
type Tracker struct {
	mu        sync.Mutex
	tasks     map[string]*task
	retention time.Duration
	now       func() time.Time
}

// New creates a tracker. A non-positive retention falls back to 24h.
func New(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{
		tasks:     make(map[string]*task),
		retention: retention,
		now:       time.Now,
	}
}

// Create registers a pending task and returns its id.
func (t *Tracker) Create(syncType string, params map[string]string) string {
	id := uuid.NewString()
	tk := &task{SyncTask: SyncTask{
		ID:        id,
		Type:      syncType,
		Status:    StatusPending,
		CreatedAt: t.now(),
	}}
	if len(params) > 0 {
		tk.Params = make(map[string]string, len(params))
		for k, v := range params {
			tk.Params[k] = v
		}
	}

	t.mu.Lock()
	t.tasks[id] = tk
	t.mu.Unlock()
	t.publish()
	return id
}

// Start moves a pending task to running.
func (t *Tracker) Start(id string) error {
	return t.mutate(id, func(tk *task) error {
		if tk.Status != StatusPending {
			return ErrInvalidTransition
		}
		now := t.now()
		tk.Status = StatusRunning
		tk.StartedAt = &now
		return nil
	})
}

// UpdateProgress records progress for a running task. Percent never goes
// backwards and stays below 100 until Complete. An empty step keeps the
// previous one; an empty logLine adds nothing to the log.
func (t *Tracker) UpdateProgress(id string, percent, current, total int, step, logLine string) error {
	return t.mutate(id, func(tk *task) error {
		if tk.Status != StatusRunning {
			return ErrInvalidTransition
		}
		if percent > 99 {
			percent = 99
		}
		if percent > tk.Progress {
			tk.Progress = percent
		}
		tk.Current = current
		tk.Total = total
		if step != "" {
			tk.Step = step
		}
		if logLine != "" {
			tk.appendLog(LogEntry{At: t.now(), Message: logLine})
		}
		return nil
	})
}

// Log appends a line without touching progress.
func (t *Tracker) Log(id, line string) error {
	return t.mutate(id, func(tk *task) error {
		tk.appendLog(LogEntry{At: t.now(), Message: line})
		return nil
	})
}

// Complete marks a running task completed with result.
func (t *Tracker) Complete(id string, result any) error {
	return t.mutate(id, func(tk *task) error {
		if tk.Status != StatusRunning {
			return ErrInvalidTransition
		}
		now := t.now()
		tk.Status = StatusCompleted
		tk.Progress = 100
		tk.Result = result
		tk.CompletedAt = &now
		return nil
	})
}

// Fail marks a pending or running task failed. result may carry the partial
// counters of the run.
func (t *Tracker) Fail(id string, cause error, result any) error {
	return t.mutate(id, func(tk *task) error {
		if tk.Status.Terminal() {
			return ErrInvalidTransition
		}
		now := t.now()
		tk.Status = StatusFailed
		if cause != nil {
			tk.Error = cause.Error()
		}
		tk.Result = result
		tk.CompletedAt = &now
		return nil
	})
}

// Get returns a snapshot of the task or ErrNotFound.
func (t *Tracker) Get(id string) (SyncTask, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[id]
	if !ok {
		return SyncTask{}, ErrNotFound
	}
	return tk.snapshot(), nil
}

// List returns snapshots of all tasks, newest first.
func (t *Tracker) List() []SyncTask {
	t.mu.Lock()
	out := make([]SyncTask, 0, len(t.tasks))
	for _, tk := range t.tasks {
		out = append(out, tk.snapshot())
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Sweep removes terminal tasks that finished more than the retention window
// before now and returns how many were removed.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	removed := 0
	for id, tk := range t.tasks {
		if !tk.Status.Terminal() || tk.CompletedAt == nil {
			continue
		}
		if now.Sub(*tk.CompletedAt) > t.retention {
			delete(t.tasks, id)
			removed++
		}
	}
	t.mu.Unlock()
	if removed > 0 {
		t.publish()
	}
	return removed
}

func (t *Tracker) mutate(id string, fn func(*task) error) error {
	t.mu.Lock()
	tk, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	prev := tk.Status
	err := fn(tk)
	changed := prev != tk.Status
	t.mu.Unlock()
	if changed {
		t.publish()
	}
	return err
}

func (t *Tracker) publish() {
	counts := map[Status]int{StatusPending: 0, StatusRunning: 0, StatusCompleted: 0, StatusFailed: 0}
	t.mu.Lock()
	for _, tk := range t.tasks {
		counts[tk.Status]++
	}
	t.mu.Unlock()
	for status, n := range counts {
		metrics.TrackedTasks.WithLabelValues(string(status)).Set(float64(n))
	}
}
