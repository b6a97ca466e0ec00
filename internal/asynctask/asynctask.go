// Package asynctask implements spec.md §4.13's Async Task Manager: a
// bounded worker pool consuming a priority queue (priority x submission
// time), each task running through a caller-supplied executor.
//
// Grounded on original_source/mcp_server/core/async_ops/task_manager.py's
// AsyncOperationManager (priority queue with inverted priority value,
// submit/get_status/get_result/cancel) and the teacher's `SafeGo`
// background-worker idiom. container/heap backs the priority queue
// (stdlib, justified in DESIGN.md — no pack dependency offers one);
// golang.org/x/sync/errgroup manages worker-goroutine lifetime and
// propagates the first unexpected worker error on Shutdown; task IDs are
// github.com/google/uuid values (SPEC_FULL.md DOMAIN STACK).
package asynctask

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var errTaskNotFound = errors.New("asynctask: task not found")

// Status is spec.md §3's Task.status enumeration.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Priority is spec.md §3's Task.priority enumeration.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// Task is spec.md §3's async Task entity.
type Task struct {
	ID              string
	Command         string
	Status          Status
	Priority        Priority
	TimeoutCategory string
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	Result          string
	Err             error

	done     chan struct{}
	cancel   context.CancelFunc
	callback Callback
}

// Executor runs a single command to completion; the Manager calls it once
// per task from a worker goroutine.
type Executor func(ctx context.Context, command, timeoutCategory string) (string, error)

// Callback is invoked when a task reaches a terminal state: from the worker
// goroutine, or from Cancel's caller for a task cancelled while pending.
type Callback func(*Task)

type queueItem struct {
	taskID    string
	priority  Priority
	submitted time.Time
	index     int
}

// priorityQueue orders by priority descending, then submission time
// ascending, per spec.md §4.13's "priority x submission time".
type priorityQueue []*queueItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority > pq[j].priority
	}
	return pq[i].submitted.Before(pq[j].submitted)
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// Config configures a Manager.
type Config struct {
	MaxWorkers    int // default 5, spec.md §4.13
	MaxConcurrent int // default 3, spec.md §4.13
}

// Manager is spec.md §4.13's Async Task Manager.
type Manager struct {
	mu    sync.Mutex
	cond  *sync.Cond
	tasks map[string]*Task
	pq    priorityQueue

	exec     Executor
	sem      *semaphore.Weighted
	stopped  bool
	eg       *errgroup.Group
	egCancel context.CancelFunc

	stats Stats
}

// Stats is spec.md §4.13's "total, completed, failed, EWMA execution time,
// concurrent peak" metrics snapshot.
type Stats struct {
	Total          int
	Completed      int
	Failed         int
	Cancelled      int
	Running        int
	PeakConcurrent int
	AvgExecTime    time.Duration
}

// execTimeEWMAAlpha matches internal/resilience's EWMA smoothing constant,
// for the same reason: a single slow task shouldn't swing the average as
// hard as a running mean would.
const execTimeEWMAAlpha = 0.1

// Stats returns a snapshot of the manager's running totals.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// New builds and starts a Manager with cfg.MaxWorkers background workers,
// each pulling from the shared priority queue and gated by a
// cfg.MaxConcurrent-wide admission semaphore.
func New(cfg Config, exec Executor) *Manager {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 5
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}

	m := &Manager{
		tasks: make(map[string]*Task),
		exec:  exec,
		sem:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	m.cond = sync.NewCond(&m.mu)

	ctx, cancel := context.WithCancel(context.Background())
	m.egCancel = cancel
	eg, egCtx := errgroup.WithContext(ctx)
	m.eg = eg

	for i := 0; i < cfg.MaxWorkers; i++ {
		eg.Go(func() error {
			m.workerLoop(egCtx)
			return nil
		})
	}
	return m
}

// Submit enqueues command for asynchronous execution and returns its task
// ID, per spec.md §4.13's submit operation.
func (m *Manager) Submit(command string, priority Priority, timeoutCategory string, cb Callback) string {
	id := uuid.NewString()
	t := &Task{
		ID:              id,
		Command:         command,
		Status:          StatusPending,
		Priority:        priority,
		TimeoutCategory: timeoutCategory,
		CreatedAt:       time.Now(),
		done:            make(chan struct{}),
	}
	if cb != nil {
		t.callback = cb
	}

	m.mu.Lock()
	m.tasks[id] = t
	heap.Push(&m.pq, &queueItem{taskID: id, priority: priority, submitted: t.CreatedAt})
	m.stats.Total++
	m.mu.Unlock()
	m.cond.Signal()

	return id
}

// GetStatus returns the task's current snapshot.
func (m *Manager) GetStatus(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// GetResult blocks (up to timeout, 0 = indefinite) until id completes,
// fails, or is cancelled, returning its result or the terminal error, per
// spec.md §4.13's get_result operation.
func (m *Manager) GetResult(ctx context.Context, id string, timeout time.Duration) (string, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return "", errTaskNotFound
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-t.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.Status == StatusCompleted {
			return t.Result, nil
		}
		return "", t.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel cancels a pending or running task, per spec.md §4.13. Returns
// false if the task is unknown or already terminal.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	switch t.Status {
	case StatusPending:
		t.Status = StatusCancelled
		t.CompletedAt = time.Now()
		m.stats.Cancelled++
		cb := t.callback
		close(t.done)
		m.mu.Unlock()
		if cb != nil {
			cb(t)
		}
		return true
	case StatusRunning:
		cancel := t.cancel
		t.Status = StatusCancelled
		t.CompletedAt = time.Now()
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	default:
		m.mu.Unlock()
		return false
	}
}

// Shutdown stops accepting new work from the queue and waits for
// in-flight workers to exit, returning the first unexpected worker error
// (if any).
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.cond.Broadcast()
	m.egCancel()
	return m.eg.Wait()
}

func (m *Manager) workerLoop(ctx context.Context) {
	for {
		m.mu.Lock()
		for len(m.pq) == 0 && !m.stopped {
			m.cond.Wait()
		}
		if m.stopped && len(m.pq) == 0 {
			m.mu.Unlock()
			return
		}
		item := heap.Pop(&m.pq).(*queueItem)
		t, ok := m.tasks[item.taskID]
		m.mu.Unlock()
		if !ok || t.Status != StatusPending {
			continue
		}

		if err := m.sem.Acquire(ctx, 1); err != nil {
			return
		}
		m.runTask(ctx, t)
		m.sem.Release(1)
	}
}

func (m *Manager) runTask(ctx context.Context, t *Task) {
	taskCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	t.Status = StatusRunning
	t.StartedAt = time.Now()
	t.cancel = cancel
	m.stats.Running++
	if m.stats.Running > m.stats.PeakConcurrent {
		m.stats.PeakConcurrent = m.stats.Running
	}
	m.mu.Unlock()

	result, err := m.exec(taskCtx, t.Command, t.TimeoutCategory)
	cancel()

	m.mu.Lock()
	t.CompletedAt = time.Now()
	m.stats.Running--
	m.recordExecTimeLocked(t.CompletedAt.Sub(t.StartedAt))
	if t.Status == StatusCancelled {
		m.stats.Cancelled++
		cb := t.callback
		close(t.done)
		m.mu.Unlock()
		if cb != nil {
			cb(t)
		}
		return
	}
	if err != nil {
		t.Status = StatusFailed
		t.Err = err
		m.stats.Failed++
	} else {
		t.Status = StatusCompleted
		t.Result = result
		m.stats.Completed++
	}
	cb := t.callback
	close(t.done)
	m.mu.Unlock()

	if cb != nil {
		cb(t)
	}
}

// recordExecTimeLocked updates the EWMA execution-time stat; caller holds m.mu.
func (m *Manager) recordExecTimeLocked(d time.Duration) {
	if m.stats.AvgExecTime == 0 {
		m.stats.AvgExecTime = d
		return
	}
	m.stats.AvgExecTime = time.Duration(execTimeEWMAAlpha*float64(d) + (1-execTimeEWMAAlpha)*float64(m.stats.AvgExecTime))
}
