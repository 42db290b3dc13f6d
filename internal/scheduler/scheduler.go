// Package scheduler runs the background tick pair: periodic tasks whose
// executions never overlap. A tick still in flight when its next
// deadline arrives coalesces with it instead of running concurrently.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TaskHandler is the function executed for a task.
type TaskHandler func(ctx context.Context) error

// Task is one periodic background task.
type Task struct {
	ID       string
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Handler  TaskHandler

	mu         sync.Mutex
	running    bool
	LastRun    *time.Time
	RunCount   int64
	ErrorCount int64
	LastError  string
}

// Scheduler manages the task set.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:  make(map[string]*Task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a task. Registering after Start launches it immediately.
func (s *Scheduler) Register(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Handler == nil {
		return fmt.Errorf("task handler is required")
	}
	if task.Interval <= 0 {
		return fmt.Errorf("task interval must be positive")
	}
	if task.Timeout == 0 {
		task.Timeout = 5 * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task already registered: %s", task.ID)
	}
	s.tasks[task.ID] = task

	if s.started {
		s.launch(task)
	}
	return nil
}

// Start launches every registered task's tick loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	for _, task := range s.tasks {
		s.launch(task)
	}
	return nil
}

// Stop cancels all tick loops and waits for in-flight ticks to finish.
// Each in-flight tick is bounded by its task timeout.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// launch starts one task's loop. Caller holds s.mu.
func (s *Scheduler) launch(task *Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(task.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				// Ticks run synchronously in this loop, so a slow tick
				// absorbs the deadlines it overran; time.Ticker drops
				// intermediate fires rather than queueing them.
				task.execute(s.ctx)
			}
		}
	}()
}

// RunNow executes a task immediately, unless a tick is already running
// (the in-flight execution counts as this one).
func (s *Scheduler) RunNow(taskID string) error {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}

	task.execute(s.ctx)
	return nil
}

// execute runs the handler once under the task timeout. Overlapping
// calls coalesce: the second caller returns without running.
func (t *Task) execute(parent context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	now := time.Now()
	t.LastRun = &now
	t.RunCount++
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, t.Timeout)
	err := t.Handler(ctx)
	cancel()

	t.mu.Lock()
	t.running = false
	if err != nil {
		t.ErrorCount++
		t.LastError = err.Error()
	} else {
		t.LastError = ""
	}
	t.mu.Unlock()
}

// TaskStatus is a snapshot of one task's counters.
type TaskStatus struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Interval   string     `json:"interval"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
	LastError  string     `json:"last_error,omitempty"`
}

// Status returns a snapshot of every task.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, task := range s.tasks {
		task.mu.Lock()
		statuses = append(statuses, TaskStatus{
			ID:         task.ID,
			Name:       task.Name,
			Interval:   task.Interval.String(),
			LastRun:    task.LastRun,
			RunCount:   task.RunCount,
			ErrorCount: task.ErrorCount,
			LastError:  task.LastError,
		})
		task.mu.Unlock()
	}
	return statuses
}
