// Package scheduler owns named periodic tasks and their timers. Each started
// task runs a fixed-rate ticker; callbacks are invoked on their own goroutine
// so a slow run never delays the timer, and a failed or panicking run never
// stops it.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lectorlab/sibyl/internal/model"
)

// Task is a unit of periodic work. Fn is invoked once per tick. When
// AllowOverlap is false a tick that arrives while the previous invocation is
// still in flight is skipped and counted instead of stacked.
type Task struct {
	ID           string
	Interval     time.Duration
	Enabled      bool
	AllowOverlap bool
	Fn           func(ctx context.Context) error
}

// TaskStatus is a point-in-time snapshot of one registered task.
type TaskStatus struct {
	ID           string `json:"id"`
	Enabled      bool   `json:"enabled"`
	Running      bool   `json:"running"`
	IntervalMs   int64  `json:"interval_ms"`
	Runs         int64  `json:"runs"`
	Failures     int64  `json:"failures"`
	SkippedTicks int64  `json:"skipped_ticks"`
}

type taskState struct {
	task     Task
	cancel   context.CancelFunc // nil when the ticker loop is not running
	inFlight atomic.Bool
	runs     atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64
}

// Scheduler registers, starts and stops periodic tasks.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*taskState
	order []string

	wg       sync.WaitGroup
	logger   *log.Logger
	logLevel model.Level
}

// New creates a Scheduler with no registered tasks.
func New(logger *log.Logger, logLevel model.Level) *Scheduler {
	return &Scheduler{
		tasks:    make(map[string]*taskState),
		logger:   logger,
		logLevel: logLevel,
	}
}

// Register stores a task definition without starting it. Registering an id
// twice is an error; Unregister first to replace a definition.
func (s *Scheduler) Register(t Task) error {
	if t.ID == "" {
		return fmt.Errorf("task id must not be empty")
	}
	if t.Fn == nil {
		return fmt.Errorf("task %s has no callback", t.ID)
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s interval must be positive, got %v", t.ID, t.Interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already registered", t.ID)
	}
	s.tasks[t.ID] = &taskState{task: t}
	s.order = append(s.order, t.ID)
	s.log(model.LevelDebug, "task_registered task=%s interval=%s enabled=%t", t.ID, t.Interval, t.Enabled)
	return nil
}

// Unregister stops the task if running and drops its definition. Unknown ids
// are a no-op.
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[id]
	if !ok {
		return
	}
	s.stopLocked(st)
	delete(s.tasks, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.log(model.LevelDebug, "task_unregistered task=%s", id)
}

// Start launches the fixed-rate ticker for a task. Unknown or disabled ids
// are a no-op. If the task is already running its timer is cleared and a
// fresh one is created, so Start never stacks tickers.
func (s *Scheduler) Start(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked(id)
}

// Stop cancels the task's ticker. In-flight invocations are not interrupted
// and may finish after Stop returns. Idempotent.
func (s *Scheduler) Stop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.tasks[id]; ok {
		s.stopLocked(st)
	}
}

// StartAll starts every enabled task.
func (s *Scheduler) StartAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		s.startLocked(id)
	}
}

// StopAll stops every running task.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		s.stopLocked(s.tasks[id])
	}
}

// Wait blocks until every ticker loop and in-flight invocation has finished.
// Call after StopAll during shutdown.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Status reports all registered tasks in registration order.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.order))
	for _, id := range s.order {
		st := s.tasks[id]
		out = append(out, TaskStatus{
			ID:           id,
			Enabled:      st.task.Enabled,
			Running:      st.cancel != nil,
			IntervalMs:   st.task.Interval.Milliseconds(),
			Runs:         st.runs.Load(),
			Failures:     st.failures.Load(),
			SkippedTicks: st.skipped.Load(),
		})
	}
	return out
}

func (s *Scheduler) startLocked(id string) {
	st, ok := s.tasks[id]
	if !ok {
		s.log(model.LevelDebug, "start_skipped task=%s reason=unknown", id)
		return
	}
	if !st.task.Enabled {
		s.log(model.LevelDebug, "start_skipped task=%s reason=disabled", id)
		return
	}
	s.stopLocked(st)

	ctx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	s.wg.Add(1)
	go s.runLoop(ctx, st)
	s.log(model.LevelInfo, "task_started task=%s interval=%s", id, st.task.Interval)
}

func (s *Scheduler) stopLocked(st *taskState) {
	if st.cancel == nil {
		return
	}
	st.cancel()
	st.cancel = nil
	s.log(model.LevelInfo, "task_stopped task=%s", st.task.ID)
}

func (s *Scheduler) runLoop(ctx context.Context, st *taskState) {
	defer s.wg.Done()
	ticker := time.NewTicker(st.task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// select may pick a pending tick over Done; drop it.
			if ctx.Err() != nil {
				return
			}
			s.invoke(ctx, st)
		}
	}
}

// invoke launches one callback run. The guard skips the tick when the
// previous run has not settled, so at most one run per task is in flight
// unless the task opts into overlap.
func (s *Scheduler) invoke(ctx context.Context, st *taskState) {
	if !st.task.AllowOverlap {
		if !st.inFlight.CompareAndSwap(false, true) {
			st.skipped.Add(1)
			s.log(model.LevelWarn, "tick_skipped task=%s reason=in_flight", st.task.ID)
			return
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if !st.task.AllowOverlap {
				st.inFlight.Store(false)
			}
			if r := recover(); r != nil {
				st.failures.Add(1)
				s.log(model.LevelError, "task_panic task=%s panic=%v", st.task.ID, r)
			}
		}()

		st.runs.Add(1)
		if err := st.task.Fn(ctx); err != nil {
			st.failures.Add(1)
			s.log(model.LevelError, "task_error task=%s error=%v", st.task.ID, err)
		}
	}()
}

func (s *Scheduler) log(level model.Level, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s scheduler: %s", time.Now().Format(time.RFC3339), strings.ToUpper(level.String()), msg)
}
