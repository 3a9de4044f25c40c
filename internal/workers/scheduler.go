// Package workers provides the periodic task scheduler. Every recurring
// activity (broker refresh, risk evaluation, heartbeats, matching ticks)
// runs as a named task with its own interval and cancellation handle.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TaskFunc is one periodic unit of work.
type TaskFunc func(ctx context.Context)

// TaskMetrics counts task activity.
type TaskMetrics struct {
	Name      string `json:"name"`
	Runs      int64  `json:"runs"`
	Panics    int64  `json:"panics"`
	LastRunAt string `json:"last_run_at,omitempty"`
}

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	cancel   context.CancelFunc

	runs    atomic.Int64
	panics  atomic.Int64
	lastRun atomic.Value
}

// Scheduler owns the periodic tasks. Tasks run on their own goroutines and
// panics are recovered so one bad tick never takes the process down.
type Scheduler struct {
	mu     sync.Mutex
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tasks map[string]*task
}

// NewScheduler creates a scheduler bound to ctx.
func NewScheduler(ctx context.Context, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		logger: logger.Named("scheduler"),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*task),
	}
}

// Every registers and starts a periodic task. The returned handle cancels
// just this task. Re-registering a name cancels the previous task.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) (cancel func()) {
	s.mu.Lock()
	if prev, ok := s.tasks[name]; ok {
		prev.cancel()
	}
	taskCtx, taskCancel := context.WithCancel(s.ctx)
	t := &task{name: name, interval: interval, fn: fn, cancel: taskCancel}
	s.tasks[name] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(taskCtx, t)

	s.logger.Info("Periodic task started",
		zap.String("task", name), zap.Duration("interval", interval))

	return func() {
		taskCancel()
		s.mu.Lock()
		if s.tasks[name] == t {
			delete(s.tasks, name)
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			t.panics.Add(1)
			s.logger.Error("Periodic task panicked",
				zap.String("task", t.name), zap.Any("panic", r))
		}
	}()
	t.runs.Add(1)
	t.lastRun.Store(time.Now())
	t.fn(ctx)
}

// Metrics returns per-task run counts.
func (s *Scheduler) Metrics() []TaskMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskMetrics, 0, len(s.tasks))
	for _, t := range s.tasks {
		m := TaskMetrics{
			Name:   t.name,
			Runs:   t.runs.Load(),
			Panics: t.panics.Load(),
		}
		if last, ok := t.lastRun.Load().(time.Time); ok {
			m.LastRunAt = last.UTC().Format(time.RFC3339)
		}
		out = append(out, m)
	}
	return out
}

// Stop cancels every task and waits for their loops to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}
