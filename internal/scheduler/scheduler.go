// Package scheduler runs independent periodic tasks on an injectable clock.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Task is one periodic job.
type Task struct {
	Name string
	// Interval between runs.
	Interval time.Duration
	// InitialDelay postpones the first run. Zero runs it as soon as the
	// scheduler starts.
	InitialDelay time.Duration
	Run          func(ctx context.Context)
}

// Scheduler runs each task on its own goroutine so a slow task never delays
// another.
type Scheduler struct {
	clock  clockwork.Clock
	tasks  []Task
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a scheduler. A nil clock uses the wall clock.
func New(clock clockwork.Clock, logger *zap.Logger, tasks ...Task) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{clock: clock, tasks: tasks, logger: logger.Named("scheduler")}
}

// Start launches every task. It returns an error if called twice or if a
// task has no positive interval.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	for _, t := range s.tasks {
		if t.Interval <= 0 || t.Run == nil {
			return fmt.Errorf("task %q: interval and run func are required", t.Name)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	return nil
}

// Stop cancels all tasks and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()

	if t.InitialDelay > 0 {
		timer := s.clock.NewTimer(t.InitialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}

	ticker := s.clock.NewTicker(t.Interval)
	defer ticker.Stop()

	s.run(ctx, t)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.run(ctx, t)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t Task) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", zap.String("task", t.Name), zap.Any("panic", r))
		}
	}()

	start := s.clock.Now()
	s.logger.Debug("task started", zap.String("task", t.Name))
	t.Run(ctx)
	s.logger.Debug("task finished", zap.String("task", t.Name), zap.Duration("took", s.clock.Since(start)))
}
