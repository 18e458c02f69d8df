package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one periodically executed unit of work. Run errors are logged
// and never stop the schedule.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	// RunImmediately fires the task once at startup before the first tick.
	RunImmediately bool
}

// Scheduler drives independent periodic tasks. Each task runs on its own
// ticker goroutine; a slow run never delays other tasks, and a task never
// overlaps itself because ticks are consumed sequentially per goroutine.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	tasks   []Task
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger}
}

// Register adds a task. Registration after Start is rejected.
func (s *Scheduler) Register(task Task) error {
	if task.Name == "" {
		return errors.New("task name is required")
	}
	if task.Interval <= 0 {
		return errors.New("task interval must be positive")
	}
	if task.Run == nil {
		return errors.New("task run function is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.tasks = append(s.tasks, task)
	return nil
}

// Start launches all registered tasks. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	var wg sync.WaitGroup
	for _, task := range s.tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			s.runLoop(runCtx, task)
		}(task)
	}
	go func() {
		wg.Wait()
		close(s.done)
	}()
	return nil
}

// Stop cancels all task loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) runLoop(ctx context.Context, task Task) {
	logger := s.logger.With(zap.String("task", task.Name))
	logger.Info("task loop started", zap.Duration("interval", task.Interval))

	if task.RunImmediately {
		s.runOnce(ctx, task, logger)
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("task loop stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx, task, logger)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, task Task, logger *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	started := time.Now()
	if err := task.Run(ctx); err != nil {
		logger.Warn("task run failed",
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return
	}
	logger.Debug("task run finished", zap.Duration("elapsed", time.Since(started)))
}
