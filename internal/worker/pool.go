// Package worker runs the task-processing pool: a fixed number of goroutines
// that claim pending tasks from the store and execute them through the
// pipeline runner.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dstrelkov/vidveil/internal/models"
	"github.com/dstrelkov/vidveil/internal/pipeline"
	"github.com/dstrelkov/vidveil/internal/store"
)

var errNoTasks = errors.New("no tasks available")

// PoolConfig holds configuration for the worker pool.
type PoolConfig struct {
	// Workers is the number of concurrent workers.
	// Default: 3
	Workers int

	// PollInterval is how long a worker sleeps when the queue is empty.
	// Default: 5 seconds
	PollInterval time.Duration

	// TaskTimeout bounds a single task execution.
	// Default: 24 hours
	TaskTimeout time.Duration
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      3,
		PollInterval: 5 * time.Second,
		TaskTimeout:  24 * time.Hour,
	}
}

// Pool manages the worker goroutines.
type Pool struct {
	mu sync.Mutex

	store  *store.Store
	runner *pipeline.Runner
	logger *slog.Logger

	workers      int
	pollInterval time.Duration
	taskTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool with the default configuration.
func NewPool(st *store.Store, runner *pipeline.Runner) *Pool {
	config := DefaultPoolConfig()
	return &Pool{
		store:        st,
		runner:       runner,
		logger:       slog.Default(),
		workers:      config.Workers,
		pollInterval: config.PollInterval,
		taskTimeout:  config.TaskTimeout,
	}
}

// WithLogger sets a custom logger.
func (p *Pool) WithLogger(logger *slog.Logger) *Pool {
	p.logger = logger
	return p
}

// WithConfig applies configuration to the pool.
func (p *Pool) WithConfig(config PoolConfig) *Pool {
	if config.Workers > 0 {
		p.workers = config.Workers
	}
	if config.PollInterval > 0 {
		p.pollInterval = config.PollInterval
	}
	if config.TaskTimeout > 0 {
		p.taskTimeout = config.TaskTimeout
	}
	return p
}

// Workers returns the configured worker count. The upload admission check
// compares it against the number of PROCESSING tasks.
func (p *Pool) Workers() int {
	return p.workers
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return fmt.Errorf("pool already started")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("worker pool started",
		slog.Int("workers", p.workers),
		slog.Duration("poll_interval", p.pollInterval))

	return nil
}

// Stop stops the pool and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.ctx = nil
	p.cancel = nil
	p.mu.Unlock()

	p.logger.Info("worker pool stopped")
}

// worker is the main worker loop.
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	logger := p.logger.With(slog.Int("worker", id))
	logger.Debug("worker started")

	for {
		select {
		case <-p.ctx.Done():
			logger.Debug("worker stopping")
			return
		default:
			if err := p.processOne(logger); err != nil {
				if !errors.Is(err, errNoTasks) {
					logger.Error("error processing task", slog.Any("error", err))
				}
				select {
				case <-p.ctx.Done():
					return
				case <-time.After(p.pollInterval):
				}
			}
		}
	}
}

// processOne claims and executes a single task.
func (p *Pool) processOne(logger *slog.Logger) error {
	task, err := p.store.ClaimNext()
	if err != nil {
		return fmt.Errorf("claiming task: %w", err)
	}
	if task == nil {
		return errNoTasks
	}

	logger.Info("claimed task",
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)))

	taskCtx, cancel := context.WithTimeout(p.ctx, p.taskTimeout)
	defer cancel()

	p.execute(taskCtx, task, logger)
	return nil
}

// execute runs the task and translates the outcome into a store transition.
// The pool never lets a single task take down a worker: pipeline panics are
// recovered and recorded as failures.
func (p *Pool) execute(ctx context.Context, task *models.Task, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked",
				slog.String("task_id", task.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			p.fail(task.ID, fmt.Errorf("internal error: %v", r), logger)
		}
	}()

	err := p.runner.Run(ctx, task)
	switch {
	case err == nil:
		// Runner recorded completion.
	case errors.Is(err, models.ErrTaskCancelled):
		logger.Info("task cancelled", slog.String("task_id", task.ID))
	case errors.Is(err, models.ErrTaskFinished):
		// The task reached a terminal state externally (timeout sweep);
		// nothing left to record.
		logger.Warn("task finished externally", slog.String("task_id", task.ID))
	default:
		logger.Error("task failed",
			slog.String("task_id", task.ID),
			slog.Any("error", err))
		p.fail(task.ID, err, logger)
	}
}

// fail marks the task FAILED unless it already reached a terminal state.
func (p *Pool) fail(id string, cause error, logger *slog.Logger) {
	_, err := p.store.Update(id, func(t *models.Task) error {
		if t.IsTerminal() {
			return models.ErrTaskFinished
		}
		t.MarkFailed(cause)
		return nil
	})
	if err != nil && !errors.Is(err, models.ErrTaskFinished) {
		logger.Error("recording task failure",
			slog.String("task_id", id),
			slog.Any("error", err))
	}
}
