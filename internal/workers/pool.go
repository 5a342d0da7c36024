// Package workers provides the bounded worker pool the pipeline roles run
// their claimed work on. The main loop of a role stays responsive while
// long stage work (backtests, validation phases) executes on pool workers.
package workers

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc is a function that can be used as a Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Name            string        `json:"name"`
	NumWorkers      int           `json:"num_workers"`
	QueueSize       int           `json:"queue_size"`
	TaskTimeout     time.Duration `json:"task_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	PanicRecovery   bool          `json:"panic_recovery"`
}

// DefaultPoolConfig returns sensible defaults for stage work.
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU(),
		QueueSize:       256,
		TaskTimeout:     10 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		PanicRecovery:   true,
	}
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	TasksSubmitted int64   `json:"tasks_submitted"`
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
	TasksTimeout   int64   `json:"tasks_timeout"`
	PanicRecovered int64   `json:"panic_recovered"`
	QueueLength    int     `json:"queue_length"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// Pool manages a fixed set of worker goroutines draining a bounded queue.
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	tasksSubmitted atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	tasksTimeout   atomic.Int64
	panicRecovered atomic.Int64
	startTime      time.Time
}

// NewPool creates a new worker pool.
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger.Named("pool").With(zap.String("pool", config.Name)),
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Start launches all workers.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return // already running
	}

	p.logger.Info("starting worker pool",
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.executeTask(logger, task)
		}
	}
}

// executeTask runs a single task with timeout and panic recovery.
func (p *Pool) executeTask(logger *zap.Logger, task Task) {
	ctx := p.ctx
	if p.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(p.ctx, p.config.TaskTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		var err error
		if p.config.PanicRecovery {
			defer func() {
				if r := recover(); r != nil {
					p.panicRecovered.Add(1)
					logger.Error("worker recovered from panic", zap.Any("panic", r))
					err = &PanicError{Recovered: r}
				}
				done <- err
			}()
			err = task.Execute(ctx)
			return
		}
		done <- task.Execute(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			p.tasksFailed.Add(1)
			logger.Debug("task failed", zap.Error(err))
		} else {
			p.tasksCompleted.Add(1)
		}
	case <-ctx.Done():
		p.tasksTimeout.Add(1)
		logger.Warn("task timed out", zap.Duration("timeout", p.config.TaskTimeout))
	}
}

// Submit adds a task to the queue without blocking. Returns ErrQueueFull
// when the queue is saturated so the caller can hold its claim cadence.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		p.tasksSubmitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait submits a task and blocks until it completes.
func (p *Pool) SubmitWait(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}

	done := make(chan error, 1)
	wrapper := TaskFunc(func(ctx context.Context) error {
		err := task.Execute(ctx)
		done <- err
		return err
	})

	if err := p.Submit(wrapper); err != nil {
		return err
	}
	return <-done
}

// SubmitFunc submits a function as a task.
func (p *Pool) SubmitFunc(fn func(ctx context.Context) error) error {
	return p.Submit(TaskFunc(fn))
}

// Stop drains the pool gracefully, abandoning work after the shutdown
// timeout. Abandoned claims are left to lease expiry.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil // already stopped
	}

	p.logger.Info("stopping worker pool")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.Duration("timeout", p.config.ShutdownTimeout))
		return ErrShutdownTimeout
	}
}

// QueueLength returns the current number of queued tasks.
func (p *Pool) QueueLength() int {
	return len(p.taskQueue)
}

// IsRunning reports whether the pool accepts tasks.
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: p.tasksSubmitted.Load(),
		TasksCompleted: p.tasksCompleted.Load(),
		TasksFailed:    p.tasksFailed.Load(),
		TasksTimeout:   p.tasksTimeout.Load(),
		PanicRecovered: p.panicRecovered.Load(),
		QueueLength:    len(p.taskQueue),
		UptimeSeconds:  time.Since(p.startTime).Seconds(),
	}
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error.
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic.
type PanicError struct {
	Recovered any
}

func (e *PanicError) Error() string { return "panic recovered" }
