// Package tasks runs slow-cadence maintenance jobs around a role's main
// loop: symbol universe refresh, regime estimation, data coverage checks.
// Every run is recorded as a ScheduledTaskExecution row so operators can
// see when a job last fired and whether it succeeded.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
	"github.com/atlas-desktop/strategy-pipeline/pkg/utils"
)

// Task is one periodic job. Run returns a short human-readable detail for
// the execution row; a returned error marks the run failed and its message
// becomes the detail.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) (string, error)
}

// Runner drives a set of tasks, each on its own ticker.
type Runner struct {
	store  storage.TaskStore
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	tasks []Task
}

// NewRunner creates an empty task runner.
func NewRunner(store storage.TaskStore, logger *zap.Logger) *Runner {
	return &Runner{
		store:  store,
		logger: logger.Named("tasks"),
		now:    time.Now,
	}
}

// Add registers a task. Tasks with a non-positive period are ignored.
func (r *Runner) Add(task Task) {
	if task.Every <= 0 || task.Run == nil {
		return
	}
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
}

// Run fires every registered task on its cadence until ctx is cancelled.
// A task whose last recorded run is older than its period fires
// immediately; a fresh one waits out the remainder first.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	tasks := make([]Task, len(r.tasks))
	copy(tasks, r.tasks)
	r.mu.Unlock()

	r.logger.Info("Task runner started", zap.Int("tasks", len(tasks)))

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			r.loop(ctx, t)
		}(t)
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) loop(ctx context.Context, t Task) {
	if wait := r.remainder(ctx, t); wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	r.fire(ctx, t)

	ticker := time.NewTicker(t.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.fire(ctx, t)
		}
	}
}

// remainder returns how long the task still has to wait based on its last
// recorded run. Unknown history means run now.
func (r *Runner) remainder(ctx context.Context, t Task) time.Duration {
	last, err := r.store.LastTaskRun(ctx, t.Name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("Last run lookup failed", zap.String("task", t.Name), zap.Error(err))
		}
		return 0
	}
	since := r.now().Sub(last.StartedAt)
	if since >= t.Every {
		return 0
	}
	return t.Every - since
}

func (r *Runner) fire(ctx context.Context, t Task) {
	run := &types.ScheduledTaskExecution{
		ID:        utils.GenerateID("task"),
		TaskName:  t.Name,
		StartedAt: r.now().UTC(),
	}

	detail, err := t.Run(ctx)
	finished := r.now().UTC()
	run.FinishedAt = &finished
	run.Success = err == nil
	run.Detail = detail

	if err != nil {
		run.Detail = err.Error()
		r.logger.Warn("Task failed",
			zap.String("task", t.Name),
			zap.Duration("took", finished.Sub(run.StartedAt)),
			zap.Error(err))
	} else {
		r.logger.Info("Task done",
			zap.String("task", t.Name),
			zap.Duration("took", finished.Sub(run.StartedAt)),
			zap.String("detail", detail))
	}

	if rerr := r.store.RecordTaskRun(ctx, run); rerr != nil {
		r.logger.Warn("Task run record failed", zap.String("task", t.Name), zap.Error(rerr))
	}
}
