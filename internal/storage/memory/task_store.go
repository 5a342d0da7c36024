package memory

import (
	"context"
	"sync"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// TaskStore is an in-memory implementation of storage.TaskStore.
type TaskStore struct {
	mu    sync.RWMutex
	runs  map[string]*types.ScheduledTaskExecution // keyed by id
	pairs []*types.PairsUpdateLog
}

// NewTaskStore creates a new in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		runs: make(map[string]*types.ScheduledTaskExecution),
	}
}

// Verify interface compliance at compile time.
var _ storage.TaskStore = (*TaskStore)(nil)

// RecordTaskRun upserts one periodic job execution row.
func (s *TaskStore) RecordTaskRun(_ context.Context, run *types.ScheduledTaskExecution) error {
	if run == nil || run.ID == "" || run.TaskName == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	runCopy := *run
	s.runs[run.ID] = &runCopy
	return nil
}

// LastTaskRun returns the most recent execution of a task.
func (s *TaskStore) LastTaskRun(_ context.Context, taskName string) (*types.ScheduledTaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *types.ScheduledTaskExecution
	for _, run := range s.runs {
		if run.TaskName != taskName {
			continue
		}
		if last == nil || run.StartedAt.After(last.StartedAt) {
			last = run
		}
	}
	if last == nil {
		return nil, storage.ErrNotFound
	}
	runCopy := *last
	return &runCopy, nil
}

// RecordPairsUpdate inserts one symbol-universe refresh row.
func (s *TaskStore) RecordPairsUpdate(_ context.Context, log *types.PairsUpdateLog) error {
	if log == nil || log.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logCopy := *log
	s.pairs = append(s.pairs, &logCopy)
	return nil
}
