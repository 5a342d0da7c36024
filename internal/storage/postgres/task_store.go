package postgres

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// TaskStore implements storage.TaskStore using PostgreSQL.
type TaskStore struct {
	pool *Pool
}

// NewTaskStore creates a new TaskStore.
func NewTaskStore(pool *Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TaskStore = (*TaskStore)(nil)

// RecordTaskRun upserts one periodic job execution row.
func (s *TaskStore) RecordTaskRun(ctx context.Context, run *types.ScheduledTaskExecution) error {
	if run == nil || run.ID == "" || run.TaskName == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO scheduled_task_executions (
			id, task_name, started_at, finished_at, success, detail
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET finished_at = EXCLUDED.finished_at,
		    success     = EXCLUDED.success,
		    detail      = EXCLUDED.detail
	`

	_, err := s.pool.Exec(ctx, query,
		run.ID, run.TaskName, run.StartedAt, run.FinishedAt, run.Success, run.Detail,
	)
	if err != nil {
		return fmt.Errorf("record task run: %w", err)
	}
	return nil
}

// LastTaskRun returns the most recent execution of a task.
func (s *TaskStore) LastTaskRun(ctx context.Context, taskName string) (*types.ScheduledTaskExecution, error) {
	query := `
		SELECT id, task_name, started_at, finished_at, success, detail
		FROM scheduled_task_executions
		WHERE task_name = $1
		ORDER BY started_at DESC
		LIMIT 1
	`

	var run types.ScheduledTaskExecution
	err := s.pool.QueryRow(ctx, query, taskName).Scan(
		&run.ID, &run.TaskName, &run.StartedAt, &run.FinishedAt, &run.Success, &run.Detail,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("last task run: %w", err)
	}
	return &run, nil
}

// RecordPairsUpdate inserts one symbol-universe refresh row.
func (s *TaskStore) RecordPairsUpdate(ctx context.Context, log *types.PairsUpdateLog) error {
	if log == nil || log.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO pairs_update_log (
			id, run_at, symbols_added, symbols_removed, symbols_total, source
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.pool.Exec(ctx, query,
		log.ID, log.RunAt, log.SymbolsAdded, log.SymbolsGone, log.SymbolsTotal, log.Source,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("record pairs update: %w", err)
	}
	return nil
}
