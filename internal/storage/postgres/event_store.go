package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// EventStore implements storage.EventStore using PostgreSQL. Rows are
// append-only; nothing here updates or deletes.
type EventStore struct {
	pool *Pool
}

// NewEventStore creates a new EventStore.
func NewEventStore(pool *Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Compile-time interface check.
var _ storage.EventStore = (*EventStore)(nil)

const eventColumns = `
	id, occurred_at, strategy_id, strategy_name, base_code_hash,
	event_type, stage, status, duration_ms, details`

// Append inserts a batch of events in one round trip.
func (s *EventStore) Append(ctx context.Context, events []*types.StrategyEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO strategy_events (
			id, occurred_at, strategy_id, strategy_name, base_code_hash,
			event_type, stage, status, duration_ms, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
	`

	for _, e := range events {
		if e == nil || e.ID == "" {
			return storage.ErrInvalidInput
		}
		details, err := marshalJSON(e.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		batch.Queue(query,
			e.ID,
			e.OccurredAt,
			nullString(e.StrategyID),
			e.StrategyName,
			nullString(e.BaseCodeHash),
			e.EventType,
			e.Stage,
			e.Status,
			e.DurationMs,
			details,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		if _, err := results.Exec(); err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("append events: %w", err)
		}
	}
	return nil
}

// ListByStrategyName returns events for a name, newest first.
func (s *EventStore) ListByStrategyName(ctx context.Context, name string, limit int) ([]*types.StrategyEvent, error) {
	query := `SELECT` + eventColumns + `
		FROM strategy_events
		WHERE strategy_name = $1
		ORDER BY occurred_at DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, name, limit)
	if err != nil {
		return nil, fmt.Errorf("list events by strategy name: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListByTimeRange returns events within [from, to), oldest first.
func (s *EventStore) ListByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]*types.StrategyEvent, error) {
	query := `SELECT` + eventColumns + `
		FROM strategy_events
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY occurred_at
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list events by time range: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CountByStageStatus aggregates events since a time into per-stage,
// per-status counts.
func (s *EventStore) CountByStageStatus(ctx context.Context, since time.Time) ([]storage.StageStatusCount, error) {
	query := `
		SELECT stage, status, count(*)
		FROM strategy_events
		WHERE occurred_at >= $1
		GROUP BY stage, status
		ORDER BY stage, status
	`

	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("count events by stage and status: %w", err)
	}
	defer rows.Close()

	var out []storage.StageStatusCount
	for rows.Next() {
		var c storage.StageStatusCount
		var n int64
		if err := rows.Scan(&c.Stage, &c.Status, &n); err != nil {
			return nil, fmt.Errorf("scan stage status count: %w", err)
		}
		c.Count = int(n)
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (*types.StrategyEvent, error) {
	var (
		e          types.StrategyEvent
		strategyID *string
		baseHash   *string
		detailsRaw []byte
	)

	err := row.Scan(
		&e.ID, &e.OccurredAt, &strategyID, &e.StrategyName, &baseHash,
		&e.EventType, &e.Stage, &e.Status, &e.DurationMs, &detailsRaw,
	)
	if err != nil {
		return nil, err
	}

	if strategyID != nil {
		e.StrategyID = *strategyID
	}
	if baseHash != nil {
		e.BaseCodeHash = *baseHash
	}
	if len(detailsRaw) > 0 {
		if err := json.Unmarshal(detailsRaw, &e.Details); err != nil {
			return nil, fmt.Errorf("unmarshal event details: %w", err)
		}
	}
	return &e, nil
}

func scanEvents(rows pgx.Rows) ([]*types.StrategyEvent, error) {
	var out []*types.StrategyEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
