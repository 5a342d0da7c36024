package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// EmergencyStore implements storage.EmergencyStopStore using PostgreSQL.
type EmergencyStore struct {
	pool *Pool
}

// NewEmergencyStore creates a new EmergencyStore.
func NewEmergencyStore(pool *Pool) *EmergencyStore {
	return &EmergencyStore{pool: pool}
}

// Compile-time interface check.
var _ storage.EmergencyStopStore = (*EmergencyStore)(nil)

const stopColumns = `
	scope, scope_id, is_stopped, reason, action, stopped_at,
	cooldown_until, reset_trigger`

// Upsert writes the stop state for (scope, scope_id) atomically.
func (s *EmergencyStore) Upsert(ctx context.Context, st *types.EmergencyStopState) error {
	if st == nil || st.Scope == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO emergency_stops (
			scope, scope_id, is_stopped, reason, action, stopped_at,
			cooldown_until, reset_trigger
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (scope, scope_id) DO UPDATE
		SET is_stopped     = EXCLUDED.is_stopped,
		    reason         = EXCLUDED.reason,
		    action         = EXCLUDED.action,
		    stopped_at     = EXCLUDED.stopped_at,
		    cooldown_until = EXCLUDED.cooldown_until,
		    reset_trigger  = EXCLUDED.reset_trigger
	`

	_, err := s.pool.Exec(ctx, query,
		string(st.Scope),
		st.ScopeID,
		st.IsStopped,
		st.Reason,
		string(st.Action),
		st.StoppedAt,
		st.CooldownUntil,
		st.ResetTrigger,
	)
	if err != nil {
		return fmt.Errorf("upsert emergency stop: %w", err)
	}
	return nil
}

// Get returns the state for a scope pair. Returns ErrNotFound when the
// scope has never been stopped.
func (s *EmergencyStore) Get(ctx context.Context, scope types.StopScope, scopeID string) (*types.EmergencyStopState, error) {
	query := `SELECT` + stopColumns + `
		FROM emergency_stops
		WHERE scope = $1 AND scope_id = $2`

	st, err := scanStop(s.pool.QueryRow(ctx, query, string(scope), scopeID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get emergency stop: %w", err)
	}
	return st, nil
}

// ListStopped returns every row with is_stopped true.
func (s *EmergencyStore) ListStopped(ctx context.Context) ([]*types.EmergencyStopState, error) {
	query := `SELECT` + stopColumns + `
		FROM emergency_stops
		WHERE is_stopped
		ORDER BY stopped_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list stopped scopes: %w", err)
	}
	defer rows.Close()

	return scanStops(rows)
}

// Clear resets is_stopped for a scope pair.
func (s *EmergencyStore) Clear(ctx context.Context, scope types.StopScope, scopeID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE emergency_stops SET is_stopped = FALSE WHERE scope = $1 AND scope_id = $2
	`, string(scope), scopeID)
	if err != nil {
		return fmt.Errorf("clear emergency stop: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanStop(row rowScanner) (*types.EmergencyStopState, error) {
	var (
		st     types.EmergencyStopState
		scope  string
		action string
	)

	err := row.Scan(
		&scope, &st.ScopeID, &st.IsStopped, &st.Reason, &action,
		&st.StoppedAt, &st.CooldownUntil, &st.ResetTrigger,
	)
	if err != nil {
		return nil, err
	}

	st.Scope = types.StopScope(scope)
	st.Action = types.StopAction(action)
	return &st, nil
}

func scanStops(rows pgx.Rows) ([]*types.EmergencyStopState, error) {
	var out []*types.EmergencyStopState
	for rows.Next() {
		st, err := scanStop(rows)
		if err != nil {
			return nil, fmt.Errorf("scan emergency stop row: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
