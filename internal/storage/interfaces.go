// Package storage defines the persistence interfaces the pipeline roles
// share. Postgres implementations live in storage/postgres; an in-memory
// backend for tests and dry runs lives in storage/memory.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// StrategyStore provides access to strategy rows and the claim protocol.
type StrategyStore interface {
	// Insert adds a new strategy. Returns ErrDuplicateKey when the name or
	// the (template_id, param_hash) pair already exists.
	Insert(ctx context.Context, s *types.Strategy) error

	// GetByID retrieves a strategy. Returns ErrNotFound if it does not exist.
	GetByID(ctx context.Context, id string) (*types.Strategy, error)

	// GetByName retrieves a strategy by its unique name.
	GetByName(ctx context.Context, name string) (*types.Strategy, error)

	// Claim atomically reserves one row in the given status whose lease is
	// null or expired, stamping processing_by/processing_started_at. The
	// select-and-stamp runs in a single transaction so two workers can
	// never claim the same row. Returns ErrNotFound when the queue is empty.
	Claim(ctx context.Context, status types.Status, workerID string, ttl time.Duration) (*types.Strategy, error)

	// Release clears the lease without changing status, returning the row
	// to its queue after a transient failure.
	Release(ctx context.Context, id string) error

	// Advance moves a claimed row along a pipeline edge, clears the lease,
	// and stamps the stage completion time. Returns ErrInvalidTransition
	// for a non-DAG edge and ErrLeaseLost when workerID no longer holds
	// the lease.
	Advance(ctx context.Context, id string, from, to types.Status, workerID string) error

	// Fail marks a row FAILED with a reason and clears the lease.
	Fail(ctx context.Context, id, reason string) error

	// SetOptimalInterval records the interval chosen by the backtest sweep.
	SetOptimalInterval(ctx context.Context, id string, interval types.Interval) error

	// ListByStatus returns up to limit rows in a status, oldest first.
	// A limit of zero or below means no limit.
	ListByStatus(ctx context.Context, status types.Status, limit int) ([]*types.Strategy, error)

	// CountByStatus returns the depth of every queue.
	CountByStatus(ctx context.Context) (map[types.Status]int, error)

	// Delete hard-removes a row. Event-log metrics must survive this.
	Delete(ctx context.Context, id string) error
}

// ValidationCacheStore is the shuffle-test cache keyed solely by code hash.
type ValidationCacheStore interface {
	// Upsert writes an entry atomically; concurrent writers for the same
	// hash must not error.
	Upsert(ctx context.Context, e *types.ValidationCacheEntry) error

	// Get returns the entry for a hash. Returns ErrNotFound on a miss.
	Get(ctx context.Context, codeHash string) (*types.ValidationCacheEntry, error)
}

// BacktestStore provides access to backtest result rows.
type BacktestStore interface {
	Insert(ctx context.Context, r *types.BacktestResult) error

	// LinkRecent stores the recent row's id on its paired full row.
	LinkRecent(ctx context.Context, fullID, recentID string) error

	// GetByStrategy returns every result row for a strategy, newest first.
	GetByStrategy(ctx context.Context, strategyID string) ([]*types.BacktestResult, error)

	// GetOptimalFull returns the full-period row at the optimal interval.
	GetOptimalFull(ctx context.Context, strategyID string) (*types.BacktestResult, error)
}

// TradeStore provides access to trade rows. The executor is the only writer.
type TradeStore interface {
	Insert(ctx context.Context, t *types.Trade) error
	Update(ctx context.Context, t *types.Trade) error
	GetByID(ctx context.Context, id string) (*types.Trade, error)

	// GetByVenueOrderID deduplicates fills reported by the venue.
	GetByVenueOrderID(ctx context.Context, venueOrderID string) (*types.Trade, error)

	GetOpenBySubaccount(ctx context.Context, subaccountID int) ([]*types.Trade, error)
	GetOpenByStrategy(ctx context.Context, strategyID string) ([]*types.Trade, error)

	// GetClosedByStrategy returns closed trades, oldest first, for live
	// metric aggregation.
	GetClosedByStrategy(ctx context.Context, strategyID string) ([]*types.Trade, error)

	// GetRecentByStrategy returns the newest closed trades first, capped at
	// limit, for consecutive-loss and inactivity checks.
	GetRecentByStrategy(ctx context.Context, strategyID string, limit int) ([]*types.Trade, error)
}

// SubaccountStore provides access to capital buckets.
type SubaccountStore interface {
	Insert(ctx context.Context, s *types.Subaccount) error
	Get(ctx context.Context, id int) (*types.Subaccount, error)
	List(ctx context.Context) ([]*types.Subaccount, error)

	// GetByStrategy returns the subaccount currently assigned a strategy.
	GetByStrategy(ctx context.Context, strategyID string) (*types.Subaccount, error)

	// FindFree returns one ACTIVE subaccount with no assigned strategy.
	FindFree(ctx context.Context) (*types.Subaccount, error)

	// Assign binds a strategy and sets allocated capital and peak balance
	// in one transaction. Fails if the subaccount is not free.
	Assign(ctx context.Context, id int, strategyID string, allocated decimal.Decimal) error

	// Free clears the assignment and returns the subaccount to ACTIVE.
	Free(ctx context.Context, id int) error

	// Update persists balance, peak, and daily PnL fields.
	Update(ctx context.Context, s *types.Subaccount) error
}

// EmergencyStopStore provides access to scoped stop flags.
type EmergencyStopStore interface {
	// Upsert writes the stop state for (scope, scope_id) atomically.
	Upsert(ctx context.Context, s *types.EmergencyStopState) error

	// Get returns the state for a scope pair. Returns ErrNotFound when the
	// scope has never been stopped.
	Get(ctx context.Context, scope types.StopScope, scopeID string) (*types.EmergencyStopState, error)

	// ListStopped returns every row with is_stopped true.
	ListStopped(ctx context.Context) ([]*types.EmergencyStopState, error)

	// Clear resets is_stopped for a scope pair.
	Clear(ctx context.Context, scope types.StopScope, scopeID string) error
}

// StageStatusCount is one cell of the event-log breakdown.
type StageStatusCount struct {
	Stage  string
	Status string
	Count  int
}

// EventStore is the append-only event log. Rows are never updated or
// deleted and must remain valid after the referenced strategy is gone.
type EventStore interface {
	// Append inserts a batch of events.
	Append(ctx context.Context, events []*types.StrategyEvent) error

	// ListByStrategyName returns events for a name, newest first.
	ListByStrategyName(ctx context.Context, name string, limit int) ([]*types.StrategyEvent, error)

	// ListByTimeRange returns events within [from, to), oldest first.
	ListByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]*types.StrategyEvent, error)

	// CountByStageStatus aggregates events since a time into per-stage,
	// per-status counts, computed from event rows alone.
	CountByStageStatus(ctx context.Context, since time.Time) ([]StageStatusCount, error)
}

// TaskStore records periodic job runs.
type TaskStore interface {
	RecordTaskRun(ctx context.Context, run *types.ScheduledTaskExecution) error
	LastTaskRun(ctx context.Context, taskName string) (*types.ScheduledTaskExecution, error)
	RecordPairsUpdate(ctx context.Context, log *types.PairsUpdateLog) error
}

// Stores bundles every interface for wiring in the command layer.
type Stores struct {
	Strategies  StrategyStore
	Validation  ValidationCacheStore
	Backtests   BacktestStore
	Trades      TradeStore
	Subaccounts SubaccountStore
	Stops       EmergencyStopStore
	Events      EventStore
	Tasks       TaskStore
}
