package postgres

import "github.com/atlas-desktop/strategy-pipeline/internal/storage"

// NewStores wires every store onto one pool.
func NewStores(pool *Pool) *storage.Stores {
	return &storage.Stores{
		Strategies:  NewStrategyStore(pool),
		Validation:  NewValidationStore(pool),
		Backtests:   NewBacktestStore(pool),
		Trades:      NewTradeStore(pool),
		Subaccounts: NewSubaccountStore(pool),
		Stops:       NewEmergencyStore(pool),
		Events:      NewEventStore(pool),
		Tasks:       NewTaskStore(pool),
	}
}
