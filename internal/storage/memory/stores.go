package memory

import "github.com/atlas-desktop/strategy-pipeline/internal/storage"

// NewStores builds a complete in-memory storage bundle.
func NewStores() *storage.Stores {
	return &storage.Stores{
		Strategies:  NewStrategyStore(),
		Validation:  NewValidationStore(),
		Backtests:   NewBacktestStore(),
		Trades:      NewTradeStore(),
		Subaccounts: NewSubaccountStore(),
		Stops:       NewEmergencyStore(),
		Events:      NewEventStore(),
		Tasks:       NewTaskStore(),
	}
}
