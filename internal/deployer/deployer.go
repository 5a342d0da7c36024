// Package deployer binds SELECTED strategies to free subaccounts and
// flips them LIVE. Capital figures are written from the local subaccount
// row, never fetched from the venue; startup reconciliation in the
// executor owns venue truth.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/emergency"
	"github.com/atlas-desktop/strategy-pipeline/internal/events"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
	"github.com/atlas-desktop/strategy-pipeline/pkg/utils"
)

// Config tunes deployment.
type Config struct {
	// DefaultAllocation is the capital assigned when the free subaccount
	// has no observed balance yet.
	DefaultAllocation decimal.Decimal `json:"default_allocation" mapstructure:"default_allocation"`

	// MaxAllocation caps what any single strategy is handed, regardless
	// of the balance sitting on its subaccount.
	MaxAllocation decimal.Decimal `json:"max_allocation" mapstructure:"max_allocation"`
}

// DefaultConfig returns the production deployment settings.
func DefaultConfig() Config {
	return Config{
		DefaultAllocation: decimal.NewFromInt(1000),
		MaxAllocation:     decimal.NewFromInt(10000),
	}
}

// Deployer is the claim-based stage consuming SELECTED rows.
type Deployer struct {
	stores  *storage.Stores
	gate    *emergency.Manager
	tracker *events.Tracker
	config  Config
	logger  *zap.Logger
	now     func() time.Time
}

func New(stores *storage.Stores, gate *emergency.Manager, tracker *events.Tracker, config Config, logger *zap.Logger) *Deployer {
	return &Deployer{
		stores:  stores,
		gate:    gate,
		tracker: tracker,
		config:  config,
		logger:  logger.Named("deployer"),
		now:     time.Now,
	}
}

// Name implements the stage contract.
func (d *Deployer) Name() string { return events.StageDeployer }

// From implements the stage contract.
func (d *Deployer) From() types.Status { return types.StatusSelected }

// Process deploys one claimed SELECTED row. Any returned error leaves
// the row SELECTED for a later attempt; nothing here is strategy-intrinsic.
func (d *Deployer) Process(ctx context.Context, st *types.Strategy, workerID string) error {
	started := d.now()

	sub, err := d.stores.Subaccounts.FindFree(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no free subaccount for %s: %w", st.Name, err)
		}
		return fmt.Errorf("find free subaccount: %w", err)
	}

	// Gate before any write. A stop anywhere in scope parks the row.
	allowed, reason, err := d.gate.CanTrade(ctx, sub.ID, st.ID)
	if err != nil {
		return fmt.Errorf("emergency gate: %w", err)
	}
	if !allowed {
		d.tracker.StrategyEvent(ctx, st, events.TypeDeployFailed, events.StageDeployer, events.StatusSkipped, map[string]any{
			"subaccount": sub.ID,
			"reason":     reason,
		})
		d.logger.Info("Deployment held by emergency gate",
			zap.String("strategy", st.Name),
			zap.String("reason", reason))
		return fmt.Errorf("emergency gate: %s", reason)
	}

	allocated := sub.CurrentBalance
	if !allocated.IsPositive() {
		allocated = d.config.DefaultAllocation
	}
	if d.config.MaxAllocation.IsPositive() {
		allocated = utils.MinDecimal(allocated, d.config.MaxAllocation)
	}

	if err := d.stores.Subaccounts.Assign(ctx, sub.ID, st.ID, allocated); err != nil {
		d.tracker.StrategyEvent(ctx, st, events.TypeDeployFailed, events.StageDeployer, events.StatusFailure, map[string]any{
			"subaccount": sub.ID,
			"error":      err.Error(),
		})
		return fmt.Errorf("assign subaccount %d: %w", sub.ID, err)
	}

	if err := d.stores.Strategies.Advance(ctx, st.ID, types.StatusSelected, types.StatusLive, workerID); err != nil {
		// Unwind the assignment so the subaccount does not sit bound to
		// a strategy that never went live.
		if freeErr := d.stores.Subaccounts.Free(ctx, sub.ID); freeErr != nil {
			d.logger.Error("Unwind failed, subaccount left assigned",
				zap.Int("subaccount", sub.ID),
				zap.String("strategy", st.Name),
				zap.Error(freeErr))
		}
		d.tracker.StrategyEvent(ctx, st, events.TypeDeployFailed, events.StageDeployer, events.StatusFailure, map[string]any{
			"subaccount": sub.ID,
			"error":      err.Error(),
		})
		return fmt.Errorf("advance to live: %w", err)
	}

	details := map[string]any{
		"subaccount": sub.ID,
		"allocated":  allocated.String(),
		"symbols":    st.Symbols,
		"interval":   string(deployInterval(st)),
	}
	d.tracker.StageCompleted(ctx, st, events.TypeDeploySuccess, events.StageDeployer, d.now().Sub(started), details)
	d.tracker.StrategyEvent(ctx, st, events.TypePromoted, events.StageDeployer, events.StatusSuccess, details)

	d.logger.Info("Strategy deployed",
		zap.String("strategy", st.Name),
		zap.Int("subaccount", sub.ID),
		zap.String("allocated", allocated.String()))
	return nil
}

// deployInterval is the interval the executor will trade: the backtest
// sweep's optimal pick when present.
func deployInterval(st *types.Strategy) types.Interval {
	if st.OptimalInterval != "" {
		return st.OptimalInterval
	}
	return st.Interval
}
