package executor

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// peakSanityFactor flags legacy rows whose peak balance is implausibly far
// above allocation (a historical bug left peaks in notional units).
var peakSanityFactor = decimal.NewFromInt(10)

// Reconcile aligns subaccount rows with venue equity at startup. Venue
// balances are authoritative for current_balance; allocated_capital is only
// adopted from the venue when the row has none, never overwritten.
func (e *Executor) Reconcile(ctx context.Context) error {
	balances, err := e.venue.ListSubaccounts(ctx)
	if err != nil {
		return fmt.Errorf("list venue subaccounts: %w", err)
	}
	byID := make(map[int]decimal.Decimal, len(balances))
	for _, b := range balances {
		byID[b.SubaccountID] = b.Balance
	}

	subs, err := e.stores.Subaccounts.List(ctx)
	if err != nil {
		return fmt.Errorf("list subaccounts: %w", err)
	}

	updated := 0
	for _, sub := range subs {
		changed := false

		if balance, ok := byID[sub.ID]; ok && balance.IsPositive() {
			if !sub.AllocatedCapital.IsPositive() {
				e.logger.Info("Adopting venue balance as allocation",
					zap.Int("subaccount", sub.ID),
					zap.String("balance", balance.String()))
				sub.AllocatedCapital = balance
				changed = true
			}
			if !sub.CurrentBalance.Equal(balance) {
				sub.CurrentBalance = balance
				changed = true
			}
		}

		if sub.AllocatedCapital.IsPositive() {
			if sub.PeakBalance.GreaterThan(sub.AllocatedCapital.Mul(peakSanityFactor)) {
				e.logger.Warn("Peak balance implausible, resetting to allocation",
					zap.Int("subaccount", sub.ID),
					zap.String("peak", sub.PeakBalance.String()),
					zap.String("allocated", sub.AllocatedCapital.String()))
				sub.PeakBalance = sub.AllocatedCapital
				changed = true
			}
			if !sub.PeakBalance.IsPositive() {
				sub.PeakBalance = sub.AllocatedCapital
				changed = true
			}
		}

		// Peak only ever rises; a refreshed balance above it lifts it.
		if sub.CurrentBalance.GreaterThan(sub.PeakBalance) {
			sub.PeakBalance = sub.CurrentBalance
			now := e.now().UTC()
			sub.PeakUpdatedAt = &now
			changed = true
		}

		if !changed {
			continue
		}
		if err := e.stores.Subaccounts.Update(ctx, sub); err != nil {
			e.logger.Error("Subaccount reconcile persist failed",
				zap.Int("subaccount", sub.ID), zap.Error(err))
			continue
		}
		updated++
	}

	e.logger.Info("Startup reconciliation done",
		zap.Int("subaccounts", len(subs)),
		zap.Int("updated", updated))
	return nil
}
