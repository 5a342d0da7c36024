// Package venue provides the order client the deployer and executor use
// to talk to the trading venue. A dry-run implementation routes order
// calls to no-ops with synthetic fills so local Trade rows still update.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// OrderRequest describes one bracketed entry order.
type OrderRequest struct {
	SubaccountID int             `json:"subaccount_id"`
	Symbol       string          `json:"symbol"`
	Direction    types.Direction `json:"direction"`
	Size         decimal.Decimal `json:"size"`
	MarkPrice    decimal.Decimal `json:"mark_price"`
	StopLoss     decimal.Decimal `json:"stop_loss"`
	TakeProfit   decimal.Decimal `json:"take_profit"`
	Leverage     int             `json:"leverage"`
}

// OrderResult is the venue's acknowledgement of a filled order.
type OrderResult struct {
	VenueOrderID string          `json:"venue_order_id"`
	FillPrice    decimal.Decimal `json:"fill_price"`
	Fee          decimal.Decimal `json:"fee"`
	FilledAt     time.Time       `json:"filled_at"`
}

// SubaccountBalance is one venue subaccount's equity.
type SubaccountBalance struct {
	SubaccountID int             `json:"subaccount_id"`
	Balance      decimal.Decimal `json:"balance"`
}

// Client is the venue order interface.
type Client interface {
	// SetLeverage sets isolated leverage for a symbol on a subaccount.
	SetLeverage(ctx context.Context, subaccountID int, symbol string, leverage int) error

	// PlaceBracketedOrder places a market entry with attached SL/TP legs.
	PlaceBracketedOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)

	// ClosePosition market-closes the position on a symbol.
	ClosePosition(ctx context.Context, subaccountID int, symbol string) (*OrderResult, error)

	// GetBalance fetches one subaccount's equity.
	GetBalance(ctx context.Context, subaccountID int) (decimal.Decimal, error)

	// ListSubaccounts fetches every venue subaccount with its equity.
	ListSubaccounts(ctx context.Context) ([]SubaccountBalance, error)
}

// Config configures the venue client.
type Config struct {
	BaseURL   string        `json:"base_url" mapstructure:"base_url"`
	APIKey    string        `json:"api_key" mapstructure:"api_key"`
	APISecret string        `json:"api_secret" mapstructure:"api_secret"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
	DryRun    bool          `json:"dry_run" mapstructure:"dry_run"`

	// Taker fee applied to synthetic dry-run fills.
	DryRunFeeRate float64 `json:"dry_run_fee_rate" mapstructure:"dry_run_fee_rate"`

	// Circuit breaker thresholds.
	BreakerFailures uint32        `json:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `json:"breaker_timeout" mapstructure:"breaker_timeout"`
}

// DefaultConfig returns the default venue client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "https://api.venue.example",
		Timeout:         10 * time.Second,
		DryRun:          true,
		DryRunFeeRate:   0.00045,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}
