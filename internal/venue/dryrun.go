package venue

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/pkg/utils"
)

// DryRunClient satisfies Client without touching the venue. Orders fill
// synthetically at the request's mark price so the executor's Trade and
// balance bookkeeping runs exactly as it would live.
type DryRunClient struct {
	logger  *zap.Logger
	feeRate decimal.Decimal

	mu        sync.Mutex
	balances  map[int]decimal.Decimal
	positions map[positionKey]*OrderRequest
}

type positionKey struct {
	subaccount int
	symbol     string
}

// NewDryRunClient creates a no-op venue client.
func NewDryRunClient(config Config, logger *zap.Logger) *DryRunClient {
	return &DryRunClient{
		logger:    logger.Named("venue.dryrun"),
		feeRate:   decimal.NewFromFloat(config.DryRunFeeRate),
		balances:  make(map[int]decimal.Decimal),
		positions: make(map[positionKey]*OrderRequest),
	}
}

// Compile-time interface check.
var _ Client = (*DryRunClient)(nil)

// SeedBalance sets a synthetic equity for a subaccount. Tests and paper
// runs use it to mimic the venue's account state.
func (c *DryRunClient) SeedBalance(subaccountID int, balance decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[subaccountID] = balance
}

// SetLeverage is a no-op.
func (c *DryRunClient) SetLeverage(_ context.Context, subaccountID int, symbol string, leverage int) error {
	c.logger.Debug("dry-run set leverage",
		zap.Int("subaccount", subaccountID),
		zap.String("symbol", symbol),
		zap.Int("leverage", leverage))
	return nil
}

// PlaceBracketedOrder fills instantly at the mark price.
func (c *DryRunClient) PlaceBracketedOrder(_ context.Context, req *OrderRequest) (*OrderResult, error) {
	c.mu.Lock()
	reqCopy := *req
	c.positions[positionKey{req.SubaccountID, req.Symbol}] = &reqCopy
	c.mu.Unlock()

	fee := req.Size.Mul(req.MarkPrice).Mul(c.feeRate)
	c.logger.Debug("dry-run order filled",
		zap.String("symbol", req.Symbol),
		zap.String("direction", string(req.Direction)),
		zap.String("size", req.Size.String()))

	return &OrderResult{
		VenueOrderID: utils.GenerateID("dryrun"),
		FillPrice:    req.MarkPrice,
		Fee:          fee,
		FilledAt:     time.Now().UTC(),
	}, nil
}

// ClosePosition removes the synthetic position, filling at its mark price.
func (c *DryRunClient) ClosePosition(_ context.Context, subaccountID int, symbol string) (*OrderResult, error) {
	c.mu.Lock()
	key := positionKey{subaccountID, symbol}
	pos := c.positions[key]
	delete(c.positions, key)
	c.mu.Unlock()

	price := decimal.Zero
	fee := decimal.Zero
	if pos != nil {
		price = pos.MarkPrice
		fee = pos.Size.Mul(price).Mul(c.feeRate)
	}

	return &OrderResult{
		VenueOrderID: utils.GenerateID("dryrun"),
		FillPrice:    price,
		Fee:          fee,
		FilledAt:     time.Now().UTC(),
	}, nil
}

// GetBalance returns the seeded synthetic equity.
func (c *DryRunClient) GetBalance(_ context.Context, subaccountID int) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[subaccountID], nil
}

// ListSubaccounts returns every seeded subaccount.
func (c *DryRunClient) ListSubaccounts(_ context.Context) ([]SubaccountBalance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]SubaccountBalance, 0, len(c.balances))
	for id, bal := range c.balances {
		out = append(out, SubaccountBalance{SubaccountID: id, Balance: bal})
	}
	return out, nil
}

// NewClient returns the implementation selected by config.DryRun.
func NewClient(config Config, logger *zap.Logger) Client {
	if config.DryRun {
		return NewDryRunClient(config, logger)
	}
	return NewRESTClient(config, logger)
}
