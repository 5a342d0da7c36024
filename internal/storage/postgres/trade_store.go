package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// TradeStore implements storage.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *Pool
}

// NewTradeStore creates a new TradeStore.
func NewTradeStore(pool *Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TradeStore = (*TradeStore)(nil)

const tradeColumns = `
	id, strategy_id, subaccount_id, symbol, direction, entry_time,
	entry_price, size, stop_loss, take_profit, exit_time, exit_price,
	exit_reason, pnl, pnl_ratio, leverage, entry_fee, exit_fee,
	duration_secs, venue_order_id, is_open`

// Insert adds a trade row. Returns ErrDuplicateKey if the id or the venue
// order id already exists.
func (s *TradeStore) Insert(ctx context.Context, t *types.Trade) error {
	if t == nil || t.ID == "" || t.StrategyID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO trades (
			id, strategy_id, subaccount_id, symbol, direction, entry_time,
			entry_price, size, stop_loss, take_profit, exit_time, exit_price,
			exit_reason, pnl, pnl_ratio, leverage, entry_fee, exit_fee,
			duration_secs, venue_order_id, is_open
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21
		)
	`

	_, err := s.pool.Exec(ctx, query,
		t.ID,
		t.StrategyID,
		t.SubaccountID,
		t.Symbol,
		string(t.Direction),
		t.EntryTime,
		t.EntryPrice.String(),
		t.Size.String(),
		t.StopLoss.String(),
		t.TakeProfit.String(),
		t.ExitTime,
		t.ExitPrice.String(),
		t.ExitReason,
		t.PnL.String(),
		t.PnLRatio,
		t.Leverage,
		t.EntryFee.String(),
		t.ExitFee.String(),
		t.DurationSecs,
		nullString(t.VenueOrderID),
		t.IsOpen,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// Update persists the mutable fields of a trade, primarily the exit leg.
func (s *TradeStore) Update(ctx context.Context, t *types.Trade) error {
	if t == nil || t.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE trades
		SET stop_loss = $1, take_profit = $2, exit_time = $3, exit_price = $4,
		    exit_reason = $5, pnl = $6, pnl_ratio = $7, exit_fee = $8,
		    duration_secs = $9, venue_order_id = $10, is_open = $11
		WHERE id = $12
	`

	tag, err := s.pool.Exec(ctx, query,
		t.StopLoss.String(),
		t.TakeProfit.String(),
		t.ExitTime,
		t.ExitPrice.String(),
		t.ExitReason,
		t.PnL.String(),
		t.PnLRatio,
		t.ExitFee.String(),
		t.DurationSecs,
		nullString(t.VenueOrderID),
		t.IsOpen,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetByID retrieves a trade. Returns ErrNotFound if it does not exist.
func (s *TradeStore) GetByID(ctx context.Context, id string) (*types.Trade, error) {
	query := `SELECT` + tradeColumns + ` FROM trades WHERE id = $1`
	t, err := scanTrade(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get trade by id: %w", err)
	}
	return t, nil
}

// GetByVenueOrderID deduplicates fills reported by the venue.
func (s *TradeStore) GetByVenueOrderID(ctx context.Context, venueOrderID string) (*types.Trade, error) {
	query := `SELECT` + tradeColumns + ` FROM trades WHERE venue_order_id = $1`
	t, err := scanTrade(s.pool.QueryRow(ctx, query, venueOrderID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get trade by venue order id: %w", err)
	}
	return t, nil
}

// GetOpenBySubaccount returns open trades on a subaccount, oldest first.
func (s *TradeStore) GetOpenBySubaccount(ctx context.Context, subaccountID int) ([]*types.Trade, error) {
	query := `SELECT` + tradeColumns + `
		FROM trades
		WHERE subaccount_id = $1 AND is_open
		ORDER BY entry_time`

	rows, err := s.pool.Query(ctx, query, subaccountID)
	if err != nil {
		return nil, fmt.Errorf("get open trades by subaccount: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetOpenByStrategy returns open trades for a strategy, oldest first.
func (s *TradeStore) GetOpenByStrategy(ctx context.Context, strategyID string) ([]*types.Trade, error) {
	query := `SELECT` + tradeColumns + `
		FROM trades
		WHERE strategy_id = $1 AND is_open
		ORDER BY entry_time`

	rows, err := s.pool.Query(ctx, query, strategyID)
	if err != nil {
		return nil, fmt.Errorf("get open trades by strategy: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetClosedByStrategy returns closed trades, oldest first.
func (s *TradeStore) GetClosedByStrategy(ctx context.Context, strategyID string) ([]*types.Trade, error) {
	query := `SELECT` + tradeColumns + `
		FROM trades
		WHERE strategy_id = $1 AND NOT is_open
		ORDER BY exit_time`

	rows, err := s.pool.Query(ctx, query, strategyID)
	if err != nil {
		return nil, fmt.Errorf("get closed trades by strategy: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetRecentByStrategy returns the newest closed trades first, capped at limit.
func (s *TradeStore) GetRecentByStrategy(ctx context.Context, strategyID string, limit int) ([]*types.Trade, error) {
	query := `SELECT` + tradeColumns + `
		FROM trades
		WHERE strategy_id = $1 AND NOT is_open
		ORDER BY exit_time DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent trades by strategy: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

func scanTrade(row rowScanner) (*types.Trade, error) {
	var (
		t         types.Trade
		direction string
		venueID   *string
	)

	err := row.Scan(
		&t.ID, &t.StrategyID, &t.SubaccountID, &t.Symbol, &direction,
		&t.EntryTime, &t.EntryPrice, &t.Size, &t.StopLoss, &t.TakeProfit,
		&t.ExitTime, &t.ExitPrice, &t.ExitReason, &t.PnL, &t.PnLRatio,
		&t.Leverage, &t.EntryFee, &t.ExitFee, &t.DurationSecs, &venueID,
		&t.IsOpen,
	)
	if err != nil {
		return nil, err
	}

	t.Direction = types.Direction(direction)
	if venueID != nil {
		t.VenueOrderID = *venueID
	}
	return &t, nil
}

func scanTrades(rows pgx.Rows) ([]*types.Trade, error) {
	var out []*types.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
