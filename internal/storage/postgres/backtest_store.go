package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// BacktestStore implements storage.BacktestStore using PostgreSQL.
type BacktestStore struct {
	pool *Pool
}

// NewBacktestStore creates a new BacktestStore.
func NewBacktestStore(pool *Pool) *BacktestStore {
	return &BacktestStore{pool: pool}
}

// Compile-time interface check.
var _ storage.BacktestStore = (*BacktestStore)(nil)

const backtestColumns = `
	id, strategy_id, period_type, sharpe, win_rate, expectancy,
	max_drawdown, trade_count, total_return, wf_stability, symbols,
	interval, is_optimal, weighted_sharpe, weighted_win_rate,
	weighted_expectancy, recency_ratio, recency_penalty,
	recent_result_id, created_at`

// Insert adds a result row. Returns ErrDuplicateKey if the id exists.
func (s *BacktestStore) Insert(ctx context.Context, r *types.BacktestResult) error {
	if r == nil || r.ID == "" || r.StrategyID == "" {
		return storage.ErrInvalidInput
	}
	symbols, err := marshalJSON(r.Symbols)
	if err != nil {
		return fmt.Errorf("marshal symbols: %w", err)
	}

	query := `
		INSERT INTO backtest_results (
			id, strategy_id, period_type, sharpe, win_rate, expectancy,
			max_drawdown, trade_count, total_return, wf_stability, symbols,
			interval, is_optimal, weighted_sharpe, weighted_win_rate,
			weighted_expectancy, recency_ratio, recency_penalty,
			recent_result_id, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb,
			$12, $13, $14, $15, $16, $17, $18, $19, $20
		)
	`

	_, err = s.pool.Exec(ctx, query,
		r.ID,
		r.StrategyID,
		string(r.PeriodType),
		r.Sharpe,
		r.WinRate,
		r.Expectancy,
		r.MaxDrawdown,
		r.TradeCount,
		r.TotalReturn,
		r.WFStability,
		symbols,
		string(r.Interval),
		r.IsOptimal,
		r.WeightedSharpe,
		r.WeightedWinRate,
		r.WeightedExpect,
		r.RecencyRatio,
		r.RecencyPenalty,
		nullString(r.RecentResultID),
		r.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert backtest result: %w", err)
	}
	return nil
}

// LinkRecent stores the recent row's id on its paired full row.
func (s *BacktestStore) LinkRecent(ctx context.Context, fullID, recentID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backtest_results SET recent_result_id = $1 WHERE id = $2
	`, recentID, fullID)
	if err != nil {
		return fmt.Errorf("link recent result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetByStrategy returns every result row for a strategy, newest first.
func (s *BacktestStore) GetByStrategy(ctx context.Context, strategyID string) ([]*types.BacktestResult, error) {
	query := `SELECT` + backtestColumns + `
		FROM backtest_results
		WHERE strategy_id = $1
		ORDER BY created_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, strategyID)
	if err != nil {
		return nil, fmt.Errorf("get backtests by strategy: %w", err)
	}
	defer rows.Close()

	return scanBacktests(rows)
}

// GetOptimalFull returns the full-period row at the optimal interval.
func (s *BacktestStore) GetOptimalFull(ctx context.Context, strategyID string) (*types.BacktestResult, error) {
	query := `SELECT` + backtestColumns + `
		FROM backtest_results
		WHERE strategy_id = $1 AND period_type = $2 AND is_optimal
		ORDER BY created_at DESC
		LIMIT 1`

	r, err := scanBacktest(s.pool.QueryRow(ctx, query, strategyID, string(types.PeriodFull)))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get optimal full result: %w", err)
	}
	return r, nil
}

func scanBacktest(row rowScanner) (*types.BacktestResult, error) {
	var (
		r          types.BacktestResult
		periodType string
		symbolsRaw []byte
		interval   string
		recentID   *string
	)

	err := row.Scan(
		&r.ID, &r.StrategyID, &periodType, &r.Sharpe, &r.WinRate,
		&r.Expectancy, &r.MaxDrawdown, &r.TradeCount, &r.TotalReturn,
		&r.WFStability, &symbolsRaw, &interval, &r.IsOptimal,
		&r.WeightedSharpe, &r.WeightedWinRate, &r.WeightedExpect,
		&r.RecencyRatio, &r.RecencyPenalty, &recentID, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.PeriodType = types.PeriodType(periodType)
	r.Interval = types.Interval(interval)
	if recentID != nil {
		r.RecentResultID = *recentID
	}
	if len(symbolsRaw) > 0 {
		if err := json.Unmarshal(symbolsRaw, &r.Symbols); err != nil {
			return nil, fmt.Errorf("unmarshal symbols: %w", err)
		}
	}
	return &r, nil
}

func scanBacktests(rows pgx.Rows) ([]*types.BacktestResult, error) {
	var out []*types.BacktestResult
	for rows.Next() {
		r, err := scanBacktest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backtest row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
