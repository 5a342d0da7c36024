package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// SubaccountStore implements storage.SubaccountStore using PostgreSQL.
type SubaccountStore struct {
	pool *Pool
}

// NewSubaccountStore creates a new SubaccountStore.
func NewSubaccountStore(pool *Pool) *SubaccountStore {
	return &SubaccountStore{pool: pool}
}

// Compile-time interface check.
var _ storage.SubaccountStore = (*SubaccountStore)(nil)

const subaccountColumns = `
	id, status, strategy_id, allocated_capital, current_balance,
	peak_balance, peak_updated_at, daily_pnl, daily_pnl_date, updated_at`

// Insert adds a subaccount row.
func (s *SubaccountStore) Insert(ctx context.Context, sub *types.Subaccount) error {
	if sub == nil || sub.ID <= 0 {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO subaccounts (
			id, status, strategy_id, allocated_capital, current_balance,
			peak_balance, peak_updated_at, daily_pnl, daily_pnl_date, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.pool.Exec(ctx, query,
		sub.ID,
		string(sub.Status),
		nullString(sub.StrategyID),
		sub.AllocatedCapital.String(),
		sub.CurrentBalance.String(),
		sub.PeakBalance.String(),
		sub.PeakUpdatedAt,
		sub.DailyPnL.String(),
		sub.DailyPnLDate,
		sub.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert subaccount: %w", err)
	}
	return nil
}

// Get retrieves a subaccount. Returns ErrNotFound if it does not exist.
func (s *SubaccountStore) Get(ctx context.Context, id int) (*types.Subaccount, error) {
	query := `SELECT` + subaccountColumns + ` FROM subaccounts WHERE id = $1`
	sub, err := scanSubaccount(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get subaccount: %w", err)
	}
	return sub, nil
}

// List returns every subaccount ordered by id.
func (s *SubaccountStore) List(ctx context.Context) ([]*types.Subaccount, error) {
	query := `SELECT` + subaccountColumns + ` FROM subaccounts ORDER BY id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list subaccounts: %w", err)
	}
	defer rows.Close()

	return scanSubaccounts(rows)
}

// GetByStrategy returns the subaccount currently assigned a strategy.
func (s *SubaccountStore) GetByStrategy(ctx context.Context, strategyID string) (*types.Subaccount, error) {
	query := `SELECT` + subaccountColumns + ` FROM subaccounts WHERE strategy_id = $1`
	sub, err := scanSubaccount(s.pool.QueryRow(ctx, query, strategyID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get subaccount by strategy: %w", err)
	}
	return sub, nil
}

// FindFree returns one ACTIVE subaccount with no assigned strategy,
// lowest id first. Returns ErrNotFound when the pool is exhausted.
func (s *SubaccountStore) FindFree(ctx context.Context) (*types.Subaccount, error) {
	query := `SELECT` + subaccountColumns + `
		FROM subaccounts
		WHERE status = $1 AND strategy_id IS NULL
		ORDER BY id
		LIMIT 1`

	sub, err := scanSubaccount(s.pool.QueryRow(ctx, query, string(types.SubaccountActive)))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("find free subaccount: %w", err)
	}
	return sub, nil
}

// Assign binds a strategy and seeds allocated capital and peak balance in
// one statement. The strategy_id IS NULL guard makes racing deployers
// lose cleanly instead of double-assigning.
func (s *SubaccountStore) Assign(ctx context.Context, id int, strategyID string, allocated decimal.Decimal) error {
	if strategyID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE subaccounts
		SET strategy_id = $1, allocated_capital = $2, current_balance = $2,
		    peak_balance = $2, peak_updated_at = now(), updated_at = now()
		WHERE id = $3 AND status = $4 AND strategy_id IS NULL
	`

	tag, err := s.pool.Exec(ctx, query, strategyID, allocated.String(), id, string(types.SubaccountActive))
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("assign subaccount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return storage.ErrInvalidInput
	}
	return nil
}

// Free clears the assignment and returns the subaccount to ACTIVE.
func (s *SubaccountStore) Free(ctx context.Context, id int) error {
	query := `
		UPDATE subaccounts
		SET strategy_id = NULL, status = $1, allocated_capital = 0,
		    daily_pnl = 0, daily_pnl_date = '', updated_at = now()
		WHERE id = $2
	`

	tag, err := s.pool.Exec(ctx, query, string(types.SubaccountActive), id)
	if err != nil {
		return fmt.Errorf("free subaccount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Update persists status, balance, peak, and daily PnL fields.
func (s *SubaccountStore) Update(ctx context.Context, sub *types.Subaccount) error {
	if sub == nil || sub.ID <= 0 {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE subaccounts
		SET status = $1, allocated_capital = $2, current_balance = $3,
		    peak_balance = $4, peak_updated_at = $5, daily_pnl = $6,
		    daily_pnl_date = $7, updated_at = now()
		WHERE id = $8
	`

	tag, err := s.pool.Exec(ctx, query,
		string(sub.Status),
		sub.AllocatedCapital.String(),
		sub.CurrentBalance.String(),
		sub.PeakBalance.String(),
		sub.PeakUpdatedAt,
		sub.DailyPnL.String(),
		sub.DailyPnLDate,
		sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update subaccount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanSubaccount(row rowScanner) (*types.Subaccount, error) {
	var (
		sub        types.Subaccount
		status     string
		strategyID *string
	)

	err := row.Scan(
		&sub.ID, &status, &strategyID, &sub.AllocatedCapital,
		&sub.CurrentBalance, &sub.PeakBalance, &sub.PeakUpdatedAt,
		&sub.DailyPnL, &sub.DailyPnLDate, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Status = types.SubaccountStatus(status)
	if strategyID != nil {
		sub.StrategyID = *strategyID
	}
	return &sub, nil
}

func scanSubaccounts(rows pgx.Rows) ([]*types.Subaccount, error) {
	var out []*types.Subaccount
	for rows.Next() {
		sub, err := scanSubaccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subaccount row: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
