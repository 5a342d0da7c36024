package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// StrategyStore implements storage.StrategyStore using PostgreSQL.
type StrategyStore struct {
	pool *Pool
}

// NewStrategyStore creates a new StrategyStore.
func NewStrategyStore(pool *Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

// Compile-time interface check.
var _ storage.StrategyStore = (*StrategyStore)(nil)

const strategyColumns = `
	id, name, category, interval, source_code, template_id, parameters,
	param_hash, base_code_hash, status, failure_reason, processing_by,
	processing_started_at, symbols, direction, optimal_interval,
	generated_at, validated_at, tested_at, selected_at, deployed_at,
	retired_at, updated_at`

// stageTimestamps maps a target status to the completion column it stamps.
var stageTimestamps = map[types.Status]string{
	types.StatusValidated: "validated_at",
	types.StatusTested:    "tested_at",
	types.StatusSelected:  "selected_at",
	types.StatusLive:      "deployed_at",
	types.StatusRetired:   "retired_at",
}

// Insert adds a new strategy. Returns ErrDuplicateKey when the name or the
// (template_id, param_hash) pair already exists.
func (s *StrategyStore) Insert(ctx context.Context, st *types.Strategy) error {
	if st.ID == "" || st.Name == "" {
		return storage.ErrInvalidInput
	}
	params, err := marshalJSON(st.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	symbols, err := marshalJSON(st.Symbols)
	if err != nil {
		return fmt.Errorf("marshal symbols: %w", err)
	}

	query := `
		INSERT INTO strategies (
			id, name, category, interval, source_code, template_id,
			parameters, param_hash, base_code_hash, status, failure_reason,
			symbols, direction, generated_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12::jsonb, $13, $14, $15)
	`

	_, err = s.pool.Exec(ctx, query,
		st.ID,
		st.Name,
		string(st.Category),
		string(st.Interval),
		st.SourceCode,
		nullString(st.TemplateID),
		params,
		nullString(st.ParamHash),
		nullString(st.BaseCodeHash),
		string(st.Status),
		st.FailureReason,
		symbols,
		string(st.Direction),
		st.GeneratedAt,
		st.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert strategy: %w", err)
	}
	return nil
}

// GetByID retrieves a strategy. Returns ErrNotFound if it does not exist.
func (s *StrategyStore) GetByID(ctx context.Context, id string) (*types.Strategy, error) {
	query := `SELECT` + strategyColumns + ` FROM strategies WHERE id = $1`
	st, err := scanStrategy(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get strategy by id: %w", err)
	}
	return st, nil
}

// GetByName retrieves a strategy by its unique name.
func (s *StrategyStore) GetByName(ctx context.Context, name string) (*types.Strategy, error) {
	query := `SELECT` + strategyColumns + ` FROM strategies WHERE name = $1`
	st, err := scanStrategy(s.pool.QueryRow(ctx, query, name))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get strategy by name: %w", err)
	}
	return st, nil
}

// Claim atomically reserves one ready row. The locking CTE and the lease
// stamp run as a single statement, so concurrent workers skip rows that
// are already locked and can never double-claim.
func (s *StrategyStore) Claim(ctx context.Context, status types.Status, workerID string, ttl time.Duration) (*types.Strategy, error) {
	if workerID == "" {
		return nil, storage.ErrInvalidInput
	}
	query := `
		WITH next AS (
			SELECT id FROM strategies
			WHERE status = $1
			  AND (processing_by IS NULL
			       OR processing_started_at < now() - make_interval(secs => $2))
			ORDER BY generated_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE strategies s
		SET processing_by = $3, processing_started_at = now(), updated_at = now()
		FROM next
		WHERE s.id = next.id
		RETURNING` + prefixColumns("s.") + `
	`

	st, err := scanStrategy(s.pool.QueryRow(ctx, query, string(status), ttl.Seconds(), workerID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("claim %s row: %w", status, err)
	}
	return st, nil
}

// Release clears the lease without changing status.
func (s *StrategyStore) Release(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE strategies
		SET processing_by = NULL, processing_started_at = NULL, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("release strategy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Advance moves a claimed row along a pipeline edge and clears the lease.
// An empty workerID performs an unleased transition (classifier cadence
// work), which requires the row to be unclaimed.
func (s *StrategyStore) Advance(ctx context.Context, id string, from, to types.Status, workerID string) error {
	if !from.CanTransitionTo(to) {
		return storage.ErrInvalidTransition
	}

	stamp := ""
	if col, ok := stageTimestamps[to]; ok {
		stamp = ", " + col + " = now()"
	}

	var query string
	var args []any
	if workerID == "" {
		query = fmt.Sprintf(`
			UPDATE strategies
			SET status = $1, processing_by = NULL, processing_started_at = NULL, updated_at = now()%s
			WHERE id = $2 AND status = $3 AND processing_by IS NULL
		`, stamp)
		args = []any{string(to), id, string(from)}
	} else {
		query = fmt.Sprintf(`
			UPDATE strategies
			SET status = $1, processing_by = NULL, processing_started_at = NULL, updated_at = now()%s
			WHERE id = $2 AND status = $3 AND processing_by = $4
		`, stamp)
		args = []any{string(to), id, string(from), workerID}
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("advance strategy to %s: %w", to, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return storage.ErrLeaseLost
	}
	return nil
}

// Fail marks a row FAILED with a reason and clears the lease.
func (s *StrategyStore) Fail(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE strategies
		SET status = $1, failure_reason = $2,
		    processing_by = NULL, processing_started_at = NULL, updated_at = now()
		WHERE id = $3 AND status NOT IN ($4, $5)
	`, string(types.StatusFailed), reason, id,
		string(types.StatusRetired), string(types.StatusFailed))
	if err != nil {
		return fmt.Errorf("fail strategy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return storage.ErrInvalidTransition
	}
	return nil
}

// SetOptimalInterval records the interval chosen by the backtest sweep.
func (s *StrategyStore) SetOptimalInterval(ctx context.Context, id string, interval types.Interval) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE strategies SET optimal_interval = $1, updated_at = now() WHERE id = $2
	`, string(interval), id)
	if err != nil {
		return fmt.Errorf("set optimal interval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListByStatus returns up to limit rows in a status, oldest first.
func (s *StrategyStore) ListByStatus(ctx context.Context, status types.Status, limit int) ([]*types.Strategy, error) {
	query := `SELECT` + strategyColumns + `
		FROM strategies
		WHERE status = $1
		ORDER BY generated_at
		LIMIT NULLIF($2, 0)`

	if limit < 0 {
		limit = 0
	}
	rows, err := s.pool.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list strategies by status: %w", err)
	}
	defer rows.Close()

	return scanStrategies(rows)
}

// CountByStatus returns the depth of every queue.
func (s *StrategyStore) CountByStatus(ctx context.Context) (map[types.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM strategies GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count strategies by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.Status]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[types.Status(status)] = int(n)
	}
	return counts, rows.Err()
}

// Delete hard-removes a row.
func (s *StrategyStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM strategies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete strategy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// prefixColumns qualifies the shared column list for RETURNING clauses.
func prefixColumns(prefix string) string {
	out := ""
	first := true
	for _, col := range []string{
		"id", "name", "category", "interval", "source_code", "template_id",
		"parameters", "param_hash", "base_code_hash", "status",
		"failure_reason", "processing_by", "processing_started_at",
		"symbols", "direction", "optimal_interval", "generated_at",
		"validated_at", "tested_at", "selected_at", "deployed_at",
		"retired_at", "updated_at",
	} {
		if !first {
			out += ", "
		}
		out += prefix + col
		first = false
	}
	return " " + out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (*types.Strategy, error) {
	var (
		st           types.Strategy
		category     string
		interval     string
		templateID   *string
		paramsRaw    []byte
		paramHash    *string
		baseHash     *string
		status       string
		processingBy *string
		symbolsRaw   []byte
		direction    string
		optimal      *string
	)

	err := row.Scan(
		&st.ID, &st.Name, &category, &interval, &st.SourceCode, &templateID,
		&paramsRaw, &paramHash, &baseHash, &status, &st.FailureReason,
		&processingBy, &st.ProcessingStartedAt, &symbolsRaw, &direction,
		&optimal, &st.GeneratedAt, &st.ValidatedAt, &st.TestedAt,
		&st.SelectedAt, &st.DeployedAt, &st.RetiredAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	st.Category = types.Category(category)
	st.Interval = types.Interval(interval)
	st.Status = types.Status(status)
	st.Direction = types.Direction(direction)
	if templateID != nil {
		st.TemplateID = *templateID
	}
	if paramHash != nil {
		st.ParamHash = *paramHash
	}
	if baseHash != nil {
		st.BaseCodeHash = *baseHash
	}
	if processingBy != nil {
		st.ProcessingBy = *processingBy
	}
	if optimal != nil {
		st.OptimalInterval = types.Interval(*optimal)
	}
	if len(paramsRaw) > 0 {
		if err := json.Unmarshal(paramsRaw, &st.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if len(symbolsRaw) > 0 {
		if err := json.Unmarshal(symbolsRaw, &st.Symbols); err != nil {
			return nil, fmt.Errorf("unmarshal symbols: %w", err)
		}
	}
	return &st, nil
}

func scanStrategies(rows pgx.Rows) ([]*types.Strategy, error) {
	var out []*types.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
