package postgres

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// ValidationStore implements storage.ValidationCacheStore using PostgreSQL.
type ValidationStore struct {
	pool *Pool
}

// NewValidationStore creates a new ValidationStore.
func NewValidationStore(pool *Pool) *ValidationStore {
	return &ValidationStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ValidationCacheStore = (*ValidationStore)(nil)

// Upsert writes a cache entry. Concurrent writers racing on the same hash
// resolve through ON CONFLICT, so grid siblings validated in parallel never
// error out on each other.
func (s *ValidationStore) Upsert(ctx context.Context, e *types.ValidationCacheEntry) error {
	if e == nil || e.CodeHash == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO validation_cache (code_hash, shuffle_passed, stability_passed, checked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (code_hash) DO UPDATE
		SET shuffle_passed   = EXCLUDED.shuffle_passed,
		    stability_passed = EXCLUDED.stability_passed,
		    checked_at       = EXCLUDED.checked_at
	`

	_, err := s.pool.Exec(ctx, query, e.CodeHash, e.ShufflePassed, e.StabilityPassed, e.CheckedAt)
	if err != nil {
		return fmt.Errorf("upsert validation cache: %w", err)
	}
	return nil
}

// Get returns the entry for a code hash. Returns ErrNotFound on a miss.
func (s *ValidationStore) Get(ctx context.Context, codeHash string) (*types.ValidationCacheEntry, error) {
	query := `
		SELECT code_hash, shuffle_passed, stability_passed, checked_at
		FROM validation_cache
		WHERE code_hash = $1
	`

	var e types.ValidationCacheEntry
	err := s.pool.QueryRow(ctx, query, codeHash).Scan(
		&e.CodeHash, &e.ShufflePassed, &e.StabilityPassed, &e.CheckedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get validation cache entry: %w", err)
	}
	return &e, nil
}
