package generator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/regime"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
	"github.com/atlas-desktop/strategy-pipeline/pkg/utils"
)

// VolumeSource ranks the tradable universe.
type VolumeSource interface {
	FetchSymbolVolumes(ctx context.Context) ([]types.SymbolVolume, error)
}

// RegistryConfig controls the symbol universe.
type RegistryConfig struct {
	TopN       int           `json:"top_n" mapstructure:"top_n"`
	RefreshTTL time.Duration `json:"refresh_ttl" mapstructure:"refresh_ttl"`
}

// DefaultRegistryConfig returns the standard universe bounds.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{TopN: 20, RefreshTTL: time.Hour}
}

// SymbolRegistry holds the top-N symbols by 24h quote volume and hands
// out per-source symbol assignments with a rotating direction. Refreshes
// lazily when the TTL lapses; every refresh is recorded.
type SymbolRegistry struct {
	mu          sync.Mutex
	symbols     []string
	known       map[string]bool
	rotation    map[string]int
	refreshedAt time.Time

	volumes  VolumeSource
	tasks    storage.TaskStore
	detector *regime.Detector
	config   RegistryConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewSymbolRegistry creates an empty registry. detector may be nil to
// disable regime conditioning.
func NewSymbolRegistry(volumes VolumeSource, tasks storage.TaskStore, detector *regime.Detector, config RegistryConfig, logger *zap.Logger) *SymbolRegistry {
	return &SymbolRegistry{
		known:    make(map[string]bool),
		rotation: make(map[string]int),
		volumes:  volumes,
		tasks:    tasks,
		detector: detector,
		config:   config,
		logger:   logger.Named("symbols"),
		now:      time.Now,
	}
}

// Symbols returns the current universe, refreshing first when stale.
func (r *SymbolRegistry) Symbols(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refreshLocked(ctx); err != nil {
		return nil, err
	}
	out := make([]string, len(r.symbols))
	copy(out, r.symbols)
	return out, nil
}

// Refresh forces a universe rebuild regardless of TTL.
func (r *SymbolRegistry) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshedAt = time.Time{}
	return r.refreshLocked(ctx)
}

func (r *SymbolRegistry) refreshLocked(ctx context.Context) error {
	now := r.now().UTC()
	if !r.refreshedAt.IsZero() && now.Sub(r.refreshedAt) < r.config.RefreshTTL {
		return nil
	}

	started := now
	volumes, err := r.volumes.FetchSymbolVolumes(ctx)
	r.recordRun(ctx, started, err)
	if err != nil {
		if len(r.symbols) > 0 {
			// Keep trading the stale universe rather than emptying it.
			r.logger.Warn("Symbol refresh failed, keeping stale universe", zap.Error(err))
			r.refreshedAt = now
			return nil
		}
		return fmt.Errorf("refreshing symbol universe: %w", err)
	}

	sort.Slice(volumes, func(i, j int) bool {
		return volumes[i].QuoteVolume.GreaterThan(volumes[j].QuoteVolume)
	})
	if len(volumes) > r.config.TopN {
		volumes = volumes[:r.config.TopN]
	}

	next := make([]string, 0, len(volumes))
	nextKnown := make(map[string]bool, len(volumes))
	added := 0
	for _, v := range volumes {
		// Volume feeds are loose about separators; normalize so the
		// same market never lands in the universe twice.
		symbol := utils.FormatSymbol(v.Symbol)
		if nextKnown[symbol] {
			continue
		}
		next = append(next, symbol)
		nextKnown[symbol] = true
		if !r.known[symbol] {
			added++
		}
	}
	gone := 0
	for symbol := range r.known {
		if !nextKnown[symbol] {
			gone++
		}
	}

	if err := r.tasks.RecordPairsUpdate(ctx, &types.PairsUpdateLog{
		ID:           utils.GenerateID("pairs"),
		RunAt:        now,
		SymbolsAdded: added,
		SymbolsGone:  gone,
		SymbolsTotal: len(next),
		Source:       "volume_ranking",
	}); err != nil {
		r.logger.Warn("Recording pairs update failed", zap.Error(err))
	}

	r.symbols = next
	r.known = nextKnown
	r.refreshedAt = now

	r.logger.Info("Symbol universe refreshed",
		zap.Int("total", len(next)),
		zap.Int("added", added),
		zap.Int("removed", gone))
	return nil
}

func (r *SymbolRegistry) recordRun(ctx context.Context, started time.Time, refreshErr error) {
	finished := r.now().UTC()
	run := &types.ScheduledTaskExecution{
		ID:         utils.GenerateID("task"),
		TaskName:   "symbol_registry_refresh",
		StartedAt:  started,
		FinishedAt: &finished,
		Success:    refreshErr == nil,
	}
	if refreshErr != nil {
		run.Detail = refreshErr.Error()
	}
	if err := r.tasks.RecordTaskRun(ctx, run); err != nil {
		r.logger.Warn("Recording task run failed", zap.Error(err))
	}
}

// directionRotation is the per-source assignment cycle.
var directionRotation = []types.Direction{
	types.DirectionLong,
	types.DirectionShort,
	types.DirectionBidi,
}

// Assign hands a source its next direction from the rotation and up to n
// symbols, spread across the universe and filtered by the regime estimate
// when one is available for the chosen direction.
func (r *SymbolRegistry) Assign(ctx context.Context, source string, n int) ([]string, types.Direction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refreshLocked(ctx); err != nil {
		return nil, "", err
	}
	if len(r.symbols) == 0 {
		return nil, "", fmt.Errorf("symbol universe is empty")
	}

	turn := r.rotation[source]
	r.rotation[source] = turn + 1
	dir := directionRotation[turn%len(directionRotation)]

	pool := r.symbols
	if r.detector != nil {
		favoured := make([]string, 0, len(pool))
		for _, symbol := range pool {
			est, ok := r.detector.Current(symbol)
			if !ok || est.FavorsDirection(dir) {
				favoured = append(favoured, symbol)
			}
		}
		if len(favoured) > 0 {
			pool = favoured
		}
	}

	if n > len(pool) {
		n = len(pool)
	}
	start := (turn * n) % len(pool)
	picked := make([]string, 0, n)
	for i := 0; i < n; i++ {
		picked = append(picked, pool[(start+i)%len(pool)])
	}
	return picked, dir, nil
}
