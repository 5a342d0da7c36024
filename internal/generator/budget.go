package generator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Budget is the daily allowance shared by LLM-backed sources. The counter
// persists to a JSON file so a restart cannot refill the day, and rolls
// over at local midnight.
type Budget struct {
	mu     sync.Mutex
	path   string
	limit  int
	state  budgetState
	gauge  prometheus.Gauge
	logger *zap.Logger
	now    func() time.Time
}

type budgetState struct {
	Date string `json:"date"`
	Used int    `json:"used"`
}

// NewBudget loads the persisted counter, starting fresh when the file is
// absent or unreadable. gauge may be nil.
func NewBudget(path string, limit int, gauge prometheus.Gauge, logger *zap.Logger) *Budget {
	b := &Budget{
		path:   path,
		limit:  limit,
		gauge:  gauge,
		logger: logger.Named("budget"),
		now:    time.Now,
	}
	if raw, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(raw, &b.state); err != nil {
			b.logger.Warn("Budget file unreadable, starting fresh",
				zap.String("path", path), zap.Error(err))
			b.state = budgetState{}
		}
	}
	b.rollLocked()
	return b
}

// Remaining returns how many syntheses are left today.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	left := b.limit - b.state.Used
	if left < 0 {
		left = 0
	}
	return left
}

// Spend reserves n syntheses. Returns false without spending when fewer
// than n remain.
func (b *Budget) Spend(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	if b.state.Used+n > b.limit {
		return false
	}
	b.state.Used += n
	b.persistLocked()
	b.updateGaugeLocked()
	return true
}

// UntilReset returns the time left before the counter rolls over.
func (b *Budget) UntilReset() time.Duration {
	now := b.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return midnight.Sub(now)
}

func (b *Budget) rollLocked() {
	today := b.now().Format("2006-01-02")
	if b.state.Date != today {
		b.state = budgetState{Date: today}
		b.persistLocked()
	}
	b.updateGaugeLocked()
}

func (b *Budget) persistLocked() {
	raw, err := json.Marshal(b.state)
	if err != nil {
		return
	}
	if dir := filepath.Dir(b.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			b.logger.Warn("Budget dir not writable", zap.Error(err))
			return
		}
	}
	tmp := fmt.Sprintf("%s.tmp", b.path)
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		b.logger.Warn("Persisting budget failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, b.path); err != nil {
		b.logger.Warn("Persisting budget failed", zap.Error(err))
	}
}

func (b *Budget) updateGaugeLocked() {
	if b.gauge == nil {
		return
	}
	left := b.limit - b.state.Used
	if left < 0 {
		left = 0
	}
	b.gauge.Set(float64(left))
}
