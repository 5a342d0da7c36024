// Package emergency provides the scoped kill switch guarding live
// trading. Stops persist as EmergencyStopState rows so every role sees
// them; the gate blocks a (subaccount, strategy) pair when the global
// scope, that subaccount, or that strategy is stopped with an unexpired
// cool-down.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/events"
	"github.com/atlas-desktop/strategy-pipeline/internal/observability"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// Stop reasons recorded on state rows and events.
const (
	ReasonDrawdown          = "drawdown"
	ReasonDailyLoss         = "daily_loss"
	ReasonConsecutiveLosses = "consecutive_losses"
	ReasonGlobalExposure    = "global_exposure"
)

// Reset triggers. A stop with a trigger clears only after its cool-down
// elapsed and the trigger condition holds again.
const (
	TriggerBalanceRecovered = "balance_recovered"
)

// Config tunes the stop conditions and the evaluation throttle.
type Config struct {
	// EvalInterval throttles Evaluate: calls inside the window no-op, so
	// the executor can invoke it on every tick cheaply.
	EvalInterval time.Duration `json:"eval_interval" mapstructure:"eval_interval"`

	// MaxDrawdown stops a subaccount whose balance sits this far below
	// its peak, as a fraction.
	MaxDrawdown float64 `json:"max_drawdown" mapstructure:"max_drawdown"`

	// MaxDailyLossAbs and MaxDailyLossPct stop a subaccount whose daily
	// PnL breaches either the absolute amount or the fraction of
	// allocated capital. Zero disables the respective limit.
	MaxDailyLossAbs decimal.Decimal `json:"max_daily_loss_abs" mapstructure:"max_daily_loss_abs"`
	MaxDailyLossPct float64         `json:"max_daily_loss_pct" mapstructure:"max_daily_loss_pct"`

	// MaxConsecutiveLosses stops a strategy after this many losing
	// trades in a row. Zero disables the check.
	MaxConsecutiveLosses int `json:"max_consecutive_losses" mapstructure:"max_consecutive_losses"`

	// MaxGlobalExposure stops the whole system when the summed open
	// notional across subaccounts exceeds it. Zero disables the check.
	MaxGlobalExposure decimal.Decimal `json:"max_global_exposure" mapstructure:"max_global_exposure"`

	// Cooldown is how long a triggered stop holds before auto-reset may
	// consider it.
	Cooldown time.Duration `json:"cooldown" mapstructure:"cooldown"`

	// RecoveryRatio is the fraction of peak balance a subaccount must
	// regain before a balance_recovered trigger is satisfied.
	RecoveryRatio float64 `json:"recovery_ratio" mapstructure:"recovery_ratio"`
}

// DefaultConfig returns the production stop settings.
func DefaultConfig() Config {
	return Config{
		EvalInterval:         time.Minute,
		MaxDrawdown:          0.30,
		MaxDailyLossAbs:      decimal.NewFromInt(500),
		MaxDailyLossPct:      0.15,
		MaxConsecutiveLosses: 5,
		MaxGlobalExposure:    decimal.NewFromInt(100000),
		Cooldown:             4 * time.Hour,
		RecoveryRatio:        0.90,
	}
}

// Manager evaluates stop conditions and answers the trading gate.
type Manager struct {
	stores  *storage.Stores
	tracker *events.Tracker
	metrics *observability.Metrics
	config  Config
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	lastEval time.Time
}

func New(stores *storage.Stores, tracker *events.Tracker, metrics *observability.Metrics, config Config, logger *zap.Logger) *Manager {
	return &Manager{
		stores:  stores,
		tracker: tracker,
		metrics: metrics,
		config:  config,
		logger:  logger.Named("emergency"),
		now:     time.Now,
	}
}

// ActiveStop returns the first unexpired stop covering the pair, global
// scope checked first, or nil when trading is clear.
func (m *Manager) ActiveStop(ctx context.Context, subaccountID int, strategyID string) (*types.EmergencyStopState, error) {
	checks := []struct {
		scope   types.StopScope
		scopeID string
	}{
		{types.ScopeGlobal, "global"},
		{types.ScopeSubaccount, fmt.Sprintf("%d", subaccountID)},
		{types.ScopeStrategy, strategyID},
	}
	now := m.now().UTC()
	for _, c := range checks {
		state, err := m.stores.Stops.Get(ctx, c.scope, c.scopeID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("stop lookup %s/%s: %w", c.scope, c.scopeID, err)
		}
		if state.IsStopped && !state.Expired(now) {
			return state, nil
		}
	}
	return nil, nil
}

// CanTrade reports whether the pair may trade. It blocks when the
// global scope, the subaccount, or the strategy carries a stop whose
// cool-down has not elapsed. Reason names the blocking scope.
func (m *Manager) CanTrade(ctx context.Context, subaccountID int, strategyID string) (bool, string, error) {
	state, err := m.ActiveStop(ctx, subaccountID, strategyID)
	if err != nil {
		return false, "", err
	}
	if state != nil {
		return false, fmt.Sprintf("%s stop: %s", state.Scope, state.Reason), nil
	}
	return true, "", nil
}

// Run evaluates on the configured cadence until the context ends. The
// stopmanager role uses this; other roles call Evaluate opportunistically.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("Emergency stop manager started",
		zap.Duration("interval", m.config.EvalInterval),
		zap.Float64("max_drawdown", m.config.MaxDrawdown))

	ticker := time.NewTicker(m.config.EvalInterval)
	defer ticker.Stop()

	for {
		if err := m.Evaluate(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			m.logger.Error("Stop evaluation failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Evaluate runs one pass over all stop conditions, then auto-resets
// expired stops. Calls inside the throttle window return immediately.
func (m *Manager) Evaluate(ctx context.Context) error {
	m.mu.Lock()
	now := m.now().UTC()
	if now.Sub(m.lastEval) < m.config.EvalInterval {
		m.mu.Unlock()
		return nil
	}
	m.lastEval = now
	m.mu.Unlock()

	var errs []error
	if err := m.checkSubaccounts(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.checkStrategies(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.autoReset(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// checkSubaccounts applies drawdown and daily-loss limits per assigned
// subaccount and accumulates open notional for the global exposure cap.
func (m *Manager) checkSubaccounts(ctx context.Context) error {
	subs, err := m.stores.Subaccounts.List(ctx)
	if err != nil {
		return fmt.Errorf("list subaccounts: %w", err)
	}

	exposure := decimal.Zero
	for _, sub := range subs {
		if sub.StrategyID == "" {
			continue
		}

		open, err := m.stores.Trades.GetOpenBySubaccount(ctx, sub.ID)
		if err != nil {
			m.logger.Warn("Open trade lookup failed", zap.Int("subaccount", sub.ID), zap.Error(err))
		} else {
			for _, t := range open {
				exposure = exposure.Add(t.Size.Mul(t.EntryPrice))
			}
		}

		scopeID := fmt.Sprintf("%d", sub.ID)

		if peak := sub.PeakBalance; peak.IsPositive() {
			dd, _ := decimal.NewFromInt(1).Sub(sub.CurrentBalance.Div(peak)).Float64()
			if dd >= m.config.MaxDrawdown {
				m.trigger(ctx, types.ScopeSubaccount, scopeID, ReasonDrawdown,
					types.ActionClosePositions, TriggerBalanceRecovered, map[string]any{
						"drawdown":        dd,
						"peak_balance":    peak.String(),
						"current_balance": sub.CurrentBalance.String(),
						"strategy_id":     sub.StrategyID,
					})
				continue
			}
		}

		if loss := sub.DailyPnL.Neg(); loss.IsPositive() {
			absBreach := m.config.MaxDailyLossAbs.IsPositive() && loss.GreaterThanOrEqual(m.config.MaxDailyLossAbs)
			pctBreach := false
			if m.config.MaxDailyLossPct > 0 && sub.AllocatedCapital.IsPositive() {
				frac, _ := loss.Div(sub.AllocatedCapital).Float64()
				pctBreach = frac >= m.config.MaxDailyLossPct
			}
			if absBreach || pctBreach {
				m.trigger(ctx, types.ScopeSubaccount, scopeID, ReasonDailyLoss,
					types.ActionPause, "", map[string]any{
						"daily_pnl":   sub.DailyPnL.String(),
						"allocated":   sub.AllocatedCapital.String(),
						"strategy_id": sub.StrategyID,
					})
				continue
			}
		}
	}

	if m.config.MaxGlobalExposure.IsPositive() && exposure.GreaterThan(m.config.MaxGlobalExposure) {
		m.trigger(ctx, types.ScopeGlobal, "global", ReasonGlobalExposure,
			types.ActionPause, "", map[string]any{
				"exposure": exposure.String(),
				"limit":    m.config.MaxGlobalExposure.String(),
			})
	}
	return nil
}

// checkStrategies stops any live strategy with a losing streak at the
// configured length.
func (m *Manager) checkStrategies(ctx context.Context) error {
	if m.config.MaxConsecutiveLosses <= 0 {
		return nil
	}
	live, err := m.stores.Strategies.ListByStatus(ctx, types.StatusLive, 500)
	if err != nil {
		return fmt.Errorf("list live: %w", err)
	}

	for _, st := range live {
		recent, err := m.stores.Trades.GetRecentByStrategy(ctx, st.ID, m.config.MaxConsecutiveLosses)
		if err != nil {
			m.logger.Warn("Recent trade lookup failed", zap.String("strategy", st.Name), zap.Error(err))
			continue
		}
		if len(recent) < m.config.MaxConsecutiveLosses {
			continue
		}
		streak := true
		for _, t := range recent {
			if t.PnL.IsPositive() || t.PnL.IsZero() {
				streak = false
				break
			}
		}
		if streak {
			m.trigger(ctx, types.ScopeStrategy, st.ID, ReasonConsecutiveLosses,
				types.ActionPause, "", map[string]any{
					"losses":        m.config.MaxConsecutiveLosses,
					"strategy_name": st.Name,
				})
		}
	}
	return nil
}

// trigger upserts a stop unless the scope already holds an unexpired
// one, so repeated evaluations cannot extend a cool-down forever.
func (m *Manager) trigger(ctx context.Context, scope types.StopScope, scopeID, reason string, action types.StopAction, resetTrigger string, details map[string]any) {
	now := m.now().UTC()

	existing, err := m.stores.Stops.Get(ctx, scope, scopeID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Error("Stop lookup failed", zap.String("scope", string(scope)), zap.String("scope_id", scopeID), zap.Error(err))
		return
	}
	if existing != nil && existing.IsStopped && !existing.Expired(now) {
		return
	}

	state := &types.EmergencyStopState{
		Scope:         scope,
		ScopeID:       scopeID,
		IsStopped:     true,
		Reason:        reason,
		Action:        action,
		StoppedAt:     now,
		CooldownUntil: now.Add(m.config.Cooldown),
		ResetTrigger:  resetTrigger,
	}
	if err := m.stores.Stops.Upsert(ctx, state); err != nil {
		m.logger.Error("Stop upsert failed", zap.String("scope", string(scope)), zap.String("scope_id", scopeID), zap.Error(err))
		return
	}

	if m.metrics != nil {
		m.metrics.EmergencyStops.WithLabelValues(string(scope)).Inc()
	}

	eventDetails := map[string]any{
		"scope":          string(scope),
		"scope_id":       scopeID,
		"reason":         reason,
		"action":         string(action),
		"cooldown_until": state.CooldownUntil.Format(time.RFC3339),
	}
	for k, v := range details {
		eventDetails[k] = v
	}
	m.tracker.Emit(ctx, &types.StrategyEvent{
		StrategyID:   strategyScopeID(scope, scopeID),
		StrategyName: scopeLabel(scope, scopeID),
		EventType:    events.TypeEmergencyStop,
		Stage:        events.StageEmergency,
		Status:       events.StatusFailure,
		Details:      eventDetails,
	})

	m.logger.Error("EMERGENCY STOP triggered",
		zap.String("scope", string(scope)),
		zap.String("scope_id", scopeID),
		zap.String("reason", reason),
		zap.String("action", string(action)),
		zap.Time("cooldown_until", state.CooldownUntil))
}

// autoReset clears stops whose cool-down elapsed and whose reset
// trigger, when present, is satisfied again.
func (m *Manager) autoReset(ctx context.Context) error {
	stopped, err := m.stores.Stops.ListStopped(ctx)
	if err != nil {
		return fmt.Errorf("list stopped: %w", err)
	}

	now := m.now().UTC()
	for _, state := range stopped {
		if !state.Expired(now) {
			continue
		}
		if state.ResetTrigger != "" {
			ok, err := m.triggerSatisfied(ctx, state)
			if err != nil {
				m.logger.Warn("Reset trigger check failed",
					zap.String("scope", string(state.Scope)),
					zap.String("scope_id", state.ScopeID),
					zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
		}

		if err := m.stores.Stops.Clear(ctx, state.Scope, state.ScopeID); err != nil {
			m.logger.Error("Stop clear failed",
				zap.String("scope", string(state.Scope)),
				zap.String("scope_id", state.ScopeID),
				zap.Error(err))
			continue
		}
		m.tracker.Emit(ctx, &types.StrategyEvent{
			StrategyID:   strategyScopeID(state.Scope, state.ScopeID),
			StrategyName: scopeLabel(state.Scope, state.ScopeID),
			EventType:    events.TypeEmergencyReset,
			Stage:        events.StageEmergency,
			Status:       events.StatusSuccess,
			Details: map[string]any{
				"scope":    string(state.Scope),
				"scope_id": state.ScopeID,
				"reason":   state.Reason,
			},
		})
		m.logger.Info("Emergency stop reset",
			zap.String("scope", string(state.Scope)),
			zap.String("scope_id", state.ScopeID),
			zap.String("reason", state.Reason))
	}
	return nil
}

func (m *Manager) triggerSatisfied(ctx context.Context, state *types.EmergencyStopState) (bool, error) {
	switch state.ResetTrigger {
	case TriggerBalanceRecovered:
		if state.Scope != types.ScopeSubaccount {
			return true, nil
		}
		var id int
		if _, err := fmt.Sscanf(state.ScopeID, "%d", &id); err != nil {
			return false, fmt.Errorf("scope id %q: %w", state.ScopeID, err)
		}
		sub, err := m.stores.Subaccounts.Get(ctx, id)
		if err != nil {
			return false, err
		}
		if !sub.PeakBalance.IsPositive() {
			return true, nil
		}
		floor := sub.PeakBalance.Mul(decimal.NewFromFloat(m.config.RecoveryRatio))
		return sub.CurrentBalance.GreaterThanOrEqual(floor), nil
	default:
		// Unknown trigger never blocks a reset forever.
		return true, nil
	}
}

// strategyScopeID returns the strategy id for strategy-scoped rows so
// the event joins back to the strategy, empty otherwise.
func strategyScopeID(scope types.StopScope, scopeID string) string {
	if scope == types.ScopeStrategy {
		return scopeID
	}
	return ""
}

// scopeLabel names the event row for scopes without a strategy.
func scopeLabel(scope types.StopScope, scopeID string) string {
	if scope == types.ScopeGlobal {
		return "global"
	}
	return fmt.Sprintf("%s:%s", scope, scopeID)
}
