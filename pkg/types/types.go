// Package types provides shared type definitions for the strategy pipeline.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents a strategy's position in the pipeline.
type Status string

const (
	StatusGenerated Status = "GENERATED"
	StatusValidated Status = "VALIDATED"
	StatusTested    Status = "TESTED"
	StatusSelected  Status = "SELECTED"
	StatusLive      Status = "LIVE"
	StatusRetired   Status = "RETIRED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether a strategy in this status can never re-enter a queue.
func (s Status) IsTerminal() bool {
	return s == StatusRetired || s == StatusFailed
}

// validTransitions is the pipeline DAG. FAILED is reachable from every
// non-terminal status and is handled separately in CanTransitionTo.
var validTransitions = map[Status][]Status{
	StatusGenerated: {StatusValidated},
	StatusValidated: {StatusTested},
	StatusTested:    {StatusSelected, StatusRetired},
	StatusSelected:  {StatusLive},
	StatusLive:      {StatusRetired},
}

// CanTransitionTo reports whether moving from s to next is a legal pipeline edge.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Category tags a strategy family.
type Category string

const (
	CategoryMomentum   Category = "momentum"
	CategoryReversal   Category = "reversal"
	CategoryTrend      Category = "trend"
	CategoryBreakout   Category = "breakout"
	CategoryVolatility Category = "volatility"
	CategoryScalping   Category = "scalping"
	CategoryAdvanced   Category = "advanced"
)

// Interval represents a bar interval.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
)

// SupportedIntervals lists every interval the pipeline accepts, ascending.
var SupportedIntervals = []Interval{
	Interval1m, Interval3m, Interval5m, Interval15m, Interval30m,
	Interval1h, Interval2h, Interval4h, Interval6h, Interval8h,
	Interval12h, Interval1d,
}

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval3m:  3 * time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval2h:  2 * time.Hour,
	Interval4h:  4 * time.Hour,
	Interval6h:  6 * time.Hour,
	Interval8h:  8 * time.Hour,
	Interval12h: 12 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// Duration returns the wall-clock span of one bar, or zero for an unknown interval.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// IsValid reports whether the interval is one of the supported set.
func (i Interval) IsValid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// BarsPerYear returns how many bars of this interval fit in a year,
// used to annualize per-bar return statistics.
func (i Interval) BarsPerYear() float64 {
	d := i.Duration()
	if d <= 0 {
		return 0
	}
	return float64(365*24*time.Hour) / float64(d)
}

// Direction represents which side(s) a strategy may trade.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionBidi  Direction = "bidi"
)

// PeriodType distinguishes the two backtest evaluation windows.
type PeriodType string

const (
	PeriodFull   PeriodType = "full"
	PeriodRecent PeriodType = "recent"
)

// SubaccountStatus represents the lifecycle state of a capital bucket.
type SubaccountStatus string

const (
	SubaccountActive  SubaccountStatus = "ACTIVE"
	SubaccountPaused  SubaccountStatus = "PAUSED"
	SubaccountStopped SubaccountStatus = "STOPPED"
	SubaccountRetired SubaccountStatus = "RETIRED"
)

// StopScope identifies the unit an emergency stop applies to.
type StopScope string

const (
	ScopeGlobal     StopScope = "global"
	ScopeSubaccount StopScope = "subaccount"
	ScopeStrategy   StopScope = "strategy"
)

// StopAction is what the emergency stop does on trigger.
type StopAction string

const (
	ActionPause          StopAction = "pause"
	ActionClosePositions StopAction = "close_positions"
)

// Exit reasons recorded on closed trades.
const (
	ExitReasonSignal       = "signal_close"
	ExitReasonTimeExit     = "time_exit"
	ExitReasonStopLoss     = "stop_loss"
	ExitReasonTakeProfit   = "take_profit"
	ExitReasonTrailingStop = "trailing_stop"
	ExitReasonEmergency    = "emergency_stop"
	ExitReasonShutdown     = "shutdown"
)

// SignalAction is the instruction a strategy emits for one bar.
type SignalAction string

const (
	SignalLong  SignalAction = "long"
	SignalShort SignalAction = "short"
	SignalClose SignalAction = "close"
)

// StopKind selects how a stop-loss price is derived.
type StopKind string

const (
	StopPercent    StopKind = "percent"
	StopATR        StopKind = "atr"
	StopStructural StopKind = "structural"
	StopVolatility StopKind = "volatility"
	StopTrailing   StopKind = "trailing"
)

// TargetKind selects how a take-profit price is derived.
type TargetKind string

const (
	TargetPercent    TargetKind = "percent"
	TargetRR         TargetKind = "rr"
	TargetATR        TargetKind = "atr"
	TargetStructural TargetKind = "structural"
	TargetTrailing   TargetKind = "trailing"
)

// StopSpec describes a stop-loss. Value is interpreted per Kind:
// percent of entry, ATR multiple, swing lookback bars, std-dev multiple,
// or trail percent.
type StopSpec struct {
	Kind  StopKind `json:"kind"`
	Value float64  `json:"value"`
}

// TargetSpec describes a take-profit. Value is interpreted per Kind.
type TargetSpec struct {
	Kind  TargetKind `json:"kind"`
	Value float64    `json:"value"`
}

// Signal is the per-bar output of a strategy.
type Signal struct {
	Action        SignalAction `json:"action"`
	Leverage      int          `json:"leverage"`
	Stop          StopSpec     `json:"stop"`
	Target        TargetSpec   `json:"target"`
	ExitAfterBars int          `json:"exit_after_bars,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}

// Strategy is the primary pipeline artifact.
type Strategy struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Category            Category       `json:"category"`
	Interval            Interval       `json:"interval"`
	SourceCode          string         `json:"source_code"`
	TemplateID          string         `json:"template_id,omitempty"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	ParamHash           string         `json:"param_hash,omitempty"`
	BaseCodeHash        string         `json:"base_code_hash,omitempty"`
	Status              Status         `json:"status"`
	FailureReason       string         `json:"failure_reason,omitempty"`
	ProcessingBy        string         `json:"processing_by,omitempty"`
	ProcessingStartedAt *time.Time     `json:"processing_started_at,omitempty"`
	Symbols             []string       `json:"symbols"`
	Direction           Direction      `json:"direction"`
	OptimalInterval     Interval       `json:"optimal_interval,omitempty"`
	GeneratedAt         time.Time      `json:"generated_at"`
	ValidatedAt         *time.Time     `json:"validated_at,omitempty"`
	TestedAt            *time.Time     `json:"tested_at,omitempty"`
	SelectedAt          *time.Time     `json:"selected_at,omitempty"`
	DeployedAt          *time.Time     `json:"deployed_at,omitempty"`
	RetiredAt           *time.Time     `json:"retired_at,omitempty"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// LeaseExpired reports whether the row's claim lease has lapsed at now.
func (s *Strategy) LeaseExpired(ttl time.Duration, now time.Time) bool {
	if s.ProcessingBy == "" || s.ProcessingStartedAt == nil {
		return true
	}
	return now.After(s.ProcessingStartedAt.Add(ttl))
}

// ValidationCacheEntry records a shuffle-test outcome shared by every
// parametric variant with the same base code hash.
type ValidationCacheEntry struct {
	CodeHash        string    `json:"code_hash"`
	ShufflePassed   bool      `json:"shuffle_passed"`
	StabilityPassed *bool     `json:"stability_passed,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// BacktestResult is one evaluation row; full and recent rows pair up
// at the optimal interval.
type BacktestResult struct {
	ID              string     `json:"id"`
	StrategyID      string     `json:"strategy_id"`
	PeriodType      PeriodType `json:"period_type"`
	Sharpe          float64    `json:"sharpe"`
	WinRate         float64    `json:"win_rate"`
	Expectancy      float64    `json:"expectancy"`
	MaxDrawdown     float64    `json:"max_drawdown"`
	TradeCount      int        `json:"trade_count"`
	TotalReturn     float64    `json:"total_return"`
	WFStability     float64    `json:"wf_stability"`
	Symbols         []string   `json:"symbols"`
	Interval        Interval   `json:"interval"`
	IsOptimal       bool       `json:"is_optimal"`
	WeightedSharpe  float64    `json:"weighted_sharpe"`
	WeightedWinRate float64    `json:"weighted_win_rate"`
	WeightedExpect  float64    `json:"weighted_expectancy"`
	RecencyRatio    float64    `json:"recency_ratio"`
	RecencyPenalty  float64    `json:"recency_penalty"`
	RecentResultID  string     `json:"recent_result_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Trade is an open or closed position owned by exactly one strategy
// and one subaccount.
type Trade struct {
	ID           string          `json:"id"`
	StrategyID   string          `json:"strategy_id"`
	SubaccountID int             `json:"subaccount_id"`
	Symbol       string          `json:"symbol"`
	Direction    Direction       `json:"direction"`
	EntryTime    time.Time       `json:"entry_time"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	Size         decimal.Decimal `json:"size"`
	StopLoss     decimal.Decimal `json:"stop_loss"`
	TakeProfit   decimal.Decimal `json:"take_profit"`
	ExitTime     *time.Time      `json:"exit_time,omitempty"`
	ExitPrice    decimal.Decimal `json:"exit_price,omitempty"`
	ExitReason   string          `json:"exit_reason,omitempty"`
	PnL          decimal.Decimal `json:"pnl"`
	PnLRatio     float64         `json:"pnl_ratio"`
	Leverage     int             `json:"leverage"`
	EntryFee     decimal.Decimal `json:"entry_fee"`
	ExitFee      decimal.Decimal `json:"exit_fee"`
	DurationSecs int64           `json:"duration_secs"`
	VenueOrderID string          `json:"venue_order_id,omitempty"`
	IsOpen       bool            `json:"is_open"`
}

// Subaccount is an isolated capital bucket a live strategy trades on.
type Subaccount struct {
	ID               int              `json:"id"`
	Status           SubaccountStatus `json:"status"`
	StrategyID       string           `json:"strategy_id,omitempty"`
	AllocatedCapital decimal.Decimal  `json:"allocated_capital"`
	CurrentBalance   decimal.Decimal  `json:"current_balance"`
	PeakBalance      decimal.Decimal  `json:"peak_balance"`
	PeakUpdatedAt    *time.Time       `json:"peak_updated_at,omitempty"`
	DailyPnL         decimal.Decimal  `json:"daily_pnl"`
	DailyPnLDate     string           `json:"daily_pnl_date,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// EmergencyStopState is one scoped stop flag.
type EmergencyStopState struct {
	Scope         StopScope  `json:"scope"`
	ScopeID       string     `json:"scope_id"`
	IsStopped     bool       `json:"is_stopped"`
	Reason        string     `json:"reason"`
	Action        StopAction `json:"action"`
	StoppedAt     time.Time  `json:"stopped_at"`
	CooldownUntil time.Time  `json:"cooldown_until"`
	ResetTrigger  string     `json:"reset_trigger,omitempty"`
}

// Expired reports whether the stop's cool-down has elapsed at now.
func (e *EmergencyStopState) Expired(now time.Time) bool {
	return !now.Before(e.CooldownUntil)
}

// StrategyEvent is one append-only event-log row. Strategy name and base
// code hash are denormalised so metrics survive strategy deletion.
type StrategyEvent struct {
	ID           string         `json:"id"`
	OccurredAt   time.Time      `json:"occurred_at"`
	StrategyID   string         `json:"strategy_id,omitempty"`
	StrategyName string         `json:"strategy_name"`
	BaseCodeHash string         `json:"base_code_hash,omitempty"`
	EventType    string         `json:"event_type"`
	Stage        string         `json:"stage"`
	Status       string         `json:"status"`
	DurationMs   *int64         `json:"duration_ms,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// ScheduledTaskExecution records one run of a periodic job.
type ScheduledTaskExecution struct {
	ID         string     `json:"id"`
	TaskName   string     `json:"task_name"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Success    bool       `json:"success"`
	Detail     string     `json:"detail,omitempty"`
}

// PairsUpdateLog records one symbol-universe refresh.
type PairsUpdateLog struct {
	ID           string    `json:"id"`
	RunAt        time.Time `json:"run_at"`
	SymbolsAdded int       `json:"symbols_added"`
	SymbolsGone  int       `json:"symbols_removed"`
	SymbolsTotal int       `json:"symbols_total"`
	Source       string    `json:"source,omitempty"`
}

// Candle is a single bar of market data.
type Candle struct {
	Symbol   string          `json:"symbol"`
	Interval Interval        `json:"interval"`
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	Closed   bool            `json:"closed"`
}

// PriceUpdate is a best-bid/offer tick from the market-data stream.
type PriceUpdate struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Mid       decimal.Decimal `json:"mid"`
	Timestamp time.Time       `json:"timestamp"`
}

// SymbolVolume pairs a symbol with its 24h quote volume for registry ranking.
type SymbolVolume struct {
	Symbol      string          `json:"symbol"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
}
