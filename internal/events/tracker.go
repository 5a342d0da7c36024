// Package events provides the append-only strategy event log. Writes are
// best-effort: a persistence failure is logged and swallowed, never
// propagated into the pipeline work that produced the event.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-microbatch"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// Stage names recorded on event rows.
const (
	StageGenerator  = "generator"
	StageValidator  = "validator"
	StageBacktester = "backtester"
	StageClassifier = "classifier"
	StageDeployer   = "deployer"
	StageExecutor   = "executor"
	StageEmergency  = "emergency"
)

// Event types recorded on event rows.
const (
	TypeCreated        = "created"
	TypeValidated      = "validated"
	TypeScored         = "scored"
	TypeBacktestFailed = "backtest_failed"
	TypeEntered        = "entered"
	TypeArchived       = "archived"
	TypeDeploySuccess  = "succeeded"
	TypePromoted       = "promoted"
	TypeDeployFailed   = "deploy_failed"
	TypeRetired        = "retired"
	TypeTradeOpened    = "trade_opened"
	TypeTradeClosed    = "trade_closed"
	TypeEmergencyStop  = "emergency_stop"
	TypeEmergencyReset = "emergency_reset"
)

// PhasePassed and PhaseFailed build per-phase validator event types,
// e.g. "shuffle_passed".
func PhasePassed(phase string) string { return phase + "_passed" }
func PhaseFailed(phase string) string { return phase + "_failed" }

// Event statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusSkipped = "skipped"
)

// TrackerConfig controls event batching.
type TrackerConfig struct {
	BatchSize     int           `json:"batch_size" mapstructure:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval" mapstructure:"flush_interval"`
	SubmitTimeout time.Duration `json:"submit_timeout" mapstructure:"submit_timeout"`
}

// DefaultTrackerConfig returns the default event tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		BatchSize:     32,
		FlushInterval: 500 * time.Millisecond,
		SubmitTimeout: 2 * time.Second,
	}
}

// Tracker batches StrategyEvent rows and flushes them to the store.
type Tracker struct {
	logger  *zap.Logger
	store   storage.EventStore
	config  TrackerConfig
	batcher *microbatch.Batcher[*types.StrategyEvent]

	flushed prometheus.Counter
	dropped prometheus.Counter
}

// NewTracker creates an event tracker flushing into store.
func NewTracker(store storage.EventStore, config TrackerConfig, logger *zap.Logger) *Tracker {
	t := &Tracker{
		logger: logger.Named("events"),
		store:  store,
		config: config,
	}

	t.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        config.BatchSize,
		FlushInterval:  config.FlushInterval,
		MaxConcurrency: 2,
	}, t.flush)

	return t
}

// Instrument registers flush counters. Optional; an uninstrumented
// tracker only logs.
func (t *Tracker) Instrument(flushed, dropped prometheus.Counter) {
	t.flushed = flushed
	t.dropped = dropped
}

// flush is the batch processor. Errors are logged and returned to the
// batcher for bookkeeping, but no emitter ever waits on them.
func (t *Tracker) flush(ctx context.Context, batch []*types.StrategyEvent) error {
	if err := t.store.Append(ctx, batch); err != nil {
		if t.dropped != nil {
			t.dropped.Add(float64(len(batch)))
		}
		t.logger.Warn("event flush failed",
			zap.Int("events", len(batch)),
			zap.Error(err))
		return err
	}
	if t.flushed != nil {
		t.flushed.Add(float64(len(batch)))
	}
	return nil
}

// Emit schedules one event row. It fills in the id and timestamp when
// absent, never blocks past the submit timeout, and never returns an
// error: failure to record an event must not fail the work that caused it.
func (t *Tracker) Emit(ctx context.Context, e *types.StrategyEvent) {
	if e == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	submitCtx := ctx
	if t.config.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, t.config.SubmitTimeout)
		defer cancel()
	}

	if _, err := t.batcher.Submit(submitCtx, e); err != nil {
		t.logger.Debug("event dropped",
			zap.String("event_type", e.EventType),
			zap.String("strategy_name", e.StrategyName),
			zap.Error(err))
	}
}

// StrategyEvent builds a row denormalising the strategy's name and base
// code hash so the record outlives the strategy itself.
func (t *Tracker) StrategyEvent(ctx context.Context, st *types.Strategy, eventType, stage, status string, details map[string]any) {
	e := &types.StrategyEvent{
		EventType: eventType,
		Stage:     stage,
		Status:    status,
		Details:   details,
	}
	if st != nil {
		e.StrategyID = st.ID
		e.StrategyName = st.Name
		e.BaseCodeHash = st.BaseCodeHash
	}
	t.Emit(ctx, e)
}

// StageCompleted emits a success event carrying the stage duration.
func (t *Tracker) StageCompleted(ctx context.Context, st *types.Strategy, eventType, stage string, took time.Duration, details map[string]any) {
	ms := took.Milliseconds()
	e := &types.StrategyEvent{
		EventType:  eventType,
		Stage:      stage,
		Status:     StatusSuccess,
		DurationMs: &ms,
		Details:    details,
	}
	if st != nil {
		e.StrategyID = st.ID
		e.StrategyName = st.Name
		e.BaseCodeHash = st.BaseCodeHash
	}
	t.Emit(ctx, e)
}

// Breakdown aggregates events since a time into per-stage, per-status
// counts. It reads event rows only, so deleted strategies still count.
func (t *Tracker) Breakdown(ctx context.Context, since time.Time) ([]storage.StageStatusCount, error) {
	return t.store.CountByStageStatus(ctx, since)
}

// Close flushes pending events and stops the batcher.
func (t *Tracker) Close(ctx context.Context) error {
	return t.batcher.Shutdown(ctx)
}
