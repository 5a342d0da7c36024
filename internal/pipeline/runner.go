// Package pipeline drives one stage role: a claim loop that leases
// strategies in the stage's ready status and hands each one to a bounded
// worker pool. Stages advance or fail the rows themselves; the runner owns
// claiming, releasing on transient failure, and heartbeat reporting.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/observability"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/internal/workers"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
	"github.com/atlas-desktop/strategy-pipeline/pkg/utils"
)

// Stage is one pipeline role. Process must advance the row, fail it, or
// return an error; a returned error marks the failure transient and the
// runner releases the claim for any worker to retry.
type Stage interface {
	Name() string
	From() types.Status
	Process(ctx context.Context, st *types.Strategy, workerID string) error
}

// heartbeatEvery is the cadence of queue-depth logging and gauge updates.
const heartbeatEvery = time.Minute

// Runner claims work for a single stage.
type Runner struct {
	stage    Stage
	stores   *storage.Stores
	pool     *workers.Pool
	metrics  *observability.Metrics
	config   types.ClaimConfig
	logger   *zap.Logger
	workerID string
}

// NewRunner builds the claim loop for a stage. The worker id identifies
// this process in lease rows and event payloads.
func NewRunner(stage Stage, stores *storage.Stores, metrics *observability.Metrics, config types.ClaimConfig, logger *zap.Logger) *Runner {
	logger = logger.Named("runner").With(zap.String("stage", stage.Name()))

	pool := workers.NewPool(logger, &workers.PoolConfig{
		Name:            stage.Name(),
		NumWorkers:      config.Workers,
		QueueSize:       config.Workers,
		TaskTimeout:     config.LeaseTTL,
		ShutdownTimeout: 30 * time.Second,
		PanicRecovery:   true,
	})

	return &Runner{
		stage:    stage,
		stores:   stores,
		pool:     pool,
		metrics:  metrics,
		config:   config,
		logger:   logger,
		workerID: utils.GenerateID(stage.Name()),
	}
}

// WorkerID reports the lease identity this runner claims under.
func (r *Runner) WorkerID() string { return r.workerID }

// Run claims and processes until ctx is cancelled. In-flight work gets the
// pool's shutdown grace; anything still leased after that is reclaimed by
// lease expiry.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Runner started",
		zap.String("worker_id", r.workerID),
		zap.String("claims", string(r.stage.From())),
		zap.Int("workers", r.config.Workers),
		zap.Duration("lease_ttl", r.config.LeaseTTL))

	r.pool.Start()

	poll := time.NewTicker(r.config.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	r.claimBatch(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Runner stopping, draining in-flight work")
			if err := r.pool.Stop(); err != nil {
				r.logger.Warn("Pool drain incomplete, leases left to expire", zap.Error(err))
			}
			return ctx.Err()
		case <-heartbeat.C:
			r.heartbeat(ctx)
		case <-poll.C:
			r.claimBatch(ctx)
		}
	}
}

// claimBatch leases ready rows until the queue is empty or the pool is
// saturated. A claim that cannot be submitted is released immediately so
// it never idles out its lease on our side.
func (r *Runner) claimBatch(ctx context.Context) {
	for i := 0; i < r.config.Workers; i++ {
		if ctx.Err() != nil {
			return
		}
		st, err := r.stores.Strategies.Claim(ctx, r.stage.From(), r.workerID, r.config.LeaseTTL)
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		if err != nil {
			r.metrics.ClaimsTotal.WithLabelValues(r.stage.Name(), "error").Inc()
			r.logger.Error("Claim failed", zap.Error(err))
			return
		}
		r.metrics.ClaimsTotal.WithLabelValues(r.stage.Name(), "ok").Inc()

		claimed := st
		if err := r.pool.SubmitFunc(func(taskCtx context.Context) error {
			return r.process(taskCtx, claimed)
		}); err != nil {
			r.release(claimed, "pool saturated")
			return
		}
	}
}

// process runs the stage work for one claimed strategy on a pool worker.
func (r *Runner) process(ctx context.Context, st *types.Strategy) error {
	started := time.Now()
	from := st.Status

	err := r.stage.Process(ctx, st, r.workerID)
	r.metrics.StageDuration.WithLabelValues(r.stage.Name()).Observe(time.Since(started).Seconds())
	if err != nil {
		r.logger.Warn("Stage work failed, releasing claim",
			zap.String("strategy", st.Name),
			zap.Duration("took", time.Since(started)),
			zap.Error(err))
		r.release(st, err.Error())
		return err
	}

	if after, gerr := r.stores.Strategies.GetByID(ctx, st.ID); gerr == nil && after.Status != from {
		r.metrics.TransitionsTotal.WithLabelValues(string(from), string(after.Status)).Inc()
	}
	return nil
}

// release clears the lease so the row returns to the ready queue. Uses a
// fresh context: releases must go through even during shutdown.
func (r *Runner) release(st *types.Strategy, cause string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.stores.Strategies.Release(ctx, st.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.logger.Error("Release failed, lease left to expire",
			zap.String("strategy", st.Name),
			zap.String("cause", cause),
			zap.Error(err))
	}
}

func (r *Runner) heartbeat(ctx context.Context) {
	depths, err := r.stores.Strategies.CountByStatus(ctx)
	if err != nil {
		r.logger.Warn("Queue depth probe failed", zap.Error(err))
		return
	}
	for status, n := range depths {
		r.metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}

	stats := r.pool.Stats()
	r.logger.Info("Heartbeat",
		zap.Int("ready", depths[r.stage.From()]),
		zap.Int64("completed", stats.TasksCompleted),
		zap.Int64("failed", stats.TasksFailed),
		zap.Int("queued", stats.QueueLength))
}
