package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-pipeline/internal/observability"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage/memory"
	"github.com/atlas-desktop/strategy-pipeline/pkg/types"
)

// fakeStage advances claimed rows to a fixed status, fails them, or
// reports a transient error, depending on mode.
type fakeStage struct {
	stores *storage.Stores
	to     types.Status
	fail   bool
	err    error
}

func (s *fakeStage) Name() string       { return "fake" }
func (s *fakeStage) From() types.Status { return types.StatusGenerated }

func (s *fakeStage) Process(ctx context.Context, st *types.Strategy, workerID string) error {
	if s.err != nil {
		return s.err
	}
	if s.fail {
		return s.stores.Strategies.Fail(ctx, st.ID, "rejected")
	}
	return s.stores.Strategies.Advance(ctx, st.ID, types.StatusGenerated, s.to, workerID)
}

func seedGenerated(t *testing.T, stores *storage.Stores, id string) {
	t.Helper()
	require.NoError(t, stores.Strategies.Insert(context.Background(), &types.Strategy{
		ID:          id,
		Name:        "Strategy_" + id,
		Category:    types.CategoryMomentum,
		Interval:    types.Interval1h,
		Status:      types.StatusGenerated,
		Symbols:     []string{"BTC"},
		GeneratedAt: time.Now().UTC(),
	}))
}

func claimCfg() types.ClaimConfig {
	return types.ClaimConfig{LeaseTTL: time.Minute, PollInterval: 10 * time.Millisecond, Workers: 2}
}

func TestProcessAdvancesClaimedRow(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	stage := &fakeStage{stores: stores, to: types.StatusValidated}
	r := NewRunner(stage, stores, observability.NewMetrics(""), claimCfg(), zap.NewNop())
	require.NotEmpty(t, r.WorkerID())

	seedGenerated(t, stores, "st-1")
	claimed, err := stores.Strategies.Claim(ctx, types.StatusGenerated, r.WorkerID(), time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.process(ctx, claimed))

	after, err := stores.Strategies.GetByID(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusValidated, after.Status)
	assert.Empty(t, after.ProcessingBy, "advance clears the lease")
}

func TestProcessReleasesClaimOnTransientError(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	stage := &fakeStage{stores: stores, err: errors.New("venue flapped")}
	r := NewRunner(stage, stores, observability.NewMetrics(""), claimCfg(), zap.NewNop())

	seedGenerated(t, stores, "st-1")
	claimed, err := stores.Strategies.Claim(ctx, types.StatusGenerated, r.WorkerID(), time.Minute)
	require.NoError(t, err)

	require.Error(t, r.process(ctx, claimed))

	after, err := stores.Strategies.GetByID(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusGenerated, after.Status, "row stays in its queue")
	assert.Empty(t, after.ProcessingBy, "release clears the lease for retry")
}

func TestProcessHonorsStageFail(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	stage := &fakeStage{stores: stores, fail: true}
	r := NewRunner(stage, stores, observability.NewMetrics(""), claimCfg(), zap.NewNop())

	seedGenerated(t, stores, "st-1")
	claimed, err := stores.Strategies.Claim(ctx, types.StatusGenerated, r.WorkerID(), time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.process(ctx, claimed))

	after, err := stores.Strategies.GetByID(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, after.Status)
	assert.Equal(t, "rejected", after.FailureReason)
}

func TestRunDrainsReadyQueue(t *testing.T) {
	stores := memory.NewStores()
	stage := &fakeStage{stores: stores, to: types.StatusValidated}
	r := NewRunner(stage, stores, observability.NewMetrics(""), claimCfg(), zap.NewNop())

	for _, id := range []string{"st-1", "st-2", "st-3"} {
		seedGenerated(t, stores, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		depths, err := stores.Strategies.CountByStatus(context.Background())
		return err == nil && depths[types.StatusValidated] == 3
	}, 5*time.Second, 10*time.Millisecond, "the loop claims and processes every ready row")

	cancel()
	<-done
}
