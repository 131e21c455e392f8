package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/allisson/fastpubsub/internal/config"
	"github.com/allisson/fastpubsub/internal/log"
	"github.com/allisson/fastpubsub/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore returns a scripted sequence of batch results.
type fakeStore struct {
	stuckBatches []int64
	ackedBatches []int64
	stuckCalls   int
	ackedCalls   int
	err          error
}

func (f *fakeStore) CleanupStuckMessages(_ context.Context, _, _ int) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	n := f.stuckBatches[f.stuckCalls]
	f.stuckCalls++
	return n, nil
}

func (f *fakeStore) CleanupAckedMessages(_ context.Context, _, _ int) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	n := f.ackedBatches[f.ackedCalls]
	f.ackedCalls++
	return n, nil
}

func newTestCleaner(store Store) *Cleaner {
	cfg := &config.Config{
		CleanupAckedMessagesOlderThanSeconds:   3600,
		CleanupStuckMessagesLockTimeoutSeconds: 60,
	}
	return NewCleaner(store, cfg, metrics.NewBrokerMetrics(), log.NewLogger("error", "json"))
}

func TestSweepStuckDrainsInBatches(t *testing.T) {
	// Two full batches, then a partial one ends the loop.
	store := &fakeStore{stuckBatches: []int64{sweepBatchSize, sweepBatchSize, 17}}
	cleaner := newTestCleaner(store)

	total, err := cleaner.SweepStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2*sweepBatchSize+17), total)
	assert.Equal(t, 3, store.stuckCalls)
}

func TestSweepAckedStopsOnEmptyBatch(t *testing.T) {
	store := &fakeStore{ackedBatches: []int64{0}}
	cleaner := newTestCleaner(store)

	total, err := cleaner.SweepAcked(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
	assert.Equal(t, 1, store.ackedCalls)
}

func TestSweepPropagatesStoreErrors(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	cleaner := newTestCleaner(store)

	_, err := cleaner.SweepStuck(context.Background())
	assert.Error(t, err)
}

func TestSweepHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := &fakeStore{stuckBatches: []int64{sweepBatchSize}}
	cleaner := newTestCleaner(store)

	_, err := cleaner.SweepStuck(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.stuckCalls)
}
