package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/allisson/fastpubsub/internal/config"
	"github.com/allisson/fastpubsub/internal/log"
	"github.com/allisson/fastpubsub/internal/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// sweepBatchSize bounds each sweep transaction so lock windows stay short.
const sweepBatchSize = 1000

// Store is the sweeper surface of the dispatch engine.
type Store interface {
	CleanupStuckMessages(ctx context.Context, lockTimeoutSeconds, batchSize int) (int64, error)
	CleanupAckedMessages(ctx context.Context, olderThanSeconds, batchSize int) (int64, error)
}

// Cleaner runs the two maintenance sweeps. Both are idempotent and safe to
// run from several schedulers at once: each batch is its own skip-locked
// transaction.
type Cleaner struct {
	store   Store
	cfg     *config.Config
	metrics *metrics.BrokerMetrics
	logger  *log.Logger
	cb      *gobreaker.CircuitBreaker
}

func NewCleaner(store Store, cfg *config.Config, m *metrics.BrokerMetrics, logger *log.Logger) *Cleaner {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cleaner",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Cleaner{store: store, cfg: cfg, metrics: m, logger: logger, cb: cb}
}

// SweepStuck releases leases older than the configured lock timeout, batch by
// batch, until the backlog is drained.
func (c *Cleaner) SweepStuck(ctx context.Context) (int64, error) {
	timeout := c.cfg.CleanupStuckMessagesLockTimeoutSeconds
	total, err := c.drain(ctx, func(ctx context.Context) (int64, error) {
		return c.store.CleanupStuckMessages(ctx, timeout, sweepBatchSize)
	})
	if err != nil {
		return total, fmt.Errorf("sweep stuck messages: %w", err)
	}
	c.metrics.SweptStuckTotal.Add(float64(total))
	c.logger.Info("Stuck messages swept",
		zap.Int64("released", total), zap.Int("lock_timeout_seconds", timeout))
	return total, nil
}

// SweepAcked deletes acked messages older than the configured retention.
func (c *Cleaner) SweepAcked(ctx context.Context) (int64, error) {
	olderThan := c.cfg.CleanupAckedMessagesOlderThanSeconds
	total, err := c.drain(ctx, func(ctx context.Context) (int64, error) {
		return c.store.CleanupAckedMessages(ctx, olderThan, sweepBatchSize)
	})
	if err != nil {
		return total, fmt.Errorf("sweep acked messages: %w", err)
	}
	c.metrics.SweptAckedTotal.Add(float64(total))
	c.logger.Info("Acked messages swept",
		zap.Int64("deleted", total), zap.Int("older_than_seconds", olderThan))
	return total, nil
}

// drain repeats one-batch sweeps until a batch comes back smaller than the
// batch size. The circuit breaker stops hammering a failing database.
func (c *Cleaner) drain(ctx context.Context, sweep func(ctx context.Context) (int64, error)) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := c.cb.Execute(func() (interface{}, error) {
			return sweep(ctx)
		})
		if err != nil {
			return total, err
		}
		affected := n.(int64)
		total += affected
		if affected < sweepBatchSize {
			return total, nil
		}
	}
}
