package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Consume batch bounds.
const (
	MinBatchSize = 1
	MaxBatchSize = 100
)

// filterMatchSQL accepts a payload when the subscription filter is empty or
// not an object, or when every array-valued filter key lists the payload's
// value for that key. Containment on jsonb_build_array gives JSON equality,
// so numbers compare numerically. A missing payload key yields [null], which
// never matches because nulls are rejected at filter validation.
const filterMatchSQL = `
        s.filter = '{}'::jsonb
        OR jsonb_typeof(s.filter) <> 'object'
        OR NOT EXISTS (
            SELECT 1
            FROM jsonb_each(s.filter) AS f(key, allowed)
            WHERE jsonb_typeof(f.allowed) = 'array'
            AND NOT (f.allowed @> jsonb_build_array(m.payload -> f.key))
        )`

// Publish fans the payload batch out to every matching subscription of the
// topic in one transaction. Either all matching rows commit or none do.
func (s *Store) Publish(ctx context.Context, topicID string, payloads []json.RawMessage) (int64, error) {
	start := time.Now()
	defer s.observe("publish", start)

	if len(payloads) == 0 {
		return 0, fmt.Errorf("%w: payload batch is empty", ErrInvalidArgument)
	}
	for _, p := range payloads {
		if !isJSONObject(p) {
			return 0, fmt.Errorf("%w: payloads must be JSON objects", ErrInvalidArgument)
		}
	}
	batch, err := json.Marshal(payloads)
	if err != nil {
		return 0, fmt.Errorf("marshal payload batch: %w", err)
	}

	var inserted int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM topics WHERE id = $1`, topicID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: topic %s", ErrNotFound, topicID)
		}
		if err != nil {
			return fmt.Errorf("resolve topic: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
            INSERT INTO subscription_messages (subscription_id, payload)
            SELECT s.id, m.payload
            FROM subscriptions s
            JOIN jsonb_array_elements($2::jsonb) AS m(payload) ON TRUE
            WHERE s.topic_id = $1
            AND (`+filterMatchSQL+`
            )
        `, topicID, batch)
		if err != nil {
			return fmt.Errorf("publish fan-out: %w", err)
		}
		inserted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("publish fan-out: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug("Messages published",
		zap.String("topic_id", topicID),
		zap.Int("batch", len(payloads)),
		zap.Int64("fanned_out", inserted))
	return inserted, nil
}

// Consume leases up to batchSize messages for consumerID. Rows locked by
// concurrent transactions are skipped, so consumers never block each other.
// The attempt counter is incremented here, at lease time, so an abandoned
// lease still costs an attempt.
func (s *Store) Consume(ctx context.Context, subscriptionID, consumerID string, batchSize int) ([]Message, error) {
	start := time.Now()
	defer s.observe("consume", start)

	if batchSize < MinBatchSize || batchSize > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch_size must be between %d and %d",
			ErrInvalidArgument, MinBatchSize, MaxBatchSize)
	}
	if consumerID == "" {
		return nil, fmt.Errorf("%w: consumer_id is required", ErrInvalidArgument)
	}
	if _, err := s.GetSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}

	var messages []Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
            WITH next AS (
                SELECT id
                FROM subscription_messages
                WHERE subscription_id = $1
                AND status = 'available'
                AND available_at <= now()
                ORDER BY available_at, created_at, id
                LIMIT $3
                FOR UPDATE SKIP LOCKED
            )
            UPDATE subscription_messages sm
            SET status = 'delivered',
                locked_by = $2,
                locked_at = now(),
                delivery_attempts = delivery_attempts + 1
            FROM next
            WHERE sm.id = next.id
            RETURNING sm.id, sm.subscription_id, sm.payload, sm.delivery_attempts, sm.available_at, sm.created_at
        `, subscriptionID, consumerID, batchSize)
		if err != nil {
			return fmt.Errorf("consume messages: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var msg Message
			if err := rows.Scan(&msg.ID, &msg.SubscriptionID, &msg.Payload,
				&msg.DeliveryAttempts, &msg.AvailableAt, &msg.CreatedAt); err != nil {
				return fmt.Errorf("scan message: %w", err)
			}
			messages = append(messages, msg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	// RETURNING order is unspecified, restore the lease order.
	sort.Slice(messages, func(i, j int) bool {
		if !messages[i].AvailableAt.Equal(messages[j].AvailableAt) {
			return messages[i].AvailableAt.Before(messages[j].AvailableAt)
		}
		if !messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].CreatedAt.Before(messages[j].CreatedAt)
		}
		return messages[i].ID.String() < messages[j].ID.String()
	})

	s.logger.Debug("Messages consumed",
		zap.String("subscription_id", subscriptionID),
		zap.String("consumer_id", consumerID),
		zap.Int("count", len(messages)))
	return messages, nil
}

// Ack marks delivered messages as acked. Only rows leased by consumerID are
// touched; anything else is silently skipped so racy retries never fail a
// well-behaved consumer.
func (s *Store) Ack(ctx context.Context, subscriptionID, consumerID string, messageIDs []uuid.UUID) error {
	start := time.Now()
	defer s.observe("ack", start)

	if _, err := s.GetSubscription(ctx, subscriptionID); err != nil {
		return err
	}
	if len(messageIDs) == 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
        UPDATE subscription_messages
        SET status = 'acked',
            acked_at = now(),
            locked_at = NULL,
            locked_by = NULL
        WHERE subscription_id = $1
        AND locked_by = $2
        AND id = ANY ($3::uuid[])
        AND status = 'delivered'
    `, subscriptionID, consumerID, uuidArray(messageIDs))
	if err != nil {
		return fmt.Errorf("ack messages: %w", err)
	}
	return nil
}

// Nack releases delivered messages leased by consumerID. Rows that exhausted
// their attempts go to the DLQ; the rest become available again after an
// exponential backoff computed from the subscription policy. The attempt
// counter was already incremented at lease time and is left alone.
func (s *Store) Nack(ctx context.Context, subscriptionID, consumerID string, messageIDs []uuid.UUID) error {
	start := time.Now()
	defer s.observe("nack", start)

	if _, err := s.GetSubscription(ctx, subscriptionID); err != nil {
		return err
	}
	if len(messageIDs) == 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
        UPDATE subscription_messages sm
        SET status = CASE
                WHEN sm.delivery_attempts >= s.max_delivery_attempts THEN 'dlq'
                ELSE 'available'
            END,
            available_at = CASE
                WHEN sm.delivery_attempts >= s.max_delivery_attempts THEN sm.available_at
                ELSE now() + make_interval(secs => LEAST(
                    s.backoff_max_seconds,
                    s.backoff_min_seconds * power(2, GREATEST(sm.delivery_attempts - 1, 0))
                ))
            END,
            locked_at = NULL,
            locked_by = NULL
        FROM subscriptions s
        WHERE s.id = sm.subscription_id
        AND sm.subscription_id = $1
        AND sm.locked_by = $2
        AND sm.id = ANY ($3::uuid[])
        AND sm.status = 'delivered'
    `, subscriptionID, consumerID, uuidArray(messageIDs))
	if err != nil {
		return fmt.Errorf("nack messages: %w", err)
	}
	return nil
}

// ListDLQMessages pages through the subscription's dead-letter bucket.
func (s *Store) ListDLQMessages(ctx context.Context, subscriptionID string, offset, limit int) ([]Message, error) {
	if _, err := s.GetSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT id, subscription_id, payload, delivery_attempts, created_at
        FROM subscription_messages
        WHERE subscription_id = $1
        AND status = 'dlq'
        ORDER BY created_at
        OFFSET $2 LIMIT $3
    `, subscriptionID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list dlq messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.SubscriptionID, &msg.Payload,
			&msg.DeliveryAttempts, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dlq message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ReprocessDLQMessages moves DLQ rows back to available with a fresh attempt
// budget. Rows not in the DLQ are ignored.
func (s *Store) ReprocessDLQMessages(ctx context.Context, subscriptionID string, messageIDs []uuid.UUID) error {
	if _, err := s.GetSubscription(ctx, subscriptionID); err != nil {
		return err
	}
	if len(messageIDs) == 0 {
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
        UPDATE subscription_messages
        SET status = 'available',
            delivery_attempts = 0,
            available_at = now(),
            locked_at = NULL,
            locked_by = NULL
        WHERE subscription_id = $1
        AND id = ANY ($2::uuid[])
        AND status = 'dlq'
    `, subscriptionID, uuidArray(messageIDs))
	if err != nil {
		return fmt.Errorf("reprocess dlq messages: %w", err)
	}
	affected, _ := res.RowsAffected()
	s.logger.Info("DLQ messages reprocessed",
		zap.String("subscription_id", subscriptionID), zap.Int64("count", affected))
	return nil
}

// Metrics returns point-in-time message counts grouped by status. There is no
// cross-status consistency guarantee.
func (s *Store) Metrics(ctx context.Context, subscriptionID string) (SubscriptionMetrics, error) {
	if _, err := s.GetSubscription(ctx, subscriptionID); err != nil {
		return SubscriptionMetrics{}, err
	}

	metrics := SubscriptionMetrics{SubscriptionID: subscriptionID}
	err := s.db.QueryRowContext(ctx, `
        SELECT
            count(*) FILTER (WHERE status = 'available'),
            count(*) FILTER (WHERE status = 'delivered'),
            count(*) FILTER (WHERE status = 'acked'),
            count(*) FILTER (WHERE status = 'dlq')
        FROM subscription_messages
        WHERE subscription_id = $1
    `, subscriptionID).Scan(&metrics.Available, &metrics.Delivered, &metrics.Acked, &metrics.DLQ)
	if err != nil {
		return SubscriptionMetrics{}, fmt.Errorf("subscription metrics: %w", err)
	}
	return metrics, nil
}

// CleanupStuckMessages releases one batch of leases older than the timeout.
// Messages that exhausted their attempts are promoted to the DLQ; the rest
// become available immediately, without backoff, because the consumer failed
// rather than the work. Returns the number of rows released.
func (s *Store) CleanupStuckMessages(ctx context.Context, lockTimeoutSeconds, batchSize int) (int64, error) {
	start := time.Now()
	defer s.observe("cleanup_stuck_messages", start)

	res, err := s.db.ExecContext(ctx, `
        UPDATE subscription_messages sm
        SET status = CASE
                WHEN sm.delivery_attempts >= s.max_delivery_attempts THEN 'dlq'
                ELSE 'available'
            END,
            available_at = CASE
                WHEN sm.delivery_attempts >= s.max_delivery_attempts THEN sm.available_at
                ELSE now()
            END,
            locked_at = NULL,
            locked_by = NULL
        FROM subscriptions s
        WHERE s.id = sm.subscription_id
        AND sm.id IN (
            SELECT id
            FROM subscription_messages
            WHERE status = 'delivered'
            AND locked_at < now() - make_interval(secs => $1)
            ORDER BY locked_at
            LIMIT $2
            FOR UPDATE SKIP LOCKED
        )
        AND sm.status = 'delivered'
    `, lockTimeoutSeconds, batchSize)
	if err != nil {
		return 0, fmt.Errorf("cleanup stuck messages: %w", err)
	}
	return res.RowsAffected()
}

// CleanupAckedMessages deletes one batch of acked messages older than the
// threshold. Deleted rows are gone for good, this is the garbage collector.
func (s *Store) CleanupAckedMessages(ctx context.Context, olderThanSeconds, batchSize int) (int64, error) {
	start := time.Now()
	defer s.observe("cleanup_acked_messages", start)

	res, err := s.db.ExecContext(ctx, `
        DELETE FROM subscription_messages
        WHERE id IN (
            SELECT id
            FROM subscription_messages
            WHERE status = 'acked'
            AND acked_at < now() - make_interval(secs => $1)
            LIMIT $2
            FOR UPDATE SKIP LOCKED
        )
    `, olderThanSeconds, batchSize)
	if err != nil {
		return 0, fmt.Errorf("cleanup acked messages: %w", err)
	}
	return res.RowsAffected()
}

func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return json.Valid(raw)
		default:
			return false
		}
	}
	return false
}

// uuidArray renders message IDs as a text array for the ::uuid[] casts.
func uuidArray(ids []uuid.UUID) interface{} {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	return pq.Array(strs)
}
