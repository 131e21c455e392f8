package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// CreateSubscriptionParams carries the caller-supplied subscription policy.
// Zero-valued policy fields fall back to the configured defaults.
type CreateSubscriptionParams struct {
	ID                  string
	TopicID             string
	Filter              Filter
	MaxDeliveryAttempts int
	BackoffMinSeconds   int
	BackoffMaxSeconds   int
}

func (s *Store) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (Subscription, error) {
	if err := validateID("subscription", params.ID); err != nil {
		return Subscription{}, err
	}
	if err := validateID("topic", params.TopicID); err != nil {
		return Subscription{}, err
	}
	if err := params.Filter.Validate(); err != nil {
		return Subscription{}, err
	}

	if params.MaxDeliveryAttempts == 0 {
		params.MaxDeliveryAttempts = s.cfg.SubscriptionMaxAttempts
	}
	if params.BackoffMinSeconds == 0 {
		params.BackoffMinSeconds = s.cfg.SubscriptionBackoffMinSeconds
	}
	if params.BackoffMaxSeconds == 0 {
		params.BackoffMaxSeconds = s.cfg.SubscriptionBackoffMaxSeconds
	}
	if params.MaxDeliveryAttempts < 1 {
		return Subscription{}, fmt.Errorf("%w: max_delivery_attempts must be >= 1", ErrInvalidArgument)
	}
	if params.BackoffMinSeconds < 0 {
		return Subscription{}, fmt.Errorf("%w: backoff_min_seconds must be >= 0", ErrInvalidArgument)
	}
	if params.BackoffMaxSeconds < params.BackoffMinSeconds {
		return Subscription{}, fmt.Errorf(
			"%w: backoff_max_seconds must be >= backoff_min_seconds", ErrInvalidArgument)
	}

	var sub Subscription
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO subscriptions (id, topic_id, filter, max_delivery_attempts, backoff_min_seconds, backoff_max_seconds)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id, topic_id, filter, max_delivery_attempts, backoff_min_seconds, backoff_max_seconds, created_at
    `, params.ID, params.TopicID, params.Filter.Sanitize(), params.MaxDeliveryAttempts,
		params.BackoffMinSeconds, params.BackoffMaxSeconds).Scan(
		&sub.ID, &sub.TopicID, &sub.Filter, &sub.MaxDeliveryAttempts,
		&sub.BackoffMinSeconds, &sub.BackoffMaxSeconds, &sub.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Subscription{}, fmt.Errorf("%w: subscription %s", ErrAlreadyExists, params.ID)
		}
		if isForeignKeyViolation(err) {
			return Subscription{}, fmt.Errorf("%w: topic %s", ErrNotFound, params.TopicID)
		}
		return Subscription{}, fmt.Errorf("create subscription: %w", err)
	}
	s.logger.Info("Subscription created",
		zap.String("subscription_id", sub.ID), zap.String("topic_id", sub.TopicID))
	return sub, nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx, `
        SELECT id, topic_id, filter, max_delivery_attempts, backoff_min_seconds, backoff_max_seconds, created_at
        FROM subscriptions WHERE id = $1
    `, id).Scan(&sub.ID, &sub.TopicID, &sub.Filter, &sub.MaxDeliveryAttempts,
		&sub.BackoffMinSeconds, &sub.BackoffMaxSeconds, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, fmt.Errorf("%w: subscription %s", ErrNotFound, id)
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, offset, limit int) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, topic_id, filter, max_delivery_attempts, backoff_min_seconds, backoff_max_seconds, created_at
        FROM subscriptions ORDER BY id OFFSET $1 LIMIT $2
    `, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []Subscription{}
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.ID, &sub.TopicID, &sub.Filter, &sub.MaxDeliveryAttempts,
			&sub.BackoffMinSeconds, &sub.BackoffMaxSeconds, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeleteSubscription removes the subscription and, via cascade, every message
// it owns.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: subscription %s", ErrNotFound, id)
	}
	s.logger.Info("Subscription deleted", zap.String("subscription_id", id))
	return nil
}
