package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

// foreignKeyViolation is the Postgres error code for missing referenced rows.
const foreignKeyViolation = "23503"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation
}

func (s *Store) CreateTopic(ctx context.Context, id string) (Topic, error) {
	if err := validateID("topic", id); err != nil {
		return Topic{}, err
	}

	var topic Topic
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO topics (id) VALUES ($1)
        RETURNING id, created_at
    `, id).Scan(&topic.ID, &topic.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Topic{}, fmt.Errorf("%w: topic %s", ErrAlreadyExists, id)
		}
		return Topic{}, fmt.Errorf("create topic: %w", err)
	}
	s.logger.Info("Topic created", zap.String("topic_id", topic.ID))
	return topic, nil
}

func (s *Store) GetTopic(ctx context.Context, id string) (Topic, error) {
	var topic Topic
	err := s.db.QueryRowContext(ctx, `
        SELECT id, created_at FROM topics WHERE id = $1
    `, id).Scan(&topic.ID, &topic.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Topic{}, fmt.Errorf("%w: topic %s", ErrNotFound, id)
	}
	if err != nil {
		return Topic{}, fmt.Errorf("get topic: %w", err)
	}
	return topic, nil
}

func (s *Store) ListTopics(ctx context.Context, offset, limit int) ([]Topic, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, created_at FROM topics ORDER BY id OFFSET $1 LIMIT $2
    `, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	topics := []Topic{}
	for rows.Next() {
		var topic Topic
		if err := rows.Scan(&topic.ID, &topic.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, topic)
	}
	return topics, rows.Err()
}

// DeleteTopic removes the topic. Subscriptions and their messages go with it
// via ON DELETE CASCADE.
func (s *Store) DeleteTopic(ctx context.Context, id string) error {
	start := time.Now()
	defer s.observe("delete_topic", start)

	res, err := s.db.ExecContext(ctx, `DELETE FROM topics WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete topic: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete topic: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: topic %s", ErrNotFound, id)
	}
	s.logger.Info("Topic deleted", zap.String("topic_id", id))
	return nil
}
