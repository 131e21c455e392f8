package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Topic struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type Subscription struct {
	ID                  string    `json:"id"`
	TopicID             string    `json:"topic_id"`
	Filter              Filter    `json:"filter"`
	MaxDeliveryAttempts int       `json:"max_delivery_attempts"`
	BackoffMinSeconds   int       `json:"backoff_min_seconds"`
	BackoffMaxSeconds   int       `json:"backoff_max_seconds"`
	CreatedAt           time.Time `json:"created_at"`
}

type Message struct {
	ID               uuid.UUID       `json:"id"`
	SubscriptionID   string          `json:"subscription_id"`
	Payload          json.RawMessage `json:"payload"`
	DeliveryAttempts int             `json:"delivery_attempts"`
	CreatedAt        time.Time       `json:"created_at"`

	// Internal state, not part of the consumer-facing shape.
	Status      string     `json:"-"`
	AvailableAt time.Time  `json:"-"`
	LockedBy    *string    `json:"-"`
	LockedAt    *time.Time `json:"-"`
	AckedAt     *time.Time `json:"-"`
}

// Message statuses.
const (
	StatusAvailable = "available"
	StatusDelivered = "delivered"
	StatusAcked     = "acked"
	StatusDLQ       = "dlq"
)

type SubscriptionMetrics struct {
	SubscriptionID string `json:"subscription_id"`
	Available      int64  `json:"available"`
	Delivered      int64  `json:"delivered"`
	Acked          int64  `json:"acked"`
	DLQ            int64  `json:"dlq"`
}

type Client struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Scopes       string    `json:"scopes"`
	IsActive     bool      `json:"is_active"`
	TokenVersion int       `json:"token_version"`
	SecretHash   string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
