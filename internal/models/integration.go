package models

import "time"

// Idempotency record statuses for outbound ERP calls.
const (
	IdempotencyPending   = "pending"
	IdempotencyCompleted = "completed"
	IdempotencyExpired   = "expired"
)

// IntegrationConfig holds per-organization ERP connection settings.
type IntegrationConfig struct {
	ID             int64         `json:"id" db:"id"`
	OrganizationID int64         `json:"organization_id" db:"organization_id"`
	Provider       string        `json:"provider" db:"provider"`
	BaseURL        string        `json:"base_url" db:"base_url"`
	APIKey         string        `json:"-" db:"api_key"`
	Timeout        time.Duration `json:"timeout" db:"timeout"`
	MaxRetries     int           `json:"max_retries" db:"max_retries"`
	RetryInterval  time.Duration `json:"retry_interval" db:"retry_interval"`
}

// IntegrationLog is an append-only record of one outbound call attempt.
type IntegrationLog struct {
	ID             int64         `json:"id" db:"id"`
	OrganizationID int64         `json:"organization_id" db:"organization_id"`
	Provider       string        `json:"provider" db:"provider"`
	Action         string        `json:"action" db:"action"`
	Status         string        `json:"status" db:"status"`
	Duration       time.Duration `json:"duration" db:"duration"`
	Error          string        `json:"error" db:"error"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

// IdempotencyRecord tracks an outbound idempotency key.
type IdempotencyRecord struct {
	ID             int64      `json:"id" db:"id"`
	Key            string     `json:"key" db:"key"`
	OrganizationID int64      `json:"organization_id" db:"organization_id"`
	Action         string     `json:"action" db:"action"`
	Status         string     `json:"status" db:"status"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time `json:"completed_at" db:"completed_at"`
}
