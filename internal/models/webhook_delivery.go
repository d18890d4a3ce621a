package models

import "time"

// Lane is the webhook processing lane.
type Lane string

const (
	LaneFast    Lane = "fast"
	LaneBatched Lane = "batched"
)

// DeliveryStatus tracks whether a delivery has been turned into a replay job.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryDispatched DeliveryStatus = "dispatched"
	DeliveryIgnored    DeliveryStatus = "ignored"
)

// WebhookDelivery is the idempotency ledger for inbound webhook events.
type WebhookDelivery struct {
	ID             uint           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	IdempotencyKey string         `gorm:"column:idempotency_key;size:64;uniqueIndex" json:"idempotency_key"`
	DeliveryID     string         `gorm:"column:delivery_id;size:64" json:"delivery_id"`
	RepositoryID   uint           `gorm:"column:repository_id;index:idx_webhook_deliveries_pending,priority:3" json:"repository_id"`
	EventType      string         `gorm:"column:event_type;size:64" json:"event_type"`
	Action         string         `gorm:"column:action;size:64" json:"action"`
	EntityKey      string         `gorm:"column:entity_key;size:128" json:"entity_key"`
	Lane           Lane           `gorm:"column:lane;size:10;index:idx_webhook_deliveries_pending,priority:2" json:"lane"`
	Status         DeliveryStatus `gorm:"column:status;size:20;index:idx_webhook_deliveries_pending,priority:1" json:"status"`
	JobID          string         `gorm:"column:job_id;size:36" json:"job_id,omitempty"`
	ReceivedAt     time.Time      `gorm:"column:received_at;index" json:"received_at"`
	DispatchedAt   *time.Time     `gorm:"column:dispatched_at" json:"dispatched_at"`
}

func (WebhookDelivery) TableName() string {
	return "webhook_deliveries"
}

// EntityRef names one upstream entity to re-fetch, e.g. kind=pull_request number=42.
type EntityRef struct {
	Kind   ActivityKind `json:"kind"`
	Number int          `json:"number"`
}
