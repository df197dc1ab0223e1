// Package domain contains the payment-provider event inbox model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Event types accepted from the payment provider.
const (
	TypePaymentSucceeded    = "payment_succeeded"
	TypePaymentFailed       = "payment_failed"
	TypePlanChangeConfirmed = "plan_change_confirmed"
)

// KnownTypes lists every provider event type the dispatcher can route.
var KnownTypes = map[string]bool{
	TypePaymentSucceeded:    true,
	TypePaymentFailed:       true,
	TypePlanChangeConfirmed: true,
}

// Status is the inbox lifecycle of a provider event.
type Status string

const (
	// StatusReceived means the event is persisted and awaiting dispatch.
	StatusReceived Status = "RECEIVED"
	// StatusProcessed means the event's effect has been applied.
	StatusProcessed Status = "PROCESSED"
	// StatusDiscarded means the event was recognized but intentionally not
	// applied, e.g. it arrived out of order or targets a canceled subscription.
	StatusDiscarded Status = "DISCARDED"
	// StatusFailed means dispatch hit a retryable error.
	StatusFailed Status = "FAILED"
)

// ProviderEvent is one webhook delivery. The provider's own event id is the
// dedupe key; redelivered events collapse onto the original row.
type ProviderEvent struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	ProviderEventID string       `gorm:"type:text;not null;uniqueIndex"`
	Type            string       `gorm:"type:text;not null"`
	RestaurantID    snowflake.ID `gorm:"not null;index"`
	// OccurredAt is the provider's timestamp, used to order application and
	// to discard stale deliveries.
	OccurredAt  time.Time          `gorm:"not null;index"`
	Data        datatypes.JSONMap  `gorm:"type:jsonb"`
	Status      Status             `gorm:"type:text;not null;default:'RECEIVED';index"`
	Attempts    int                `gorm:"not null;default:0"`
	LastError   string             `gorm:"type:text"`
	ReceivedAt  time.Time          `gorm:"not null"`
	ProcessedAt *time.Time         `gorm:""`
}

// TableName sets the database table name.
func (ProviderEvent) TableName() string { return "provider_events" }
