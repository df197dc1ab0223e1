// Package domain contains the usage meter decision types and event model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Decision is the outcome of a metered feature check.
type Decision string

const (
	DecisionAllowed            Decision = "ALLOWED"
	DecisionAllowedWithOverage Decision = "ALLOWED_WITH_OVERAGE"
	DecisionAllowedWithCredits Decision = "ALLOWED_WITH_CREDITS"
	DecisionDenied             Decision = "DENIED"
)

// UsageEvent is the canonical, append-only usage history. Counters and
// analytics are derived from it; rows are never mutated or deleted.
type UsageEvent struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	RestaurantID   snowflake.ID `gorm:"not null;index"`
	Feature        string       `gorm:"type:text;not null"`
	Quantity       int64        `gorm:"not null"`
	Decision       Decision     `gorm:"type:text;not null"`
	// OverageQuantity is the portion of Quantity beyond the included quota.
	OverageQuantity int64 `gorm:"not null;default:0"`
	// CreditsSpent is the wallet amount debited for this event, minor units.
	CreditsSpent   int64     `gorm:"not null;default:0"`
	RecordedAt     time.Time `gorm:"not null;index"`
	IdempotencyKey string    `gorm:"type:text;not null;uniqueIndex"`
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }
