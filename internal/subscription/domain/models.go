// Package domain contains persistence models for restaurant subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusTrialing Status = "TRIALING"
	StatusActive   Status = "ACTIVE"
	StatusPastDue  Status = "PAST_DUE"
	StatusCanceled Status = "CANCELED"
)

// Subscription captures a restaurant's billing agreement. One row per
// restaurant; rows are never deleted, cancellation is a terminal status.
type Subscription struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	RestaurantID       snowflake.ID `gorm:"not null;uniqueIndex"`
	PlanID             snowflake.ID `gorm:"not null;index"`
	Status             Status       `gorm:"type:text;not null"`
	CurrentPeriodStart time.Time    `gorm:"not null"`
	CurrentPeriodEnd   time.Time    `gorm:"not null;index"`
	CancelAtPeriodEnd  bool         `gorm:"not null;default:false"`
	CanceledAt         *time.Time   `gorm:""`
	FailedPaymentCount int          `gorm:"not null;default:0"`
	// LastPaymentEventAt gates out-of-order provider events; a stale event
	// never overwrites the effect of a newer one.
	LastPaymentEventAt *time.Time `gorm:""`
	// Version is the optimistic concurrency token. Every mutation runs as
	// UPDATE ... WHERE id = ? AND version = ? and increments it.
	Version   int64     `gorm:"not null;default:1"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// UsageCounter accumulates consumption for one feature within the current
// billing period. Reset to zero on period rollover. Mutated only under the
// owning subscription's version guard.
type UsageCounter struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index;uniqueIndex:ux_usage_counters_sub_feature,priority:1"`
	Feature        string       `gorm:"type:text;not null;uniqueIndex:ux_usage_counters_sub_feature,priority:2"`
	Used           int64        `gorm:"not null;default:0"`
	// PendingOverage is the quantity beyond quota awaiting the next invoice.
	PendingOverage int64     `gorm:"not null;default:0"`
	UpdatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageCounter) TableName() string { return "usage_counters" }

// PendingAdjustment is a signed proration line produced by a mid-period plan
// change, consumed by the next invoice.
type PendingAdjustment struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	Description    string       `gorm:"type:text;not null"`
	Amount         int64        `gorm:"not null"`
	Consumed       bool         `gorm:"not null;default:false"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PendingAdjustment) TableName() string { return "pending_adjustments" }
