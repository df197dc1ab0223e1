// Package domain contains invoice persistence models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusDraft Status = "DRAFT"
	StatusOpen  Status = "OPEN"
	StatusPaid  Status = "PAID"
	StatusVoid  Status = "VOID"
)

// Line types.
const (
	LineBase       = "base"
	LineOverage    = "overage"
	LineAdjustment = "adjustment"
)

// Invoice bills one subscription for one period. The (subscription, period
// start) pair is unique so generation can be retried safely.
type Invoice struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:ux_invoices_sub_period,priority:1"`
	RestaurantID   snowflake.ID `gorm:"not null;index"`
	PlanID         snowflake.ID `gorm:"not null"`
	PeriodStart    time.Time    `gorm:"not null;uniqueIndex:ux_invoices_sub_period,priority:2"`
	PeriodEnd      time.Time    `gorm:"not null"`
	Status         Status       `gorm:"type:text;not null;default:'DRAFT'"`
	Currency       string       `gorm:"type:text;not null"`
	// AmountDue always equals the sum of line amounts, in minor units.
	AmountDue   int64      `gorm:"not null"`
	ProviderRef string     `gorm:"type:text"`
	IssuedAt    *time.Time `gorm:""`
	PaidAt      *time.Time `gorm:""`
	CreatedAt   time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`

	Lines []InvoiceLine `gorm:"foreignKey:InvoiceID"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

type InvoiceLine struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	InvoiceID   snowflake.ID `gorm:"not null;index"`
	Type        string       `gorm:"type:text;not null"`
	Description string       `gorm:"type:text;not null"`
	Feature     string       `gorm:"type:text"`
	Quantity    int64        `gorm:"not null;default:1"`
	UnitPrice   int64        `gorm:"not null"`
	// Amount is Quantity * UnitPrice for metered lines, or the signed value
	// of a proration adjustment.
	Amount    int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceLine) TableName() string { return "invoice_lines" }
