// Package domain contains revenue analytics models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// RevenueSnapshot is one restaurant's computed billing health at a point in
// time. Snapshots are pure functions of ledger state; recomputing for the
// same as-of date overwrites the row with identical values.
type RevenueSnapshot struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	RestaurantID snowflake.ID `gorm:"not null;uniqueIndex:ux_snapshots_restaurant_asof,priority:1"`
	AsOf         time.Time    `gorm:"not null;uniqueIndex:ux_snapshots_restaurant_asof,priority:2"`
	// MRR is the restaurant's monthly recurring revenue in minor units.
	MRR int64 `gorm:"not null"`
	// ChurnRisk is a 0-100 score; higher means more likely to churn.
	ChurnRisk int `gorm:"not null"`
	// CLV is the estimated remaining lifetime value in minor units.
	CLV int64 `gorm:"not null"`
	// ForecastNextMonth projects next month's revenue in minor units.
	ForecastNextMonth int64     `gorm:"not null"`
	ComputedAt        time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (RevenueSnapshot) TableName() string { return "revenue_snapshots" }
