package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByRestaurantID(ctx context.Context, db *gorm.DB, restaurantID snowflake.ID) (*Subscription, error)
	// UpdateVersioned persists the subscription only when the stored version
	// still equals expectedVersion, bumping Version by one. Returns
	// ErrVersionConflict when another writer got there first.
	UpdateVersioned(ctx context.Context, db *gorm.DB, subscription *Subscription, expectedVersion int64) error
	ListDueForRollover(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]Subscription, error)

	FindCounter(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, feature string) (*UsageCounter, error)
	ListCounters(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]UsageCounter, error)
	SaveCounter(ctx context.Context, db *gorm.DB, counter *UsageCounter) error
	ResetCounters(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, at time.Time) error

	InsertAdjustment(ctx context.Context, db *gorm.DB, adjustment *PendingAdjustment) error
	ListOpenAdjustments(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]PendingAdjustment, error)
	ConsumeAdjustments(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error
}
