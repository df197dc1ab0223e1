package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/tablierhq/tablier/internal/subscription/domain"
	"gorm.io/gorm"
)

type repositoryImpl struct{}

// Provide returns the gorm-backed subscription repository.
func Provide() subscriptiondomain.Repository {
	return &repositoryImpl{}
}

func (r *repositoryImpl) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repositoryImpl) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var record subscriptiondomain.Subscription
	err := db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *repositoryImpl) FindByRestaurantID(ctx context.Context, db *gorm.DB, restaurantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var record subscriptiondomain.Subscription
	err := db.WithContext(ctx).Where("restaurant_id = ?", restaurantID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *repositoryImpl) UpdateVersioned(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription, expectedVersion int64) error {
	next := expectedVersion + 1
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET plan_id = ?, status = ?, current_period_start = ?, current_period_end = ?,
		     cancel_at_period_end = ?, canceled_at = ?, failed_payment_count = ?,
		     last_payment_event_at = ?, version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		subscription.PlanID,
		subscription.Status,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.CancelAtPeriodEnd,
		subscription.CanceledAt,
		subscription.FailedPaymentCount,
		subscription.LastPaymentEventAt,
		next,
		subscription.UpdatedAt,
		subscription.ID,
		expectedVersion,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return subscriptiondomain.ErrVersionConflict
	}
	subscription.Version = next
	return nil
}

func (r *repositoryImpl) ListDueForRollover(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var records []subscriptiondomain.Subscription
	stmt := db.WithContext(ctx).
		Where("current_period_end <= ? AND status IN ?", asOf, []subscriptiondomain.Status{
			subscriptiondomain.StatusTrialing,
			subscriptiondomain.StatusActive,
			subscriptiondomain.StatusPastDue,
		}).
		Order("current_period_end asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repositoryImpl) FindCounter(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, feature string) (*subscriptiondomain.UsageCounter, error) {
	var record subscriptiondomain.UsageCounter
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND feature = ?", subscriptionID, feature).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *repositoryImpl) ListCounters(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]subscriptiondomain.UsageCounter, error) {
	var records []subscriptiondomain.UsageCounter
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("feature asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repositoryImpl) SaveCounter(ctx context.Context, db *gorm.DB, counter *subscriptiondomain.UsageCounter) error {
	return db.WithContext(ctx).Save(counter).Error
}

func (r *repositoryImpl) ResetCounters(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_counters SET used = 0, pending_overage = 0, updated_at = ? WHERE subscription_id = ?`,
		at,
		subscriptionID,
	).Error
}

func (r *repositoryImpl) InsertAdjustment(ctx context.Context, db *gorm.DB, adjustment *subscriptiondomain.PendingAdjustment) error {
	return db.WithContext(ctx).Create(adjustment).Error
}

func (r *repositoryImpl) ListOpenAdjustments(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]subscriptiondomain.PendingAdjustment, error) {
	var records []subscriptiondomain.PendingAdjustment
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND consumed = ?", subscriptionID, false).
		Order("created_at asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repositoryImpl) ConsumeAdjustments(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE pending_adjustments SET consumed = TRUE WHERE id IN ?`,
		ids,
	).Error
}
