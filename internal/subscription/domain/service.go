package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CreateSubscriptionRequest struct {
	RestaurantID string `json:"restaurant_id"`
	PlanCode     string `json:"plan_code"`
}

type ChangePlanRequest struct {
	RestaurantID string `json:"restaurant_id"`
	NewPlanCode  string `json:"new_plan_code"`
}

type PaymentResult struct {
	RestaurantID snowflake.ID
	Success      bool
	OccurredAt   time.Time
}

//go:generate mockgen -source=service.go -destination=./mocks/mock_service.go -package=mocks
type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (Subscription, error)
	GetByRestaurantID(ctx context.Context, restaurantID snowflake.ID) (Subscription, error)
	ChangePlan(ctx context.Context, req ChangePlanRequest) (Subscription, error)
	ApplyPaymentResult(ctx context.Context, result PaymentResult) (Subscription, error)
	Cancel(ctx context.Context, restaurantID snowflake.ID) (Subscription, error)
	// RollPeriod advances the billing period, zeroes usage counters and
	// finalizes a pending cancellation. Invoked by the invoice generator.
	RollPeriod(ctx context.Context, subscriptionID snowflake.ID) (Subscription, error)
	ListDueForRollover(ctx context.Context, asOf time.Time, limit int) ([]Subscription, error)
	CountersFor(ctx context.Context, subscriptionID snowflake.ID) ([]UsageCounter, error)
	PendingAdjustmentsFor(ctx context.Context, subscriptionID snowflake.ID) ([]PendingAdjustment, error)
}

var (
	ErrInvalidRestaurant    = errors.New("invalid_restaurant")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrSubscriptionExists   = errors.New("subscription_exists")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrSubscriptionCanceled = errors.New("subscription_canceled")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrInvalidStatus        = errors.New("invalid_subscription_status")
	ErrVersionConflict      = errors.New("version_conflict")
	ErrConcurrencyConflict  = errors.New("concurrency_conflict")
	ErrStalePaymentEvent    = errors.New("stale_payment_event")
	ErrPeriodNotElapsed     = errors.New("period_not_elapsed")
)
