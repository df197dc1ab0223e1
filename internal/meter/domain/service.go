package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/tablierhq/tablier/pkg/db/pagination"
)

type CheckAndRecordRequest struct {
	RestaurantID   string `json:"restaurant_id"`
	Feature        string `json:"feature"`
	Quantity       int64  `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key"`
}

type UsageDecision struct {
	Decision        Decision `json:"decision"`
	Reason          string   `json:"reason,omitempty"`
	Remaining       int64    `json:"remaining"`
	OverageQuantity int64    `json:"overage_quantity,omitempty"`
	CreditsSpent    int64    `json:"credits_spent,omitempty"`
	Deduplicated    bool     `json:"deduplicated,omitempty"`
}

type Service interface {
	// CheckAndRecord atomically checks quota and records consumption for
	// one feature call. Called synchronously on every metered invocation.
	CheckAndRecord(ctx context.Context, req CheckAndRecordRequest) (UsageDecision, error)
	// ListEvents pages through a restaurant's usage history, newest first.
	ListEvents(ctx context.Context, restaurantID snowflake.ID, page pagination.Pagination) ([]UsageEvent, *pagination.PageInfo, error)
}

var (
	ErrInvalidRestaurant     = errors.New("invalid_restaurant")
	ErrInvalidFeature        = errors.New("invalid_feature")
	ErrInvalidQuantity       = errors.New("invalid_quantity")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrRateLimited           = errors.New("rate_limited")
	ErrStoreUnavailable      = errors.New("usage_store_unavailable")
)
