package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type PurchaseRequest struct {
	RestaurantID   string `json:"restaurant_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type DebitRequest struct {
	RestaurantID   snowflake.ID
	Amount         int64
	Reason         string
	IdempotencyKey string
}

type ReconcileResult struct {
	RestaurantID  snowflake.ID `json:"restaurant_id"`
	CachedBalance int64        `json:"cached_balance"`
	LogBalance    int64        `json:"log_balance"`
	Consistent    bool         `json:"consistent"`
}

type Service interface {
	Purchase(ctx context.Context, req PurchaseRequest) (WalletTransaction, error)
	// Debit appends a negative transaction only if the resulting balance
	// stays non-negative. Safe to call inside a caller-owned transaction
	// via DebitTx.
	Debit(ctx context.Context, req DebitRequest) (WalletTransaction, error)
	DebitTx(ctx context.Context, tx *gorm.DB, req DebitRequest) (WalletTransaction, error)
	Balance(ctx context.Context, restaurantID snowflake.ID) (int64, error)
	Transactions(ctx context.Context, restaurantID snowflake.ID) ([]WalletTransaction, error)
	// Reconcile verifies sum(log) == cached balance for one wallet.
	Reconcile(ctx context.Context, restaurantID snowflake.ID) (ReconcileResult, error)
	// ReconcileAll runs the periodic self-test over every wallet.
	ReconcileAll(ctx context.Context) ([]ReconcileResult, error)
}

var (
	ErrInvalidRestaurant     = errors.New("invalid_restaurant")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidIdempotencyKey = errors.New("invalid_idempotency_key")
	ErrInsufficientCredits   = errors.New("insufficient_credits")
	ErrWalletInconsistent    = errors.New("wallet_inconsistent")
)
