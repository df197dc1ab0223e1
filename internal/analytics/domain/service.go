package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// ChurnRisk scores one restaurant 0-100 from subscription health and
	// usage recency. Deterministic for a given ledger state and asOf.
	ChurnRisk(ctx context.Context, restaurantID snowflake.ID, asOf time.Time) (int, error)
	// EstimateCLV projects remaining lifetime value from average monthly
	// revenue and churn probability. Integer minor units.
	EstimateCLV(ctx context.Context, restaurantID snowflake.ID, asOf time.Time) (int64, error)
	// ForecastRevenue projects next month's total revenue from recent paid
	// invoice history.
	ForecastRevenue(ctx context.Context, asOf time.Time) (int64, error)
	// ComputeSnapshots recomputes every restaurant's snapshot for asOf. Each
	// restaurant commits independently; one failure does not abort the rest.
	ComputeSnapshots(ctx context.Context, asOf time.Time) (int, error)
	LatestSnapshot(ctx context.Context, restaurantID snowflake.ID) (RevenueSnapshot, error)
}

var ErrSnapshotNotFound = errors.New("snapshot_not_found")
