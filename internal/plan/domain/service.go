package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (Plan, error)
	GetByCode(ctx context.Context, code string) (Plan, error)
	List(ctx context.Context) ([]Plan, error)
	QuotaFor(ctx context.Context, planID snowflake.ID, feature string) (PlanFeatureQuota, error)
}

var (
	ErrPlanNotFound     = errors.New("plan_not_found")
	ErrInvalidPlanCode  = errors.New("invalid_plan_code")
	ErrUnknownFeature   = errors.New("unknown_feature")
	ErrInvalidCatalog   = errors.New("invalid_plan_catalog")
	ErrFeatureNotOnPlan = errors.New("feature_not_on_plan")
)
