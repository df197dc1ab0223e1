package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/tablierhq/tablier/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	mu     sync.RWMutex
	byID   map[snowflake.ID]plandomain.Plan
	byCode map[string]plandomain.Plan
}

func NewService(p ServiceParam) plandomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("plan.service"),
		byID:   make(map[snowflake.ID]plandomain.Plan),
		byCode: make(map[string]plandomain.Plan),
	}
}

// LoadCatalog reads every active plan with its quotas, validates the table,
// and primes the in-memory lookup. Called once at startup; a broken catalog
// refuses to boot.
func (s *Service) LoadCatalog(ctx context.Context) error {
	var plans []plandomain.Plan
	if err := s.db.WithContext(ctx).
		Preload("Quotas").
		Where("active = ?", true).
		Find(&plans).Error; err != nil {
		return err
	}

	byID := make(map[snowflake.ID]plandomain.Plan, len(plans))
	byCode := make(map[string]plandomain.Plan, len(plans))
	for _, plan := range plans {
		if err := validatePlan(plan); err != nil {
			return fmt.Errorf("plan %s v%d: %w", plan.Code, plan.Version, err)
		}
		byID[plan.ID] = plan
		if existing, ok := byCode[plan.Code]; !ok || plan.Version > existing.Version {
			byCode[plan.Code] = plan
		}
	}

	s.mu.Lock()
	s.byID = byID
	s.byCode = byCode
	s.mu.Unlock()

	s.log.Info("plan catalog loaded", zap.Int("plans", len(plans)))
	return nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (plandomain.Plan, error) {
	s.mu.RLock()
	plan, ok := s.byID[id]
	s.mu.RUnlock()
	if ok {
		return plan, nil
	}

	// Fall through to the store for plan versions retired from the cache;
	// invoicing still needs them.
	var stored plandomain.Plan
	err := s.db.WithContext(ctx).Preload("Quotas").Where("id = ?", id).First(&stored).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return plandomain.Plan{}, plandomain.ErrPlanNotFound
		}
		return plandomain.Plan{}, err
	}
	return stored, nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (plandomain.Plan, error) {
	code = strings.TrimSpace(strings.ToLower(code))
	if code == "" {
		return plandomain.Plan{}, plandomain.ErrInvalidPlanCode
	}

	s.mu.RLock()
	plan, ok := s.byCode[code]
	s.mu.RUnlock()
	if !ok {
		return plandomain.Plan{}, plandomain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) List(ctx context.Context) ([]plandomain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := make([]plandomain.Plan, 0, len(s.byCode))
	for _, plan := range s.byCode {
		plans = append(plans, plan)
	}
	return plans, nil
}

func (s *Service) QuotaFor(ctx context.Context, planID snowflake.ID, feature string) (plandomain.PlanFeatureQuota, error) {
	if !plandomain.KnownFeatures[feature] {
		return plandomain.PlanFeatureQuota{}, plandomain.ErrUnknownFeature
	}

	plan, err := s.GetByID(ctx, planID)
	if err != nil {
		return plandomain.PlanFeatureQuota{}, err
	}
	for _, quota := range plan.Quotas {
		if quota.Feature == feature {
			return quota, nil
		}
	}
	return plandomain.PlanFeatureQuota{}, plandomain.ErrFeatureNotOnPlan
}

func validatePlan(plan plandomain.Plan) error {
	if strings.TrimSpace(plan.Code) == "" {
		return plandomain.ErrInvalidCatalog
	}
	if plan.BasePrice < 0 {
		return plandomain.ErrInvalidCatalog
	}
	if strings.TrimSpace(plan.Currency) == "" {
		return plandomain.ErrInvalidCatalog
	}

	seen := make(map[string]bool, len(plan.Quotas))
	for _, quota := range plan.Quotas {
		if !plandomain.KnownFeatures[quota.Feature] {
			return fmt.Errorf("%w: %s", plandomain.ErrUnknownFeature, quota.Feature)
		}
		if seen[quota.Feature] {
			return plandomain.ErrInvalidCatalog
		}
		seen[quota.Feature] = true
		if quota.IncludedQuantity < 0 || quota.OverageUnitPrice < 0 || quota.CreditUnitPrice < 0 {
			return plandomain.ErrInvalidCatalog
		}
		if quota.OverageAllowed && quota.OverageUnitPrice == 0 {
			return plandomain.ErrInvalidCatalog
		}
	}
	return nil
}
