package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tablierhq/tablier/internal/clock"
	"github.com/tablierhq/tablier/internal/config"
	plandomain "github.com/tablierhq/tablier/internal/plan/domain"
	subscriptiondomain "github.com/tablierhq/tablier/internal/subscription/domain"
	"github.com/tablierhq/tablier/pkg/db"
	"github.com/tablierhq/tablier/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    subscriptiondomain.Repository
	PlanSvc plandomain.Service
	Metrics *telemetry.Metrics `optional:"true"`
	Cfg     config.Config
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	repo    subscriptiondomain.Repository
	plansvc plandomain.Service
	metrics *telemetry.Metrics

	maxRetries        int
	dunningMaxRetries int
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	maxRetries := p.Cfg.ConcurrencyMaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	dunning := p.Cfg.DunningMaxRetries
	if dunning <= 0 {
		dunning = 3
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		plansvc: p.PlanSvc,
		metrics: p.Metrics,

		maxRetries:        maxRetries,
		dunningMaxRetries: dunning,
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	restaurantID, err := parseID(req.RestaurantID)
	if err != nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidRestaurant
	}

	plan, err := s.plansvc.GetByCode(ctx, req.PlanCode)
	if err != nil {
		if errors.Is(err, plandomain.ErrPlanNotFound) || errors.Is(err, plandomain.ErrInvalidPlanCode) {
			return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidPlan
		}
		return subscriptiondomain.Subscription{}, err
	}

	existing, err := s.repo.FindByRestaurantID(ctx, s.db, restaurantID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if existing != nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionExists
	}

	now := s.clock.Now()
	periodEnd := now.AddDate(0, 1, 0)
	if plan.TrialDays > 0 {
		periodEnd = now.AddDate(0, 0, plan.TrialDays)
	}

	subscription := subscriptiondomain.Subscription{
		ID:                 s.genID.Generate(),
		RestaurantID:       restaurantID,
		PlanID:             plan.ID,
		Status:             subscriptiondomain.StatusTrialing,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   periodEnd,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.Insert(ctx, s.db, &subscription); err != nil {
		// Concurrent create for the same restaurant loses on the unique index.
		if db.IsDuplicateKeyErr(err) {
			return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionExists
		}
		return subscriptiondomain.Subscription{}, err
	}

	s.log.Info("subscription created",
		zap.String("restaurant_id", restaurantID.String()),
		zap.String("plan", plan.Code),
	)
	return subscription, nil
}

func (s *Service) GetByRestaurantID(ctx context.Context, restaurantID snowflake.ID) (subscriptiondomain.Subscription, error) {
	record, err := s.repo.FindByRestaurantID(ctx, s.db, restaurantID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if record == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *record, nil
}

func (s *Service) ChangePlan(ctx context.Context, req subscriptiondomain.ChangePlanRequest) (subscriptiondomain.Subscription, error) {
	restaurantID, err := parseID(req.RestaurantID)
	if err != nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidRestaurant
	}

	newPlan, err := s.plansvc.GetByCode(ctx, req.NewPlanCode)
	if err != nil {
		if errors.Is(err, plandomain.ErrPlanNotFound) || errors.Is(err, plandomain.ErrInvalidPlanCode) {
			return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidPlan
		}
		return subscriptiondomain.Subscription{}, err
	}

	return s.mutateByRestaurantID(ctx, restaurantID, func(tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
		if sub.Status != subscriptiondomain.StatusActive {
			return subscriptiondomain.ErrInvalidStatus
		}
		if sub.PlanID == newPlan.ID {
			return nil
		}

		oldPlan, err := s.plansvc.GetByID(ctx, sub.PlanID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		credit, charge := prorate(oldPlan.BasePrice, newPlan.BasePrice, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
		if credit != 0 {
			if err := s.repo.InsertAdjustment(ctx, tx, &subscriptiondomain.PendingAdjustment{
				ID:             s.genID.Generate(),
				SubscriptionID: sub.ID,
				Description:    "Unused time on " + oldPlan.Name,
				Amount:         -credit,
				CreatedAt:      now,
			}); err != nil {
				return err
			}
		}
		if charge != 0 {
			if err := s.repo.InsertAdjustment(ctx, tx, &subscriptiondomain.PendingAdjustment{
				ID:             s.genID.Generate(),
				SubscriptionID: sub.ID,
				Description:    "Remaining time on " + newPlan.Name,
				Amount:         charge,
				CreatedAt:      now,
			}); err != nil {
				return err
			}
		}

		sub.PlanID = newPlan.ID
		sub.UpdatedAt = now
		return nil
	})
}

func (s *Service) ApplyPaymentResult(ctx context.Context, result subscriptiondomain.PaymentResult) (subscriptiondomain.Subscription, error) {
	if result.RestaurantID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidRestaurant
	}

	return s.mutateByRestaurantID(ctx, result.RestaurantID, func(tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
		// Out-of-order redelivery guard: a provider event older than the
		// latest applied one must not regress status.
		if sub.LastPaymentEventAt != nil && !result.OccurredAt.After(*sub.LastPaymentEventAt) {
			return subscriptiondomain.ErrStalePaymentEvent
		}
		if sub.Status == subscriptiondomain.StatusCanceled {
			// Canceled is terminal; late events are discarded upstream.
			return subscriptiondomain.ErrInvalidTransition
		}

		now := s.clock.Now()
		occurredAt := result.OccurredAt
		sub.LastPaymentEventAt = &occurredAt
		sub.UpdatedAt = now

		if result.Success {
			switch sub.Status {
			case subscriptiondomain.StatusTrialing, subscriptiondomain.StatusPastDue:
				if err := setStatus(sub, subscriptiondomain.StatusActive); err != nil {
					return err
				}
			}
			sub.FailedPaymentCount = 0
			return nil
		}

		sub.FailedPaymentCount++
		switch sub.Status {
		case subscriptiondomain.StatusTrialing, subscriptiondomain.StatusActive:
			if err := setStatus(sub, subscriptiondomain.StatusPastDue); err != nil {
				return err
			}
		case subscriptiondomain.StatusPastDue:
			if sub.FailedPaymentCount >= s.dunningMaxRetries {
				if err := setStatus(sub, subscriptiondomain.StatusCanceled); err != nil {
					return err
				}
				sub.CanceledAt = &now
			}
		}
		return nil
	})
}

func (s *Service) Cancel(ctx context.Context, restaurantID snowflake.ID) (subscriptiondomain.Subscription, error) {
	return s.mutateByRestaurantID(ctx, restaurantID, func(tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
		now := s.clock.Now()
		switch sub.Status {
		case subscriptiondomain.StatusCanceled:
			return subscriptiondomain.ErrSubscriptionCanceled
		case subscriptiondomain.StatusActive:
			// Effective at period end; mid-period refunds are out of scope.
			sub.CancelAtPeriodEnd = true
		default:
			if err := setStatus(sub, subscriptiondomain.StatusCanceled); err != nil {
				return err
			}
			sub.CanceledAt = &now
		}
		sub.UpdatedAt = now
		return nil
	})
}

func (s *Service) RollPeriod(ctx context.Context, subscriptionID snowflake.ID) (subscriptiondomain.Subscription, error) {
	return s.mutate(ctx, subscriptionID, func(tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
		now := s.clock.Now()
		if now.Before(sub.CurrentPeriodEnd) {
			return subscriptiondomain.ErrPeriodNotElapsed
		}
		if sub.Status == subscriptiondomain.StatusCanceled {
			return subscriptiondomain.ErrSubscriptionCanceled
		}

		sub.CurrentPeriodStart = sub.CurrentPeriodEnd
		sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.AddDate(0, 1, 0)
		if sub.CancelAtPeriodEnd {
			if err := setStatus(sub, subscriptiondomain.StatusCanceled); err != nil {
				return err
			}
			sub.CancelAtPeriodEnd = false
			sub.CanceledAt = &now
		}
		sub.UpdatedAt = now

		return s.repo.ResetCounters(ctx, tx, sub.ID, now)
	})
}

func (s *Service) ListDueForRollover(ctx context.Context, asOf time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ListDueForRollover(ctx, s.db, asOf, limit)
}

func (s *Service) CountersFor(ctx context.Context, subscriptionID snowflake.ID) ([]subscriptiondomain.UsageCounter, error) {
	return s.repo.ListCounters(ctx, s.db, subscriptionID)
}

func (s *Service) PendingAdjustmentsFor(ctx context.Context, subscriptionID snowflake.ID) ([]subscriptiondomain.PendingAdjustment, error) {
	return s.repo.ListOpenAdjustments(ctx, s.db, subscriptionID)
}

// mutate runs a read-modify-write cycle on one subscription under optimistic
// versioning, retrying from a fresh read on conflict.
func (s *Service) mutate(
	ctx context.Context,
	subscriptionID snowflake.ID,
	apply func(tx *gorm.DB, sub *subscriptiondomain.Subscription) error,
) (subscriptiondomain.Subscription, error) {
	var result subscriptiondomain.Subscription

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			sub, err := s.repo.FindByID(ctx, tx, subscriptionID)
			if err != nil {
				return err
			}
			if sub == nil {
				return subscriptiondomain.ErrSubscriptionNotFound
			}

			expected := sub.Version
			if err := apply(tx, sub); err != nil {
				return err
			}
			if err := s.repo.UpdateVersioned(ctx, tx, sub, expected); err != nil {
				return err
			}
			result = *sub
			return nil
		})
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, subscriptiondomain.ErrVersionConflict) {
			return subscriptiondomain.Subscription{}, err
		}
		s.metrics.IncVersionConflict()
	}

	return subscriptiondomain.Subscription{}, subscriptiondomain.ErrConcurrencyConflict
}

func (s *Service) mutateByRestaurantID(
	ctx context.Context,
	restaurantID snowflake.ID,
	apply func(tx *gorm.DB, sub *subscriptiondomain.Subscription) error,
) (subscriptiondomain.Subscription, error) {
	record, err := s.repo.FindByRestaurantID(ctx, s.db, restaurantID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if record == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return s.mutate(ctx, record.ID, apply)
}

func setStatus(sub *subscriptiondomain.Subscription, to subscriptiondomain.Status) error {
	if !subscriptiondomain.CanTransition(sub.Status, to) {
		return subscriptiondomain.ErrInvalidTransition
	}
	sub.Status = to
	return nil
}

// prorate splits the remaining period between the old and new plan price.
// Integer math only; both values are non-negative minor currency units.
func prorate(oldPrice, newPrice int64, periodStart, periodEnd, at time.Time) (credit, charge int64) {
	total := periodEnd.Sub(periodStart)
	if total <= 0 {
		return 0, 0
	}
	remaining := periodEnd.Sub(at)
	if remaining <= 0 {
		return 0, 0
	}
	if remaining > total {
		remaining = total
	}

	// Second resolution keeps price*duration inside int64.
	remainingSec := int64(remaining / time.Second)
	totalSec := int64(total / time.Second)
	if totalSec <= 0 {
		return 0, 0
	}
	credit = oldPrice * remainingSec / totalSec
	charge = newPrice * remainingSec / totalSec
	return credit, charge
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, errors.New("invalid_id")
	}
	return id, nil
}
