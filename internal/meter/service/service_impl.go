package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tablierhq/tablier/internal/clock"
	"github.com/tablierhq/tablier/internal/config"
	meterdomain "github.com/tablierhq/tablier/internal/meter/domain"
	plandomain "github.com/tablierhq/tablier/internal/plan/domain"
	subscriptiondomain "github.com/tablierhq/tablier/internal/subscription/domain"
	walletdomain "github.com/tablierhq/tablier/internal/wallet/domain"
	"github.com/tablierhq/tablier/pkg/db/option"
	"github.com/tablierhq/tablier/pkg/db/pagination"
	"github.com/tablierhq/tablier/pkg/repository"
	"github.com/tablierhq/tablier/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errDuplicateEvent aborts a transaction when a concurrent request with the
// same idempotency key committed first.
var errDuplicateEvent = errors.New("duplicate_usage_event")

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Config        config.Config
	Plans         plandomain.Service
	Subscriptions subscriptiondomain.Repository
	Wallet        walletdomain.Service
	Metrics       *telemetry.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	plans   plandomain.Service
	subs    subscriptiondomain.Repository
	wallet  walletdomain.Service
	events  repository.Repository[meterdomain.UsageEvent]
	metrics *telemetry.Metrics

	failMode   config.MeterFailMode
	maxRetries int
}

func NewService(p ServiceParam) meterdomain.Service {
	maxRetries := p.Config.ConcurrencyMaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("meter.service"),

		genID:   p.GenID,
		clock:   p.Clock,
		plans:   p.Plans,
		subs:    p.Subscriptions,
		wallet:  p.Wallet,
		events:  repository.ProvideStore[meterdomain.UsageEvent](p.DB),
		metrics: p.Metrics,

		failMode:   p.Config.MeterFailMode,
		maxRetries: maxRetries,
	}
}

func (s *Service) CheckAndRecord(ctx context.Context, req meterdomain.CheckAndRecordRequest) (meterdomain.UsageDecision, error) {
	restaurantID, err := snowflake.ParseString(strings.TrimSpace(req.RestaurantID))
	if err != nil || restaurantID == 0 {
		return meterdomain.UsageDecision{}, meterdomain.ErrInvalidRestaurant
	}
	feature := strings.TrimSpace(req.Feature)
	if !plandomain.KnownFeatures[feature] {
		return meterdomain.UsageDecision{}, meterdomain.ErrInvalidFeature
	}
	if req.Quantity <= 0 {
		return meterdomain.UsageDecision{}, meterdomain.ErrInvalidQuantity
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return meterdomain.UsageDecision{}, meterdomain.ErrInvalidIdempotencyKey
	}

	// Replay check before touching any counter. A retried call returns the
	// original decision without consuming quota again.
	if existing, err := s.findEvent(ctx, s.db, key); err != nil {
		return s.storeFailure(feature, err)
	} else if existing != nil {
		return s.replayDecision(ctx, existing), nil
	}

	var decision meterdomain.UsageDecision
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			out, err := s.decideAndRecord(ctx, tx, restaurantID, feature, req.Quantity, key)
			if err != nil {
				return err
			}
			decision = out
			return nil
		})
		if err == nil {
			s.metrics.IncUsageDecision(feature, string(decision.Decision))
			return decision, nil
		}
		if errors.Is(err, errDuplicateEvent) {
			existing, findErr := s.findEvent(ctx, s.db, key)
			if findErr == nil && existing != nil {
				return s.replayDecision(ctx, existing), nil
			}
			return meterdomain.UsageDecision{}, meterdomain.ErrInvalidIdempotencyKey
		}
		if errors.Is(err, subscriptiondomain.ErrVersionConflict) {
			s.metrics.IncVersionConflict()
			continue
		}
		if isDomainErr(err) {
			return meterdomain.UsageDecision{}, err
		}
		return s.storeFailure(feature, err)
	}
	return meterdomain.UsageDecision{}, subscriptiondomain.ErrConcurrencyConflict
}

// decideAndRecord runs the quota decision inside one transaction. Counter
// mutation, wallet debit and the usage event append all commit together under
// the subscription's version guard.
func (s *Service) decideAndRecord(ctx context.Context, tx *gorm.DB, restaurantID snowflake.ID, feature string, quantity int64, key string) (meterdomain.UsageDecision, error) {
	sub, err := s.subs.FindByRestaurantID(ctx, tx, restaurantID)
	if err != nil {
		return meterdomain.UsageDecision{}, err
	}
	if sub == nil {
		return meterdomain.UsageDecision{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	event := meterdomain.UsageEvent{
		ID:             s.genID.Generate(),
		SubscriptionID: sub.ID,
		RestaurantID:   restaurantID,
		Feature:        feature,
		Quantity:       quantity,
		RecordedAt:     s.clock.Now(),
		IdempotencyKey: key,
	}

	if sub.Status != subscriptiondomain.StatusTrialing && sub.Status != subscriptiondomain.StatusActive {
		event.Decision = meterdomain.DecisionDenied
		if err := s.appendEvent(ctx, tx, &event); err != nil {
			return meterdomain.UsageDecision{}, err
		}
		return meterdomain.UsageDecision{
			Decision: meterdomain.DecisionDenied,
			Reason:   "subscription_not_active",
		}, nil
	}

	quota, err := s.plans.QuotaFor(ctx, sub.PlanID, feature)
	if err != nil {
		if errors.Is(err, plandomain.ErrFeatureNotOnPlan) {
			event.Decision = meterdomain.DecisionDenied
			if err := s.appendEvent(ctx, tx, &event); err != nil {
				return meterdomain.UsageDecision{}, err
			}
			return meterdomain.UsageDecision{
				Decision: meterdomain.DecisionDenied,
				Reason:   "feature_not_on_plan",
			}, nil
		}
		return meterdomain.UsageDecision{}, err
	}

	counter, err := s.subs.FindCounter(ctx, tx, sub.ID, feature)
	if err != nil {
		return meterdomain.UsageDecision{}, err
	}
	if counter == nil {
		counter = &subscriptiondomain.UsageCounter{
			ID:             s.genID.Generate(),
			SubscriptionID: sub.ID,
			Feature:        feature,
		}
	}

	// Units beyond the included quota introduced by this call.
	exceeding := counter.Used + quantity - quota.IncludedQuantity
	if already := counter.Used - quota.IncludedQuantity; already > 0 {
		exceeding = quantity
	} else if exceeding < 0 {
		exceeding = 0
	}

	decision := meterdomain.UsageDecision{Decision: meterdomain.DecisionAllowed}
	switch {
	case exceeding == 0:
	case quota.OverageAllowed:
		decision.Decision = meterdomain.DecisionAllowedWithOverage
		decision.OverageQuantity = exceeding
		counter.PendingOverage += exceeding
	case quota.CreditUnitPrice > 0:
		cost := exceeding * quota.CreditUnitPrice
		_, err := s.wallet.DebitTx(ctx, tx, walletdomain.DebitRequest{
			RestaurantID:   restaurantID,
			Amount:         cost,
			Reason:         "usage_" + feature,
			IdempotencyKey: "usage:" + key,
		})
		if err != nil {
			if errors.Is(err, walletdomain.ErrInsufficientCredits) {
				event.Decision = meterdomain.DecisionDenied
				if err := s.appendEvent(ctx, tx, &event); err != nil {
					return meterdomain.UsageDecision{}, err
				}
				return meterdomain.UsageDecision{
					Decision: meterdomain.DecisionDenied,
					Reason:   "insufficient_credits",
				}, nil
			}
			return meterdomain.UsageDecision{}, err
		}
		decision.Decision = meterdomain.DecisionAllowedWithCredits
		decision.OverageQuantity = exceeding
		decision.CreditsSpent = cost
		event.CreditsSpent = cost
	default:
		event.Decision = meterdomain.DecisionDenied
		if err := s.appendEvent(ctx, tx, &event); err != nil {
			return meterdomain.UsageDecision{}, err
		}
		return meterdomain.UsageDecision{
			Decision:  meterdomain.DecisionDenied,
			Reason:    "quota_exceeded",
			Remaining: remaining(quota.IncludedQuantity, counter.Used),
		}, nil
	}

	expected := sub.Version
	counter.Used += quantity
	counter.UpdatedAt = event.RecordedAt
	event.Decision = decision.Decision
	event.OverageQuantity = decision.OverageQuantity

	if err := s.subs.SaveCounter(ctx, tx, counter); err != nil {
		return meterdomain.UsageDecision{}, err
	}
	if err := s.subs.UpdateVersioned(ctx, tx, sub, expected); err != nil {
		return meterdomain.UsageDecision{}, err
	}
	if err := s.appendEvent(ctx, tx, &event); err != nil {
		return meterdomain.UsageDecision{}, err
	}

	decision.Remaining = remaining(quota.IncludedQuantity, counter.Used)
	return decision, nil
}

// ListEvents pages the append-only usage history, newest first.
func (s *Service) ListEvents(ctx context.Context, restaurantID snowflake.ID, page pagination.Pagination) ([]meterdomain.UsageEvent, *pagination.PageInfo, error) {
	if restaurantID == 0 {
		return nil, nil, meterdomain.ErrInvalidRestaurant
	}
	if page.PageSize <= 0 {
		page.PageSize = 50
	}

	rows, err := s.events.Find(ctx, &meterdomain.UsageEvent{RestaurantID: restaurantID},
		option.WithSortBy(option.QuerySortBy{
			Field: "created_at",
			Desc:  true,
			Allow: map[string]bool{"created_at": true},
		}),
		option.ApplyPagination(page),
	)
	if err != nil {
		return nil, nil, err
	}

	info := pagination.BuildCursorPageInfo(rows, int32(page.PageSize), func(e *meterdomain.UsageEvent) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:        e.ID.String(),
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		return token
	})
	if len(rows) > page.PageSize {
		rows = rows[:page.PageSize]
	}

	events := make([]meterdomain.UsageEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, *row)
	}
	return events, info, nil
}

func (s *Service) appendEvent(ctx context.Context, tx *gorm.DB, event *meterdomain.UsageEvent) error {
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errDuplicateEvent
	}
	return nil
}

func (s *Service) findEvent(ctx context.Context, db *gorm.DB, key string) (*meterdomain.UsageEvent, error) {
	var event meterdomain.UsageEvent
	err := db.WithContext(ctx).Where("idempotency_key = ?", key).First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// replayDecision rebuilds the original response from the stored event. The
// remaining balance is recomputed best effort; it may have moved since.
func (s *Service) replayDecision(ctx context.Context, event *meterdomain.UsageEvent) meterdomain.UsageDecision {
	decision := meterdomain.UsageDecision{
		Decision:        event.Decision,
		OverageQuantity: event.OverageQuantity,
		CreditsSpent:    event.CreditsSpent,
		Deduplicated:    true,
	}
	counter, err := s.subs.FindCounter(ctx, s.db, event.SubscriptionID, event.Feature)
	if err != nil || counter == nil {
		return decision
	}
	sub, err := s.subs.FindByID(ctx, s.db, event.SubscriptionID)
	if err != nil || sub == nil {
		return decision
	}
	quota, err := s.plans.QuotaFor(ctx, sub.PlanID, event.Feature)
	if err != nil {
		return decision
	}
	decision.Remaining = remaining(quota.IncludedQuantity, counter.Used)
	return decision
}

// storeFailure applies the configured fail mode when the ledger store cannot
// serve the hot path.
func (s *Service) storeFailure(feature string, err error) (meterdomain.UsageDecision, error) {
	if s.failMode == config.MeterFailOpen {
		s.log.Warn("usage store unavailable, failing open",
			zap.String("feature", feature),
			zap.Error(err),
		)
		s.metrics.IncUsageDecision(feature, string(meterdomain.DecisionAllowed))
		return meterdomain.UsageDecision{
			Decision: meterdomain.DecisionAllowed,
			Reason:   "fail_open",
		}, nil
	}
	s.log.Error("usage store unavailable, failing closed",
		zap.String("feature", feature),
		zap.Error(err),
	)
	s.metrics.IncUsageDecision(feature, string(meterdomain.DecisionDenied))
	return meterdomain.UsageDecision{}, meterdomain.ErrStoreUnavailable
}

func isDomainErr(err error) bool {
	for _, domainErr := range []error{
		subscriptiondomain.ErrSubscriptionNotFound,
		plandomain.ErrPlanNotFound,
		plandomain.ErrUnknownFeature,
		walletdomain.ErrInvalidRestaurant,
		walletdomain.ErrInvalidAmount,
	} {
		if errors.Is(err, domainErr) {
			return true
		}
	}
	return false
}

func remaining(included, used int64) int64 {
	if used >= included {
		return 0
	}
	return included - used
}
