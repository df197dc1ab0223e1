package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	analyticsdomain "github.com/tablierhq/tablier/internal/analytics/domain"
	"github.com/tablierhq/tablier/internal/clock"
	invoicedomain "github.com/tablierhq/tablier/internal/invoice/domain"
	meterdomain "github.com/tablierhq/tablier/internal/meter/domain"
	plandomain "github.com/tablierhq/tablier/internal/plan/domain"
	subscriptiondomain "github.com/tablierhq/tablier/internal/subscription/domain"
	"github.com/tablierhq/tablier/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Churn score weights. The sum of all maximum contributions is 100.
const (
	weightPastDue       = 40
	weightFailedPayment = 10 // per failed payment, capped below
	weightFailedCap     = 20
	weightPendingCancel = 25
	weightUsageStale    = 15 // no usage in the last 14 days
)

// minChurnPercent floors the churn probability in CLV math so the projected
// lifetime stays finite.
const minChurnPercent = 5

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Plans   plandomain.Service
	Metrics *telemetry.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	plans   plandomain.Service
	metrics *telemetry.Metrics
}

func NewService(p ServiceParam) analyticsdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("analytics.service"),

		genID:   p.GenID,
		clock:   p.Clock,
		plans:   p.Plans,
		metrics: p.Metrics,
	}
}

func (s *Service) ChurnRisk(ctx context.Context, restaurantID snowflake.ID, asOf time.Time) (int, error) {
	sub, err := s.findSubscription(ctx, restaurantID)
	if err != nil {
		return 0, err
	}
	return s.churnRisk(ctx, sub, asOf)
}

func (s *Service) churnRisk(ctx context.Context, sub *subscriptiondomain.Subscription, asOf time.Time) (int, error) {
	if sub.Status == subscriptiondomain.StatusCanceled {
		return 100, nil
	}

	score := 0
	if sub.Status == subscriptiondomain.StatusPastDue {
		score += weightPastDue
	}
	failed := sub.FailedPaymentCount * weightFailedPayment
	if failed > weightFailedCap {
		failed = weightFailedCap
	}
	score += failed
	if sub.CancelAtPeriodEnd {
		score += weightPendingCancel
	}

	lastUsage, err := s.lastUsageAt(ctx, sub.ID)
	if err != nil {
		return 0, err
	}
	// A restaurant that never used the product is scored against its
	// subscription start, not the epoch.
	reference := sub.CreatedAt
	if lastUsage != nil {
		reference = *lastUsage
	}
	if asOf.Sub(reference) > 14*24*time.Hour {
		score += weightUsageStale
	}

	if score > 100 {
		score = 100
	}
	return score, nil
}

func (s *Service) EstimateCLV(ctx context.Context, restaurantID snowflake.ID, asOf time.Time) (int64, error) {
	sub, err := s.findSubscription(ctx, restaurantID)
	if err != nil {
		return 0, err
	}
	risk, err := s.churnRisk(ctx, sub, asOf)
	if err != nil {
		return 0, err
	}
	return s.estimateCLV(ctx, sub, risk)
}

func (s *Service) estimateCLV(ctx context.Context, sub *subscriptiondomain.Subscription, risk int) (int64, error) {
	if risk >= 100 {
		return 0, nil
	}

	monthly, err := s.averageMonthlyRevenue(ctx, sub)
	if err != nil {
		return 0, err
	}

	churn := risk
	if churn < minChurnPercent {
		churn = minChurnPercent
	}
	// Expected lifetime in months is 100/churn; all integer math.
	return monthly * 100 / int64(churn), nil
}

// averageMonthlyRevenue prefers observed paid invoices and falls back to the
// plan's base price for restaurants with no billing history yet.
func (s *Service) averageMonthlyRevenue(ctx context.Context, sub *subscriptiondomain.Subscription) (int64, error) {
	var row struct {
		Total int64
		Count int64
	}
	err := s.db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("restaurant_id = ? AND status = ?", sub.RestaurantID, invoicedomain.StatusPaid).
		Select("COALESCE(SUM(amount_due), 0) AS total, COUNT(*) AS count").
		Scan(&row).Error
	if err != nil {
		return 0, err
	}
	if row.Count > 0 {
		return row.Total / row.Count, nil
	}

	plan, err := s.plans.GetByID(ctx, sub.PlanID)
	if err != nil {
		return 0, err
	}
	return plan.BasePrice, nil
}

func (s *Service) ForecastRevenue(ctx context.Context, asOf time.Time) (int64, error) {
	// Paid revenue per calendar month for the trailing three months.
	months := make([]int64, 3)
	for i := 0; i < 3; i++ {
		start := monthStart(asOf).AddDate(0, -i-1, 0)
		end := start.AddDate(0, 1, 0)
		var total int64
		err := s.db.WithContext(ctx).
			Model(&invoicedomain.Invoice{}).
			Where("status = ? AND paid_at >= ? AND paid_at < ?", invoicedomain.StatusPaid, start, end).
			Select("COALESCE(SUM(amount_due), 0)").
			Scan(&total).Error
		if err != nil {
			return 0, err
		}
		months[2-i] = total
	}

	// Moving average plus the average month-over-month delta.
	average := (months[0] + months[1] + months[2]) / 3
	delta := (months[2] - months[0]) / 2
	forecast := average + delta
	if forecast < 0 {
		forecast = 0
	}
	return forecast, nil
}

func (s *Service) ComputeSnapshots(ctx context.Context, asOf time.Time) (int, error) {
	var subs []subscriptiondomain.Subscription
	if err := s.db.WithContext(ctx).Find(&subs).Error; err != nil {
		return 0, err
	}

	forecast, err := s.ForecastRevenue(ctx, asOf)
	if err != nil {
		return 0, err
	}

	computed := 0
	for i := range subs {
		if err := ctx.Err(); err != nil {
			return computed, err
		}
		if err := s.snapshotOne(ctx, &subs[i], asOf, forecast); err != nil {
			s.log.Error("snapshot computation failed",
				zap.String("restaurant_id", subs[i].RestaurantID.String()),
				zap.Error(err),
			)
			continue
		}
		computed++
		s.metrics.IncSnapshotComputed()
	}
	return computed, nil
}

func (s *Service) snapshotOne(ctx context.Context, sub *subscriptiondomain.Subscription, asOf time.Time, forecast int64) error {
	risk, err := s.churnRisk(ctx, sub, asOf)
	if err != nil {
		return err
	}
	clv, err := s.estimateCLV(ctx, sub, risk)
	if err != nil {
		return err
	}

	mrr := int64(0)
	if sub.Status == subscriptiondomain.StatusActive || sub.Status == subscriptiondomain.StatusPastDue {
		plan, err := s.plans.GetByID(ctx, sub.PlanID)
		if err != nil {
			return err
		}
		mrr = plan.BasePrice
	}

	snapshot := analyticsdomain.RevenueSnapshot{
		ID:                s.genID.Generate(),
		RestaurantID:      sub.RestaurantID,
		AsOf:              dateOf(asOf),
		MRR:               mrr,
		ChurnRisk:         risk,
		CLV:               clv,
		ForecastNextMonth: forecast,
		ComputedAt:        s.clock.Now(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "restaurant_id"}, {Name: "as_of"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"mrr", "churn_risk", "clv", "forecast_next_month", "computed_at",
			}),
		}).
		Create(&snapshot).Error
}

func (s *Service) LatestSnapshot(ctx context.Context, restaurantID snowflake.ID) (analyticsdomain.RevenueSnapshot, error) {
	var snapshot analyticsdomain.RevenueSnapshot
	err := s.db.WithContext(ctx).
		Where("restaurant_id = ?", restaurantID).
		Order("as_of desc").
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return analyticsdomain.RevenueSnapshot{}, analyticsdomain.ErrSnapshotNotFound
		}
		return analyticsdomain.RevenueSnapshot{}, err
	}
	return snapshot, nil
}

func (s *Service) findSubscription(ctx context.Context, restaurantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Where("restaurant_id = ?", restaurantID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, subscriptiondomain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Service) lastUsageAt(ctx context.Context, subscriptionID snowflake.ID) (*time.Time, error) {
	var event meterdomain.UsageEvent
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("recorded_at desc").
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	at := event.RecordedAt
	return &at, nil
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
