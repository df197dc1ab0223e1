package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tablierhq/tablier/internal/clock"
	invoicedomain "github.com/tablierhq/tablier/internal/invoice/domain"
	plandomain "github.com/tablierhq/tablier/internal/plan/domain"
	"github.com/tablierhq/tablier/internal/providers/email"
	"github.com/tablierhq/tablier/internal/providers/payment"
	subscriptiondomain "github.com/tablierhq/tablier/internal/subscription/domain"
	"github.com/tablierhq/tablier/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Plans         plandomain.Service
	Subscriptions subscriptiondomain.Repository
	Gateway       payment.Gateway
	Notifier      email.Notifier     `optional:"true"`
	Metrics       *telemetry.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	plans    plandomain.Service
	subs     subscriptiondomain.Repository
	gateway  payment.Gateway
	notifier email.Notifier
	metrics  *telemetry.Metrics
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("invoice.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		plans:    p.Plans,
		subs:     p.Subscriptions,
		gateway:  p.Gateway,
		notifier: p.Notifier,
		metrics:  p.Metrics,
	}
}

func (s *Service) GenerateForPeriod(ctx context.Context, subscriptionID snowflake.ID) (invoicedomain.Invoice, error) {
	var out invoicedomain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.subs.FindByID(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		// Retry-safe: an invoice already covering this period wins.
		existing, err := s.findForPeriod(ctx, tx, sub.ID, sub.CurrentPeriodStart)
		if err != nil {
			return err
		}
		if existing != nil {
			out = *existing
			return nil
		}

		plan, err := s.plans.GetByID(ctx, sub.PlanID)
		if err != nil {
			return err
		}

		invoice := invoicedomain.Invoice{
			ID:             s.genID.Generate(),
			SubscriptionID: sub.ID,
			RestaurantID:   sub.RestaurantID,
			PlanID:         plan.ID,
			PeriodStart:    sub.CurrentPeriodStart,
			PeriodEnd:      sub.CurrentPeriodEnd,
			Status:         invoicedomain.StatusDraft,
			Currency:       plan.Currency,
			CreatedAt:      s.clock.Now(),
			UpdatedAt:      s.clock.Now(),
		}

		lines, consumedAdjustments, err := s.buildLines(ctx, tx, sub, plan, invoice.ID)
		if err != nil {
			return err
		}
		for _, line := range lines {
			invoice.AmountDue += line.Amount
		}
		invoice.Lines = lines

		result := tx.WithContext(ctx).
			Omit("Lines").
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "subscription_id"}, {Name: "period_start"}},
				DoNothing: true,
			}).
			Create(&invoice)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			winner, err := s.findForPeriod(ctx, tx, sub.ID, sub.CurrentPeriodStart)
			if err != nil {
				return err
			}
			if winner == nil {
				return invoicedomain.ErrInvoiceNotFound
			}
			out = *winner
			return nil
		}

		if len(lines) > 0 {
			if err := tx.WithContext(ctx).Create(&lines).Error; err != nil {
				return err
			}
		}
		if err := s.consumeAdjustments(ctx, tx, consumedAdjustments); err != nil {
			return err
		}

		out = invoice
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	s.metrics.IncInvoiceGenerated()
	return out, nil
}

// buildLines assembles base, overage and proration lines. All math stays in
// integer minor units.
func (s *Service) buildLines(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	plan plandomain.Plan,
	invoiceID snowflake.ID,
) ([]invoicedomain.InvoiceLine, []snowflake.ID, error) {
	now := s.clock.Now()
	lines := []invoicedomain.InvoiceLine{{
		ID:          s.genID.Generate(),
		InvoiceID:   invoiceID,
		Type:        invoicedomain.LineBase,
		Description: plan.Name + " plan",
		Quantity:    1,
		UnitPrice:   plan.BasePrice,
		Amount:      plan.BasePrice,
		CreatedAt:   now,
	}}

	counters, err := s.subs.ListCounters(ctx, tx, sub.ID)
	if err != nil {
		return nil, nil, err
	}
	for _, counter := range counters {
		if counter.PendingOverage <= 0 {
			continue
		}
		quota, err := s.plans.QuotaFor(ctx, plan.ID, counter.Feature)
		if err != nil {
			if errors.Is(err, plandomain.ErrFeatureNotOnPlan) {
				continue
			}
			return nil, nil, err
		}
		if !quota.OverageAllowed {
			continue
		}
		lines = append(lines, invoicedomain.InvoiceLine{
			ID:          s.genID.Generate(),
			InvoiceID:   invoiceID,
			Type:        invoicedomain.LineOverage,
			Description: fmt.Sprintf("%s overage (%d units)", counter.Feature, counter.PendingOverage),
			Feature:     counter.Feature,
			Quantity:    counter.PendingOverage,
			UnitPrice:   quota.OverageUnitPrice,
			Amount:      counter.PendingOverage * quota.OverageUnitPrice,
			CreatedAt:   now,
		})
	}

	adjustments, err := s.subs.ListOpenAdjustments(ctx, tx, sub.ID)
	if err != nil {
		return nil, nil, err
	}
	consumed := make([]snowflake.ID, 0, len(adjustments))
	for _, adjustment := range adjustments {
		lines = append(lines, invoicedomain.InvoiceLine{
			ID:          s.genID.Generate(),
			InvoiceID:   invoiceID,
			Type:        invoicedomain.LineAdjustment,
			Description: adjustment.Description,
			Quantity:    1,
			UnitPrice:   adjustment.Amount,
			Amount:      adjustment.Amount,
			CreatedAt:   now,
		})
		consumed = append(consumed, adjustment.ID)
	}
	return lines, consumed, nil
}

func (s *Service) consumeAdjustments(ctx context.Context, tx *gorm.DB, ids []snowflake.ID) error {
	return s.subs.ConsumeAdjustments(ctx, tx, ids)
}

func (s *Service) Finalize(ctx context.Context, invoiceID snowflake.ID) (invoicedomain.Invoice, error) {
	invoice, err := s.GetByID(ctx, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if invoice.Status != invoicedomain.StatusDraft {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceStatus
	}

	now := s.clock.Now()
	invoice.Status = invoicedomain.StatusOpen
	invoice.IssuedAt = &now
	invoice.UpdatedAt = now

	if invoice.AmountDue > 0 {
		result, err := s.gateway.Charge(ctx, payment.ChargeRequest{
			RestaurantID: invoice.RestaurantID,
			InvoiceID:    invoice.ID,
			Amount:       invoice.AmountDue,
			Currency:     invoice.Currency,
		})
		if err != nil {
			// The invoice stays DRAFT; the billing job will retry.
			return invoicedomain.Invoice{}, err
		}
		invoice.ProviderRef = result.ProviderRef
	}

	if err := s.db.WithContext(ctx).Omit("Lines").Save(&invoice).Error; err != nil {
		return invoicedomain.Invoice{}, err
	}

	if s.notifier != nil {
		if err := s.notifier.InvoiceFinalized(ctx, email.InvoiceNotice{
			RestaurantID: invoice.RestaurantID,
			InvoiceID:    invoice.ID,
			AmountDue:    invoice.AmountDue,
			Currency:     invoice.Currency,
		}); err != nil {
			s.log.Warn("invoice notification failed",
				zap.String("invoice_id", invoice.ID.String()),
				zap.Error(err),
			)
		}
	}
	return invoice, nil
}

func (s *Service) MarkPaid(ctx context.Context, invoiceID snowflake.ID) (invoicedomain.Invoice, error) {
	return s.transition(ctx, invoiceID, invoicedomain.StatusPaid, invoicedomain.StatusOpen)
}

func (s *Service) MarkVoid(ctx context.Context, invoiceID snowflake.ID) (invoicedomain.Invoice, error) {
	invoice, err := s.GetByID(ctx, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	// An open invoice already went to the provider; back out the charge.
	refund := invoice.Status == invoicedomain.StatusOpen && invoice.ProviderRef != "" && invoice.AmountDue > 0

	voided, err := s.transition(ctx, invoiceID, invoicedomain.StatusVoid, invoicedomain.StatusDraft, invoicedomain.StatusOpen)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if refund {
		if _, err := s.gateway.Refund(ctx, payment.RefundRequest{
			RestaurantID: voided.RestaurantID,
			ProviderRef:  voided.ProviderRef,
			Amount:       voided.AmountDue,
		}); err != nil {
			s.log.Warn("refund submission failed",
				zap.String("invoice_id", voided.ID.String()),
				zap.String("provider_ref", voided.ProviderRef),
				zap.Error(err),
			)
		}
	}
	return voided, nil
}

func (s *Service) transition(ctx context.Context, invoiceID snowflake.ID, to invoicedomain.Status, from ...invoicedomain.Status) (invoicedomain.Invoice, error) {
	invoice, err := s.GetByID(ctx, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	allowed := false
	for _, status := range from {
		if invoice.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		// Re-marking the current state is a no-op, not an error.
		if invoice.Status == to {
			return invoice, nil
		}
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceStatus
	}

	now := s.clock.Now()
	invoice.Status = to
	invoice.UpdatedAt = now
	if to == invoicedomain.StatusPaid {
		invoice.PaidAt = &now
	}
	if err := s.db.WithContext(ctx).Omit("Lines").Save(&invoice).Error; err != nil {
		return invoicedomain.Invoice{}, err
	}
	return invoice, nil
}

func (s *Service) GetByID(ctx context.Context, invoiceID snowflake.ID) (invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Preload("Lines").
		Where("id = ?", invoiceID).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
		}
		return invoicedomain.Invoice{}, err
	}
	return invoice, nil
}

func (s *Service) ListForRestaurant(ctx context.Context, restaurantID snowflake.ID) ([]invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Preload("Lines").
		Where("restaurant_id = ?", restaurantID).
		Order("period_start desc").
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Service) findForPeriod(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := tx.WithContext(ctx).
		Preload("Lines").
		Where("subscription_id = ? AND period_start = ?", subscriptionID, periodStart).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}
