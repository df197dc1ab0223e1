package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/tablierhq/tablier/internal/billingevent/domain"
	"github.com/tablierhq/tablier/internal/clock"
	"github.com/tablierhq/tablier/internal/config"
	invoicedomain "github.com/tablierhq/tablier/internal/invoice/domain"
	"github.com/tablierhq/tablier/internal/providers/email"
	subscriptiondomain "github.com/tablierhq/tablier/internal/subscription/domain"
	"github.com/tablierhq/tablier/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxDispatchAttempts bounds retries for events that keep failing; beyond it
// the event is discarded and surfaced through logs and metrics.
const maxDispatchAttempts = 5

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Config        config.Config
	Subscriptions subscriptiondomain.Service
	Invoices      invoicedomain.Service `optional:"true"`
	Notifier      email.Notifier        `optional:"true"`
	Metrics       *telemetry.Metrics    `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	clock    clock.Clock
	subs     subscriptiondomain.Service
	invoices invoicedomain.Service
	notifier email.Notifier
	metrics  *telemetry.Metrics

	signingSecret string
}

func NewService(p ServiceParam) billingeventdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("billingevent.service"),

		genID:    p.GenID,
		clock:    p.Clock,
		subs:     p.Subscriptions,
		invoices: p.Invoices,
		notifier: p.Notifier,
		metrics:  p.Metrics,

		signingSecret: p.Config.WebhookSigningSecret,
	}
}

type providerPayload struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	RestaurantID string                 `json:"restaurant_id"`
	OccurredAt   time.Time              `json:"occurred_at"`
	Data         map[string]interface{} `json:"data"`
}

func (s *Service) Ingest(ctx context.Context, body []byte, signature string) (billingeventdomain.ProviderEvent, error) {
	if err := s.verifySignature(body, signature); err != nil {
		return billingeventdomain.ProviderEvent{}, err
	}

	var payload providerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return billingeventdomain.ProviderEvent{}, billingeventdomain.ErrMalformedEvent
	}
	if strings.TrimSpace(payload.ID) == "" || payload.OccurredAt.IsZero() {
		return billingeventdomain.ProviderEvent{}, billingeventdomain.ErrMalformedEvent
	}
	if !billingeventdomain.KnownTypes[payload.Type] {
		return billingeventdomain.ProviderEvent{}, billingeventdomain.ErrUnknownEventType
	}
	restaurantID, err := snowflake.ParseString(strings.TrimSpace(payload.RestaurantID))
	if err != nil || restaurantID == 0 {
		return billingeventdomain.ProviderEvent{}, billingeventdomain.ErrMalformedEvent
	}

	event := billingeventdomain.ProviderEvent{
		ID:              s.genID.Generate(),
		ProviderEventID: payload.ID,
		Type:            payload.Type,
		RestaurantID:    restaurantID,
		OccurredAt:      payload.OccurredAt.UTC(),
		Data:            datatypes.JSONMap(payload.Data),
		Status:          billingeventdomain.StatusReceived,
		ReceivedAt:      s.clock.Now(),
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(&event)
	if result.Error != nil {
		return billingeventdomain.ProviderEvent{}, result.Error
	}
	if result.RowsAffected == 0 {
		// Redelivery: the original row already holds the outcome.
		var existing billingeventdomain.ProviderEvent
		err := s.db.WithContext(ctx).
			Where("provider_event_id = ?", payload.ID).
			First(&existing).Error
		if err != nil {
			return billingeventdomain.ProviderEvent{}, err
		}
		s.metrics.IncWebhookEvent(payload.Type, "duplicate")
		return existing, nil
	}

	s.metrics.IncWebhookEvent(payload.Type, "received")
	return event, nil
}

func (s *Service) DispatchPending(ctx context.Context, limit int) (billingeventdomain.DispatchStats, error) {
	var stats billingeventdomain.DispatchStats

	var events []billingeventdomain.ProviderEvent
	stmt := s.db.WithContext(ctx).
		Where("status IN ? AND attempts < ?", []billingeventdomain.Status{
			billingeventdomain.StatusReceived,
			billingeventdomain.StatusFailed,
		}, maxDispatchAttempts).
		Order("occurred_at asc, id asc")
	if limit > 0 {
		stmt = stmt.Limit(limit)
	}
	if err := stmt.Find(&events).Error; err != nil {
		return stats, err
	}

	for i := range events {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		s.dispatchOne(ctx, &events[i], &stats)
	}
	return stats, nil
}

// dispatchOne applies a single event and commits its outcome independently.
func (s *Service) dispatchOne(ctx context.Context, event *billingeventdomain.ProviderEvent, stats *billingeventdomain.DispatchStats) {
	applyErr := s.apply(ctx, event)

	now := s.clock.Now()
	switch {
	case applyErr == nil:
		event.Status = billingeventdomain.StatusProcessed
		event.ProcessedAt = &now
		event.LastError = ""
		stats.Processed++
		s.metrics.IncWebhookEvent(event.Type, "processed")
	case isDiscardable(applyErr):
		// Out-of-order or terminal-state events are resolved, not retried.
		event.Status = billingeventdomain.StatusDiscarded
		event.ProcessedAt = &now
		event.LastError = applyErr.Error()
		stats.Discarded++
		s.metrics.IncWebhookEvent(event.Type, "discarded")
		s.log.Info("provider event discarded",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("type", event.Type),
			zap.String("reason", applyErr.Error()),
		)
	default:
		event.Status = billingeventdomain.StatusFailed
		event.LastError = applyErr.Error()
		stats.Failed++
		s.metrics.IncWebhookEvent(event.Type, "failed")
		s.log.Warn("provider event dispatch failed",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("type", event.Type),
			zap.Int("attempts", event.Attempts+1),
			zap.Error(applyErr),
		)
	}
	event.Attempts++

	if err := s.db.WithContext(ctx).Save(event).Error; err != nil {
		s.log.Error("failed to persist provider event outcome",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.Error(err),
		)
	}
}

func (s *Service) apply(ctx context.Context, event *billingeventdomain.ProviderEvent) error {
	switch event.Type {
	case billingeventdomain.TypePaymentSucceeded:
		_, err := s.subs.ApplyPaymentResult(ctx, subscriptiondomain.PaymentResult{
			RestaurantID: event.RestaurantID,
			Success:      true,
			OccurredAt:   event.OccurredAt,
		})
		if err != nil {
			return err
		}
		s.settleInvoice(ctx, event)
		return nil
	case billingeventdomain.TypePaymentFailed:
		sub, err := s.subs.ApplyPaymentResult(ctx, subscriptiondomain.PaymentResult{
			RestaurantID: event.RestaurantID,
			Success:      false,
			OccurredAt:   event.OccurredAt,
		})
		if err != nil {
			return err
		}
		if s.notifier != nil {
			_ = s.notifier.PaymentFailed(ctx, event.RestaurantID)
			if sub.Status == subscriptiondomain.StatusCanceled {
				_ = s.notifier.SubscriptionCanceled(ctx, event.RestaurantID)
			}
		}
		return nil
	case billingeventdomain.TypePlanChangeConfirmed:
		// Plan changes apply synchronously at request time; the confirmation
		// only acknowledges the provider-side mirror.
		return nil
	default:
		return billingeventdomain.ErrUnknownEventType
	}
}

// settleInvoice marks the referenced invoice paid when the event carries an
// invoice id. Best effort; the subscription state change already committed.
func (s *Service) settleInvoice(ctx context.Context, event *billingeventdomain.ProviderEvent) {
	if s.invoices == nil {
		return
	}
	raw, ok := event.Data["invoice_id"].(string)
	if !ok || raw == "" {
		return
	}
	invoiceID, err := snowflake.ParseString(raw)
	if err != nil || invoiceID == 0 {
		s.log.Warn("provider event carries unparsable invoice id",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("invoice_id", raw),
		)
		return
	}
	if _, err := s.invoices.MarkPaid(ctx, invoiceID); err != nil {
		s.log.Warn("failed to settle invoice from provider event",
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("invoice_id", raw),
			zap.Error(err),
		)
	}
}

func (s *Service) ListForRestaurant(ctx context.Context, restaurantID snowflake.ID) ([]billingeventdomain.ProviderEvent, error) {
	var events []billingeventdomain.ProviderEvent
	err := s.db.WithContext(ctx).
		Where("restaurant_id = ?", restaurantID).
		Order("occurred_at asc").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Service) verifySignature(body []byte, signature string) error {
	if s.signingSecret == "" {
		return billingeventdomain.ErrSigningSecretNotSet
	}
	signature = strings.TrimSpace(strings.TrimPrefix(signature, "sha256="))
	provided, err := hex.DecodeString(signature)
	if err != nil || len(provided) == 0 {
		return billingeventdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(s.signingSecret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return billingeventdomain.ErrInvalidSignature
	}
	return nil
}

// isDiscardable reports whether the failure is permanent for this event.
func isDiscardable(err error) bool {
	return errors.Is(err, subscriptiondomain.ErrStalePaymentEvent) ||
		errors.Is(err, subscriptiondomain.ErrInvalidTransition) ||
		errors.Is(err, subscriptiondomain.ErrSubscriptionCanceled) ||
		errors.Is(err, billingeventdomain.ErrUnknownEventType)
}
