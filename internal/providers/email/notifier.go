// Package email delivers billing notifications to restaurant owners.
package email

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type InvoiceNotice struct {
	RestaurantID snowflake.ID
	InvoiceID    snowflake.ID
	AmountDue    int64
	Currency     string
}

type Notifier interface {
	InvoiceFinalized(ctx context.Context, notice InvoiceNotice) error
	PaymentFailed(ctx context.Context, restaurantID snowflake.ID) error
	SubscriptionCanceled(ctx context.Context, restaurantID snowflake.ID) error
}

// LogNotifier writes notifications to the application log. Placeholder until
// a mail provider is connected.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) Notifier {
	return &LogNotifier{log: log.Named("email.notifier")}
}

func (n *LogNotifier) InvoiceFinalized(ctx context.Context, notice InvoiceNotice) error {
	n.log.Info("notify: invoice finalized",
		zap.String("restaurant_id", notice.RestaurantID.String()),
		zap.String("invoice_id", notice.InvoiceID.String()),
		zap.Int64("amount_due", notice.AmountDue),
		zap.String("currency", notice.Currency),
	)
	return nil
}

func (n *LogNotifier) PaymentFailed(ctx context.Context, restaurantID snowflake.ID) error {
	n.log.Info("notify: payment failed", zap.String("restaurant_id", restaurantID.String()))
	return nil
}

func (n *LogNotifier) SubscriptionCanceled(ctx context.Context, restaurantID snowflake.ID) error {
	n.log.Info("notify: subscription canceled", zap.String("restaurant_id", restaurantID.String()))
	return nil
}

var Module = fx.Module("providers.email",
	fx.Provide(NewLogNotifier),
)
