// Package migration applies the schema at startup.
package migration

import (
	analyticsdomain "github.com/tablierhq/tablier/internal/analytics/domain"
	billingeventdomain "github.com/tablierhq/tablier/internal/billingevent/domain"
	invoicedomain "github.com/tablierhq/tablier/internal/invoice/domain"
	meterdomain "github.com/tablierhq/tablier/internal/meter/domain"
	plandomain "github.com/tablierhq/tablier/internal/plan/domain"
	subscriptiondomain "github.com/tablierhq/tablier/internal/subscription/domain"
	walletdomain "github.com/tablierhq/tablier/internal/wallet/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func Run(db *gorm.DB, log *zap.Logger) error {
	err := db.AutoMigrate(
		&plandomain.Plan{},
		&plandomain.PlanFeatureQuota{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.UsageCounter{},
		&subscriptiondomain.PendingAdjustment{},
		&walletdomain.Wallet{},
		&walletdomain.WalletTransaction{},
		&meterdomain.UsageEvent{},
		&billingeventdomain.ProviderEvent{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&analyticsdomain.RevenueSnapshot{},
	)
	if err != nil {
		return err
	}
	log.Named("migration").Info("schema migrated")
	return nil
}

var Module = fx.Module("migration",
	fx.Invoke(Run),
)
