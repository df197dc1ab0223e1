// Package seed installs the default plan catalog on first boot.
package seed

import (
	"github.com/bwmarrin/snowflake"
	plandomain "github.com/tablierhq/tablier/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type planDef struct {
	code      string
	name      string
	basePrice int64
	trialDays int
	quotas    []plandomain.PlanFeatureQuota
}

// Prices are minor units (cents). Credit prices apply to features whose quota
// can be exceeded by spending wallet credits instead of plan overage.
var catalog = []planDef{
	{
		code: "starter", name: "Starter", basePrice: 4900, trialDays: 14,
		quotas: []plandomain.PlanFeatureQuota{
			{Feature: plandomain.FeatureContentGeneration, IncludedQuantity: 50, CreditUnitPrice: 20},
			{Feature: plandomain.FeatureSocialPosts, IncludedQuantity: 15, CreditUnitPrice: 15},
			{Feature: plandomain.FeatureReviewReplies, IncludedQuantity: 30, CreditUnitPrice: 10},
		},
	},
	{
		code: "growth", name: "Growth", basePrice: 9900, trialDays: 14,
		quotas: []plandomain.PlanFeatureQuota{
			{Feature: plandomain.FeatureContentGeneration, IncludedQuantity: 200, OverageAllowed: true, OverageUnitPrice: 15},
			{Feature: plandomain.FeatureSocialPosts, IncludedQuantity: 60, OverageAllowed: true, OverageUnitPrice: 10},
			{Feature: plandomain.FeatureReviewReplies, IncludedQuantity: 120, OverageAllowed: true, OverageUnitPrice: 8},
			{Feature: plandomain.FeatureCampaignImages, IncludedQuantity: 20, CreditUnitPrice: 40},
		},
	},
	{
		code: "pro", name: "Pro", basePrice: 19900, trialDays: 30,
		quotas: []plandomain.PlanFeatureQuota{
			{Feature: plandomain.FeatureContentGeneration, IncludedQuantity: 1000, OverageAllowed: true, OverageUnitPrice: 10},
			{Feature: plandomain.FeatureSocialPosts, IncludedQuantity: 300, OverageAllowed: true, OverageUnitPrice: 8},
			{Feature: plandomain.FeatureReviewReplies, IncludedQuantity: 600, OverageAllowed: true, OverageUnitPrice: 5},
			{Feature: plandomain.FeatureCampaignImages, IncludedQuantity: 100, OverageAllowed: true, OverageUnitPrice: 30},
		},
	},
}

// Run inserts the built-in plans. Existing (code, version) rows are left
// untouched so operators can edit quotas in place.
func Run(db *gorm.DB, log *zap.Logger, genID *snowflake.Node) error {
	for _, def := range catalog {
		plan := plandomain.Plan{
			ID:        genID.Generate(),
			Code:      def.code,
			Version:   1,
			Name:      def.name,
			BasePrice: def.basePrice,
			Currency:  "usd",
			TrialDays: def.trialDays,
			Active:    true,
		}
		result := db.
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}, {Name: "version"}},
				DoNothing: true,
			}).
			Omit("Quotas").
			Create(&plan)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}

		for i := range def.quotas {
			def.quotas[i].ID = genID.Generate()
			def.quotas[i].PlanID = plan.ID
		}
		if err := db.Create(&def.quotas).Error; err != nil {
			return err
		}
		log.Named("seed").Info("plan seeded", zap.String("code", def.code))
	}
	return nil
}

var Module = fx.Module("seed",
	fx.Invoke(Run),
)
