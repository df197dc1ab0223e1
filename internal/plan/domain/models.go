// Package domain contains persistence models for the subscription plan catalog.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Feature codes form a closed set; the catalog is rejected at startup when a
// quota row references anything else.
const (
	FeatureContentGeneration = "content_generation"
	FeatureSocialPosts       = "social_posts"
	FeatureReviewReplies     = "review_replies"
	FeatureCampaignImages    = "campaign_images"
)

// KnownFeatures lists every metered feature the platform sells.
var KnownFeatures = map[string]bool{
	FeatureContentGeneration: true,
	FeatureSocialPosts:       true,
	FeatureReviewReplies:     true,
	FeatureCampaignImages:    true,
}

// Plan is a subscription tier. Plans are immutable once referenced by a
// subscription; changes create a new row with a bumped Version.
type Plan struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	Code         string       `gorm:"type:text;not null;uniqueIndex:ux_plans_code_version,priority:1"`
	Version      int          `gorm:"not null;default:1;uniqueIndex:ux_plans_code_version,priority:2"`
	Name         string       `gorm:"type:text;not null"`
	BasePrice    int64        `gorm:"not null"`
	Currency     string       `gorm:"type:text;not null"`
	TrialDays    int          `gorm:"not null;default:0"`
	Active       bool         `gorm:"not null;default:true"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`

	Quotas []PlanFeatureQuota `gorm:"foreignKey:PlanID"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// PlanFeatureQuota is the included quota and overage terms for one feature
// on one plan.
type PlanFeatureQuota struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	PlanID           snowflake.ID `gorm:"not null;index;uniqueIndex:ux_plan_feature,priority:1"`
	Feature          string       `gorm:"type:text;not null;uniqueIndex:ux_plan_feature,priority:2"`
	IncludedQuantity int64        `gorm:"not null"`
	OverageAllowed   bool         `gorm:"not null;default:false"`
	// OverageUnitPrice is charged per unit beyond the included quantity when
	// overage is allowed, in minor currency units.
	OverageUnitPrice int64 `gorm:"not null;default:0"`
	// CreditUnitPrice is the wallet cost per unit when overage is not allowed,
	// in minor currency units.
	CreditUnitPrice int64     `gorm:"not null;default:0"`
	CreatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PlanFeatureQuota) TableName() string { return "plan_feature_quotas" }
