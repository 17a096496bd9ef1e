package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// PricingRule maps (feature_type, rule_key) to a credit cost.
type PricingRule struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	FeatureType string       `gorm:"type:text;not null;uniqueIndex:ux_pricing_rules_feature_rule,priority:1"`
	RuleKey     string       `gorm:"type:text;not null;uniqueIndex:ux_pricing_rules_feature_rule,priority:2"`
	CreditCost  int64        `gorm:"not null"`
	Description string       `gorm:"type:text"`
	IsActive    bool         `gorm:"not null;default:true"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PricingRule) TableName() string { return "credit_pricing_rules" }

// CreditPack is a purchasable credit bundle.
type CreditPack struct {
	ID                       snowflake.ID `gorm:"primaryKey"`
	Name                     string       `gorm:"type:text;not null"`
	Credits                  int64        `gorm:"not null"`
	PriceCents               int64        `gorm:"not null"`
	ProviderPriceID          string       `gorm:"type:text"`
	ProviderPriceIDRecurring string       `gorm:"type:text"`
	IsActive                 bool         `gorm:"not null;default:true"`
	DisplayOrder             int          `gorm:"not null;default:0"`
	CreatedAt                time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditPack) TableName() string { return "credit_packs" }

// TierCredits is the recurring included-credit allowance for a tier.
type TierCredits struct {
	Tier           string `gorm:"primaryKey;type:text"`
	MonthlyCredits int64  `gorm:"not null"`
}

// TableName sets the database table name.
func (TierCredits) TableName() string { return "credit_included_by_tier" }

// DefaultRuleKey is the rule key consulted when callers do not pick a
// specific variant of a feature.
const DefaultRuleKey = "default"

// CalculateGeogridCost prices a geo-grid probe: base platform fee plus one
// credit per grid cell plus two credits per keyword.
func CalculateGeogridCost(gridSize, keywordCount int) int64 {
	return 10 + int64(gridSize)*int64(gridSize) + 2*int64(keywordCount)
}
