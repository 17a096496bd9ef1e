package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	pricingdomain "github.com/gridpulse/creditledger/internal/pricing/domain"
	"gorm.io/gorm"
)

var defaultPricingRules = []pricingdomain.PricingRule{
	{FeatureType: "rank_check", RuleKey: pricingdomain.DefaultRuleKey, CreditCost: 5, Description: "single keyword rank check", IsActive: true},
	{FeatureType: "geogrid_check", RuleKey: pricingdomain.DefaultRuleKey, CreditCost: 10, Description: "geo-grid probe base cost", IsActive: true},
	{FeatureType: "llm_visibility", RuleKey: pricingdomain.DefaultRuleKey, CreditCost: 15, Description: "LLM visibility scan", IsActive: true},
}

var defaultCreditPacks = []pricingdomain.CreditPack{
	{Name: "Starter", Credits: 100, PriceCents: 900, IsActive: true, DisplayOrder: 1},
	{Name: "Growth", Credits: 250, PriceCents: 1900, IsActive: true, DisplayOrder: 2},
	{Name: "Scale", Credits: 1000, PriceCents: 5900, IsActive: true, DisplayOrder: 3},
}

var defaultTierCredits = []pricingdomain.TierCredits{
	{Tier: "free", MonthlyCredits: 0},
	{Tier: "starter", MonthlyCredits: 100},
	{Tier: "pro", MonthlyCredits: 500},
	{Tier: "scale", MonthlyCredits: 2000},
}

// EnsureDefaults installs the default pricing rules, credit packs and tier
// allowances. Existing rows are left untouched so operators can tune them.
func EnsureDefaults(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensurePricingRules(ctx, tx, node); err != nil {
			return err
		}
		if err := ensureCreditPacks(ctx, tx, node); err != nil {
			return err
		}
		return ensureTierCredits(ctx, tx)
	})
}

func ensurePricingRules(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	for _, rule := range defaultPricingRules {
		var existing pricingdomain.PricingRule
		err := tx.WithContext(ctx).
			Where("feature_type = ? AND rule_key = ?", rule.FeatureType, rule.RuleKey).
			First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		rule.ID = node.Generate()
		if err := tx.WithContext(ctx).Create(&rule).Error; err != nil {
			return err
		}
	}
	return nil
}

func ensureCreditPacks(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	for _, pack := range defaultCreditPacks {
		var existing pricingdomain.CreditPack
		err := tx.WithContext(ctx).
			Where("name = ?", pack.Name).
			First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		pack.ID = node.Generate()
		if err := tx.WithContext(ctx).Create(&pack).Error; err != nil {
			return err
		}
	}
	return nil
}

func ensureTierCredits(ctx context.Context, tx *gorm.DB) error {
	for _, tier := range defaultTierCredits {
		var existing pricingdomain.TierCredits
		err := tx.WithContext(ctx).
			Where("tier = ?", tier.Tier).
			First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.WithContext(ctx).Create(&tier).Error; err != nil {
			return err
		}
	}
	return nil
}
