package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidFeatureType = errors.New("invalid_feature_type")
	ErrInvalidTier        = errors.New("invalid_tier")
)

// CreditCheck is the read-only pre-flight answer for "can this account
// afford cost". It never mutates the ledger.
type CreditCheck struct {
	HasCredits bool
	Required   int64
	Available  int64
}

type Service interface {
	// GetFeatureCost resolves the cost of a feature run. Missing rules fall
	// back to the caller-supplied fallback, then to operator config.
	GetFeatureCost(ctx context.Context, featureType, ruleKey string, fallback int64) (int64, error)
	GetPricingRules(ctx context.Context, featureType string) ([]*PricingRule, error)
	GetCreditPacks(ctx context.Context) ([]*CreditPack, error)
	// GetTierCredits resolves the monthly included-credit allowance. Unknown
	// tiers resolve to zero, never to an error.
	GetTierCredits(ctx context.Context, tier string) (int64, error)
	CheckCredits(ctx context.Context, accountID snowflake.ID, cost int64) (*CreditCheck, error)
}
