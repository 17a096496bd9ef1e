package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/gridpulse/creditledger/internal/balance/domain"
	"github.com/gridpulse/creditledger/internal/config"
	pricingdomain "github.com/gridpulse/creditledger/internal/pricing/domain"
	"github.com/gridpulse/creditledger/pkg/db/option"
	"github.com/gridpulse/creditledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	BalanceSvc balancedomain.Service
	Rules      repository.Repository[pricingdomain.PricingRule]
	Packs      repository.Repository[pricingdomain.CreditPack]
	Tiers      repository.Repository[pricingdomain.TierCredits]
	PricingCfg *config.PricingConfigHolder `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	balanceSvc balancedomain.Service
	rules      repository.Repository[pricingdomain.PricingRule]
	packs      repository.Repository[pricingdomain.CreditPack]
	tiers      repository.Repository[pricingdomain.TierCredits]
	pricingCfg *config.PricingConfigHolder
}

func NewService(p Params) pricingdomain.Service {
	return &Service{
		log:        p.Log.Named("pricing.service"),
		balanceSvc: p.BalanceSvc,
		rules:      p.Rules,
		packs:      p.Packs,
		tiers:      p.Tiers,
		pricingCfg: p.PricingCfg,
	}
}

func (s *Service) GetFeatureCost(ctx context.Context, featureType, ruleKey string, fallback int64) (int64, error) {
	featureType = strings.TrimSpace(featureType)
	if featureType == "" {
		return 0, pricingdomain.ErrInvalidFeatureType
	}
	ruleKey = strings.TrimSpace(ruleKey)
	if ruleKey == "" {
		ruleKey = pricingdomain.DefaultRuleKey
	}

	rule, err := s.rules.FindOne(ctx, &pricingdomain.PricingRule{
		FeatureType: featureType,
		RuleKey:     ruleKey,
		IsActive:    true,
	})
	if err != nil {
		return 0, err
	}
	if rule != nil {
		return rule.CreditCost, nil
	}

	if fallback > 0 {
		return fallback, nil
	}
	if s.pricingCfg != nil {
		if cost, ok := s.pricingCfg.Get().FallbackCosts[featureType]; ok {
			return cost, nil
		}
	}

	s.log.Warn("no pricing rule or fallback for feature",
		zap.String("feature_type", featureType),
		zap.String("rule_key", ruleKey),
	)
	return 0, nil
}

func (s *Service) GetPricingRules(ctx context.Context, featureType string) ([]*pricingdomain.PricingRule, error) {
	featureType = strings.TrimSpace(featureType)
	if featureType == "" {
		return nil, pricingdomain.ErrInvalidFeatureType
	}
	return s.rules.Find(ctx, &pricingdomain.PricingRule{FeatureType: featureType, IsActive: true})
}

func (s *Service) GetCreditPacks(ctx context.Context) ([]*pricingdomain.CreditPack, error) {
	return s.packs.Find(ctx, &pricingdomain.CreditPack{IsActive: true},
		option.WithSortBy(option.WithQuerySortBy("display_order", "ASC", map[string]bool{"display_order": true})),
	)
}

func (s *Service) GetTierCredits(ctx context.Context, tier string) (int64, error) {
	tier = strings.TrimSpace(tier)
	if tier == "" {
		return 0, pricingdomain.ErrInvalidTier
	}

	row, err := s.tiers.FindOne(ctx, &pricingdomain.TierCredits{Tier: tier})
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}
	return row.MonthlyCredits, nil
}

func (s *Service) CheckCredits(ctx context.Context, accountID snowflake.ID, cost int64) (*pricingdomain.CreditCheck, error) {
	balance, err := s.balanceSvc.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &pricingdomain.CreditCheck{
		HasCredits: balance.TotalCredits >= cost,
		Required:   cost,
		Available:  balance.TotalCredits,
	}, nil
}
