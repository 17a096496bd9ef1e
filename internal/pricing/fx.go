package pricing

import (
	pricingdomain "github.com/gridpulse/creditledger/internal/pricing/domain"
	"github.com/gridpulse/creditledger/internal/pricing/service"
	"github.com/gridpulse/creditledger/pkg/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("pricing.service",
	fx.Provide(repository.ProvideStore[pricingdomain.PricingRule]),
	fx.Provide(repository.ProvideStore[pricingdomain.CreditPack]),
	fx.Provide(repository.ProvideStore[pricingdomain.TierCredits]),
	fx.Provide(service.NewService),
)
