package purchase

import (
	"github.com/gridpulse/creditledger/internal/purchase/service"
	"go.uber.org/fx"
)

var Module = fx.Module("purchase.service",
	fx.Provide(service.NewStripeSessionRetriever),
	fx.Provide(service.NewService),
)
