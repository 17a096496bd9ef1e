package balance

import (
	"github.com/gridpulse/creditledger/internal/balance/service"
	ledgerdomain "github.com/gridpulse/creditledger/internal/ledger/domain"
	"github.com/gridpulse/creditledger/pkg/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("balance.service",
	fx.Provide(repository.ProvideStore[ledgerdomain.CreditBalance]),
	fx.Provide(service.NewService),
)
