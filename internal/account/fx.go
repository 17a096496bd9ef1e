package account

import (
	accountdomain "github.com/gridpulse/creditledger/internal/account/domain"
	"github.com/gridpulse/creditledger/internal/account/service"
	"github.com/gridpulse/creditledger/pkg/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("account.service",
	fx.Provide(repository.ProvideStore[accountdomain.Account]),
	fx.Provide(service.NewService),
)
