package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/gridpulse/creditledger/internal/balance/domain"
	"github.com/gridpulse/creditledger/internal/clock"
	ledgerdomain "github.com/gridpulse/creditledger/internal/ledger/domain"
	"github.com/gridpulse/creditledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  repository.Repository[ledgerdomain.CreditBalance]
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  repository.Repository[ledgerdomain.CreditBalance]
}

func NewService(p Params) balancedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("balance.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) GetBalance(ctx context.Context, accountID snowflake.ID) (*balancedomain.Balance, error) {
	if accountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}

	row, err := s.repo.FindOne(ctx, &ledgerdomain.CreditBalance{AccountID: accountID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return &balancedomain.Balance{AccountID: accountID}, nil
	}

	return &balancedomain.Balance{
		AccountID:               row.AccountID,
		IncludedCredits:         row.IncludedCredits,
		PurchasedCredits:        row.PurchasedCredits,
		IncludedCreditsExpireAt: row.IncludedCreditsExpireAt,
		LastMonthlyGrantAt:      row.LastMonthlyGrantAt,
		TotalCredits:            row.TotalCredits(),
	}, nil
}

func (s *Service) EnsureExists(ctx context.Context, accountID snowflake.ID) error {
	if accountID == 0 {
		return ledgerdomain.ErrInvalidAccount
	}

	now := s.clock.Now()
	switch s.db.Dialector.Name() {
	case "mysql":
		return s.db.WithContext(ctx).Exec(
			`INSERT IGNORE INTO credit_balances (account_id, included_credits, purchased_credits, updated_at)
			VALUES (?, 0, 0, ?)`,
			accountID, now,
		).Error
	default:
		return s.db.WithContext(ctx).Exec(
			`INSERT INTO credit_balances (account_id, included_credits, purchased_credits, updated_at)
			VALUES (?, 0, 0, ?)
			ON CONFLICT (account_id) DO NOTHING`,
			accountID, now,
		).Error
	}
}
