package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/gridpulse/creditledger/internal/account/domain"
	balancedomain "github.com/gridpulse/creditledger/internal/balance/domain"
	"github.com/gridpulse/creditledger/internal/clock"
	"github.com/gridpulse/creditledger/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       repository.Repository[accountdomain.Account]
	BalanceSvc balancedomain.Service
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       repository.Repository[accountdomain.Account]
	balanceSvc balancedomain.Service
}

func NewService(p Params) accountdomain.Service {
	return &Service{
		log:        p.Log.Named("account.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		balanceSvc: p.BalanceSvc,
	}
}

func (s *Service) Create(ctx context.Context, req accountdomain.CreateRequest) (*accountdomain.Account, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, accountdomain.ErrInvalidName
	}
	tier := strings.TrimSpace(req.Tier)
	if tier == "" {
		return nil, accountdomain.ErrInvalidTier
	}

	now := s.clock.Now()
	account := &accountdomain.Account{
		ID:        s.genID.Generate(),
		Name:      name,
		Tier:      tier,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, account); err != nil {
		return nil, err
	}

	// A balance row from day one keeps first debits off the lazy-create path.
	if err := s.balanceSvc.EnsureExists(ctx, account.ID); err != nil {
		s.log.Warn("failed to provision balance row for new account",
			zap.String("account_id", account.ID.String()),
			zap.Error(err),
		)
	}

	s.log.Info("account created",
		zap.String("account_id", account.ID.String()),
		zap.String("tier", tier),
	)
	return account, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*accountdomain.Account, error) {
	if id == 0 {
		return nil, accountdomain.ErrAccountNotFound
	}
	account, err := s.repo.FindOne(ctx, &accountdomain.Account{ID: id})
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) GetTier(ctx context.Context, id snowflake.ID) (string, error) {
	account, err := s.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return account.Tier, nil
}

func (s *Service) UpdateTier(ctx context.Context, id snowflake.ID, tier string) error {
	tier = strings.TrimSpace(tier)
	if tier == "" {
		return accountdomain.ErrInvalidTier
	}
	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}
	return s.repo.Update(ctx, id.String(), map[string]any{
		"tier":       tier,
		"updated_at": s.clock.Now(),
	})
}

func (s *Service) ListActive(ctx context.Context) ([]*accountdomain.Account, error) {
	return s.repo.Find(ctx, &accountdomain.Account{IsActive: true})
}
