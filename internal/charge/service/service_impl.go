package service

import (
	"context"
	"errors"

	balancedomain "github.com/gridpulse/creditledger/internal/balance/domain"
	chargedomain "github.com/gridpulse/creditledger/internal/charge/domain"
	ledgerdomain "github.com/gridpulse/creditledger/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrMissingOperation = errors.New("missing_operation")

type Params struct {
	fx.In

	Log        *zap.Logger
	LedgerSvc  ledgerdomain.Service
	BalanceSvc balancedomain.Service
}

type Service struct {
	log        *zap.Logger
	ledgerSvc  ledgerdomain.Service
	balanceSvc balancedomain.Service
}

func NewService(p Params) chargedomain.Service {
	return &Service{
		log:        p.Log.Named("charge.service"),
		ledgerSvc:  p.LedgerSvc,
		balanceSvc: p.BalanceSvc,
	}
}

// WithCredits runs the guarded-operation state machine: a non-authoritative
// balance check, the authoritative debit, the caller's operation, and a
// compensating refund when the operation fails. The refund's own failure is
// logged and swallowed so it never masks the original error.
func (s *Service) WithCredits(ctx context.Context, req chargedomain.Request) (*chargedomain.Result, error) {
	if req.AccountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if req.Operation == nil {
		return nil, ErrMissingOperation
	}

	if req.CreditCost <= 0 {
		return s.runFree(ctx, req)
	}

	balance, err := s.balanceSvc.GetBalance(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if balance.TotalCredits < req.CreditCost {
		return insufficientResult(req.CreditCost, balance.TotalCredits), nil
	}

	_, err = s.ledgerSvc.Debit(ctx, ledgerdomain.DebitRequest{
		AccountID:       req.AccountID,
		Amount:          req.CreditCost,
		FeatureType:     req.FeatureType,
		FeatureMetadata: req.FeatureMetadata,
		IdempotencyKey:  req.IdempotencyKey,
		Description:     req.Description,
		Actor:           req.UserID,
	})
	if err != nil {
		var insuffErr *ledgerdomain.InsufficientCreditsError
		if errors.As(err, &insuffErr) {
			return insufficientResult(insuffErr.Required, insuffErr.Available), nil
		}
		return nil, err
	}

	data, opErr := req.Operation(ctx)
	if opErr != nil {
		s.refund(ctx, req, opErr)
		return nil, opErr
	}

	after, err := s.balanceSvc.GetBalance(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	return &chargedomain.Result{
		Success:          true,
		Data:             data,
		CreditsDebited:   req.CreditCost,
		CreditsRemaining: after.TotalCredits,
	}, nil
}

func (s *Service) runFree(ctx context.Context, req chargedomain.Request) (*chargedomain.Result, error) {
	data, opErr := req.Operation(ctx)
	if opErr != nil {
		return nil, opErr
	}
	balance, err := s.balanceSvc.GetBalance(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	return &chargedomain.Result{
		Success:          true,
		Data:             data,
		CreditsRemaining: balance.TotalCredits,
	}, nil
}

func (s *Service) refund(ctx context.Context, req chargedomain.Request, opErr error) {
	_, refundErr := s.ledgerSvc.RefundFeature(ctx, ledgerdomain.RefundRequest{
		AccountID:              req.AccountID,
		Amount:                 req.CreditCost,
		OriginalIdempotencyKey: req.IdempotencyKey,
		FeatureType:            req.FeatureType,
		FeatureMetadata:        req.FeatureMetadata,
		Description:            "refund for failed " + req.FeatureType,
		Actor:                  req.UserID,
	})
	if refundErr == nil {
		return
	}
	var idemErr *ledgerdomain.IdempotencyError
	if errors.As(refundErr, &idemErr) {
		return
	}
	s.log.Error("refund failed after operation error",
		zap.String("account_id", req.AccountID.String()),
		zap.String("feature_type", req.FeatureType),
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.NamedError("operation_error", opErr),
		zap.Error(refundErr),
	)
}

func insufficientResult(required, available int64) *chargedomain.Result {
	return &chargedomain.Result{
		Success:          false,
		Error:            "insufficient credits",
		ErrorCode:        chargedomain.CodeInsufficientCredits,
		CreditsRemaining: available,
	}
}
