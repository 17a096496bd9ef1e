package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gridpulse/creditledger/internal/config"
	ledgerdomain "github.com/gridpulse/creditledger/internal/ledger/domain"
	pricingdomain "github.com/gridpulse/creditledger/internal/pricing/domain"
	purchasedomain "github.com/gridpulse/creditledger/internal/purchase/domain"
	"github.com/gridpulse/creditledger/pkg/repository"
	"github.com/stripe/stripe-go/v76"
	checkoutsession "github.com/stripe/stripe-go/v76/checkout/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// SessionRetriever fetches a checkout session from the payment provider.
type SessionRetriever interface {
	Get(id string) (*stripe.CheckoutSession, error)
}

type stripeSessionRetriever struct{}

func (stripeSessionRetriever) Get(id string) (*stripe.CheckoutSession, error) {
	return checkoutsession.Get(id, &stripe.CheckoutSessionParams{})
}

// NewStripeSessionRetriever configures the global stripe client key and
// returns the live retriever.
func NewStripeSessionRetriever(cfg config.Config) SessionRetriever {
	if cfg.StripeSecretKey != "" {
		stripe.Key = cfg.StripeSecretKey
	}
	return stripeSessionRetriever{}
}

type Params struct {
	fx.In

	Log       *zap.Logger
	LedgerSvc ledgerdomain.Service
	Packs     repository.Repository[pricingdomain.CreditPack]
	Sessions  SessionRetriever
}

type Service struct {
	log       *zap.Logger
	ledgerSvc ledgerdomain.Service
	packs     repository.Repository[pricingdomain.CreditPack]
	sessions  SessionRetriever
}

func NewService(p Params) purchasedomain.Service {
	return &Service{
		log:       p.Log.Named("purchase.service"),
		ledgerSvc: p.LedgerSvc,
		packs:     p.Packs,
		sessions:  p.Sessions,
	}
}

func (s *Service) RecordCheckoutSession(ctx context.Context, req purchasedomain.RecordCheckoutRequest) (*ledgerdomain.LedgerEntry, error) {
	if req.AccountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return nil, purchasedomain.ErrMissingSessionID
	}

	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("retrieve checkout session %s: %w", sessionID, err)
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, purchasedomain.ErrSessionUnpaid
	}

	credits, err := s.resolveCredits(ctx, session)
	if err != nil {
		return nil, err
	}

	entry, err := s.ledgerSvc.Credit(ctx, ledgerdomain.CreditRequest{
		AccountID:       req.AccountID,
		Amount:          credits,
		CreditType:      ledgerdomain.CreditTypePurchased,
		TransactionType: ledgerdomain.TransactionTypePurchase,
		IdempotencyKey:  session.ID,
		StripeSessionID: session.ID,
		StripeInvoiceID: invoiceID(session),
		StripeChargeID:  paymentIntentID(session),
		Description:     "credit pack purchase",
		Actor:           req.Actor,
	})
	if err != nil {
		var idemErr *ledgerdomain.IdempotencyError
		if errors.As(err, &idemErr) {
			s.log.Info("checkout session already recorded",
				zap.String("session_id", session.ID),
				zap.String("account_id", req.AccountID.String()),
			)
			return nil, nil
		}
		return nil, err
	}

	s.log.Info("purchase recorded",
		zap.String("account_id", req.AccountID.String()),
		zap.String("session_id", session.ID),
		zap.Int64("credits", credits),
	)
	return entry, nil
}

// resolveCredits maps the session to a credit amount, preferring explicit
// metadata, then the credit pack referenced by metadata.
func (s *Service) resolveCredits(ctx context.Context, session *stripe.CheckoutSession) (int64, error) {
	if raw, ok := session.Metadata["credits"]; ok {
		credits, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || credits <= 0 {
			return 0, fmt.Errorf("invalid credits metadata %q on session %s", raw, session.ID)
		}
		return credits, nil
	}

	if packID, ok := session.Metadata["credit_pack_id"]; ok {
		id, err := snowflake.ParseString(strings.TrimSpace(packID))
		if err != nil {
			return 0, fmt.Errorf("invalid credit_pack_id %q on session %s", packID, session.ID)
		}
		pack, err := s.packs.FindOne(ctx, &pricingdomain.CreditPack{ID: id})
		if err != nil {
			return 0, err
		}
		if pack == nil {
			return 0, purchasedomain.ErrUnknownPack
		}
		return pack.Credits, nil
	}

	// Sessions created without metadata still resolve through the provider
	// price on their line items.
	if session.LineItems != nil {
		for _, item := range session.LineItems.Data {
			if item.Price == nil {
				continue
			}
			pack, err := s.packs.FindOne(ctx, &pricingdomain.CreditPack{ProviderPriceID: item.Price.ID})
			if err != nil {
				return 0, err
			}
			if pack != nil {
				quantity := item.Quantity
				if quantity < 1 {
					quantity = 1
				}
				return pack.Credits * quantity, nil
			}
		}
	}

	return 0, purchasedomain.ErrUnknownPack
}

func invoiceID(session *stripe.CheckoutSession) string {
	if session.Invoice == nil {
		return ""
	}
	return session.Invoice.ID
}

func paymentIntentID(session *stripe.CheckoutSession) string {
	if session.PaymentIntent == nil {
		return ""
	}
	return session.PaymentIntent.ID
}
