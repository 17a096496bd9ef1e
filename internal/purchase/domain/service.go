package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/gridpulse/creditledger/internal/ledger/domain"
)

var (
	ErrMissingSessionID = errors.New("missing_session_id")
	ErrSessionUnpaid    = errors.New("session_unpaid")
	ErrUnknownPack      = errors.New("unknown_credit_pack")
)

// RecordCheckoutRequest records a completed checkout session as purchased
// credits. The session ID doubles as the idempotency key, so replayed
// webhooks and retried recordings credit the account at most once.
type RecordCheckoutRequest struct {
	AccountID snowflake.ID
	SessionID string
	Actor     string
}

type Service interface {
	// RecordCheckoutSession credits the purchased pool from a paid checkout
	// session. Returns (nil, nil) when the session was already recorded.
	RecordCheckoutSession(ctx context.Context, req RecordCheckoutRequest) (*ledgerdomain.LedgerEntry, error)
}
