package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrInvalidAccount         = errors.New("invalid_account")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidCreditType      = errors.New("invalid_credit_type")
	ErrInvalidTransactionType = errors.New("invalid_transaction_type")
	ErrMissingIdempotencyKey  = errors.New("missing_idempotency_key")
)

// IdempotencyError signals a retried or duplicate request. Callers should
// treat it as "already applied", not as a hard failure.
type IdempotencyError struct {
	Key string
}

func (e *IdempotencyError) Error() string {
	return fmt.Sprintf("ledger entry already exists for idempotency key %q", e.Key)
}

// InsufficientCreditsError is the recoverable, user-facing rejection of a
// debit that would overdraw the account. No mutation occurs.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// DebitRequest removes credits for a priced feature run. Included credits are
// consumed before purchased credits.
type DebitRequest struct {
	AccountID       snowflake.ID
	Amount          int64
	FeatureType     string
	FeatureMetadata datatypes.JSONMap
	IdempotencyKey  string
	Description     string
	Actor           string
}

// CreditRequest adds credits to exactly one pool.
type CreditRequest struct {
	AccountID       snowflake.ID
	Amount          int64
	CreditType      CreditType
	TransactionType TransactionType
	IdempotencyKey  string
	StripeSessionID string
	StripeInvoiceID string
	StripeChargeID  string
	Description     string
	Actor           string
}

// RefundRequest compensates a failed feature run. The refund always lands in
// the purchased pool so it never silently expires.
type RefundRequest struct {
	AccountID              snowflake.ID
	Amount                 int64
	OriginalIdempotencyKey string
	FeatureType            string
	FeatureMetadata        datatypes.JSONMap
	Description            string
	Actor                  string
}

// ListRequest filters the paginated ledger read-back. Pages are cursor-based
// by default; a non-zero Offset selects classic limit/offset paging instead.
type ListRequest struct {
	AccountID       snowflake.ID
	Limit           int
	Offset          int
	PageToken       string
	FeatureType     string
	TransactionType TransactionType
}

// ListResponse carries one page of entries plus the unpaginated total.
// NextPageToken resumes a cursor walk; it is empty on offset pages.
type ListResponse struct {
	Entries       []*LedgerEntry
	Total         int64
	NextPageToken string
	HasMore       bool
}

// Service appends immutable signed entries and keeps the cached balance row
// consistent with their running sum.
type Service interface {
	Debit(ctx context.Context, req DebitRequest) ([]*LedgerEntry, error)
	Credit(ctx context.Context, req CreditRequest) (*LedgerEntry, error)
	RefundFeature(ctx context.Context, req RefundRequest) (*LedgerEntry, error)
	ExpireIncluded(ctx context.Context, accountID snowflake.ID, idempotencyKey, actor string) (*LedgerEntry, error)
	List(ctx context.Context, req ListRequest) (*ListResponse, error)
}
