package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// CodeInsufficientCredits is the user-facing error code returned when an
// account cannot afford a priced feature run.
const CodeInsufficientCredits = 402

// Operation is the priced feature itself, supplied by the caller. When an
// operation wraps several independently-failing sub-checks, it must only
// return an error when the aggregate result is a total loss; a partial
// failure keeps the charge.
type Operation func(ctx context.Context) (any, error)

// Request describes one guarded feature run. IdempotencyKey must be globally
// unique per logical operation; the convention is feature:accountId:operationId.
type Request struct {
	AccountID       snowflake.ID
	UserID          string
	FeatureType     string
	CreditCost      int64
	IdempotencyKey  string
	Description     string
	FeatureMetadata datatypes.JSONMap
	Operation       Operation
}

// Result reports the outcome of a guarded feature run.
type Result struct {
	Success          bool
	Data             any
	Error            string
	ErrorCode        int
	CreditsDebited   int64
	CreditsRemaining int64
}

// Service wraps a priced feature call with check, debit, execute and
// compensate semantics.
type Service interface {
	WithCredits(ctx context.Context, req Request) (*Result, error)
}
