package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Balance is the read model for an account's two credit pools. Absence of a
// stored row is a valid state and resolves to a zero-valued balance.
type Balance struct {
	AccountID               snowflake.ID
	IncludedCredits         int64
	PurchasedCredits        int64
	IncludedCreditsExpireAt *time.Time
	LastMonthlyGrantAt      *time.Time
	TotalCredits            int64
}

type Service interface {
	// GetBalance returns the current balance, zero-valued when no row exists.
	GetBalance(ctx context.Context, accountID snowflake.ID) (*Balance, error)
	// EnsureExists upserts an empty balance row if absent so later mutations
	// always have a row to update.
	EnsureExists(ctx context.Context, accountID snowflake.ID) error
}
