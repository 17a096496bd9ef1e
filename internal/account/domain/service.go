package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidName     = errors.New("invalid_name")
	ErrInvalidTier     = errors.New("invalid_tier")
	ErrAccountNotFound = errors.New("account_not_found")
)

type CreateRequest struct {
	Name string
	Tier string
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Account, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Account, error)
	// GetTier resolves the account's tier, failing with ErrAccountNotFound
	// for unknown accounts.
	GetTier(ctx context.Context, id snowflake.ID) (string, error)
	UpdateTier(ctx context.Context, id snowflake.ID, tier string) error
	ListActive(ctx context.Context) ([]*Account, error)
}
