package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// CreditType identifies which balance pool a ledger entry moved.
type CreditType string

const (
	CreditTypeIncluded  CreditType = "included"
	CreditTypePurchased CreditType = "purchased"
)

// TransactionType classifies why credits moved.
type TransactionType string

const (
	TransactionTypeMonthlyGrant  TransactionType = "monthly_grant"
	TransactionTypeMonthlyExpire TransactionType = "monthly_expire"
	TransactionTypePurchase      TransactionType = "purchase"
	TransactionTypeRefund        TransactionType = "refund"
	TransactionTypeFeatureDebit  TransactionType = "feature_debit"
	TransactionTypeFeatureRefund TransactionType = "feature_refund"
	TransactionTypeManualAdjust  TransactionType = "manual_adjust"
	TransactionTypePromoGrant    TransactionType = "promo_grant"
)

// ValidTransactionType reports whether t is a known transaction type.
func ValidTransactionType(t TransactionType) bool {
	switch t {
	case TransactionTypeMonthlyGrant,
		TransactionTypeMonthlyExpire,
		TransactionTypePurchase,
		TransactionTypeRefund,
		TransactionTypeFeatureDebit,
		TransactionTypeFeatureRefund,
		TransactionTypeManualAdjust,
		TransactionTypePromoGrant:
		return true
	default:
		return false
	}
}

// CreditBalance caches the two credit pools for an account. It is upserted on
// every mutation and equals the running sum of the account's ledger entries.
type CreditBalance struct {
	AccountID               snowflake.ID `gorm:"primaryKey;column:account_id"`
	IncludedCredits         int64        `gorm:"not null;default:0"`
	PurchasedCredits        int64        `gorm:"not null;default:0"`
	IncludedCreditsExpireAt *time.Time
	LastMonthlyGrantAt      *time.Time
	UpdatedAt               time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditBalance) TableName() string { return "credit_balances" }

// TotalCredits returns the spendable balance across both pools.
func (b CreditBalance) TotalCredits() int64 {
	return b.IncludedCredits + b.PurchasedCredits
}

// LedgerEntry is an immutable signed record of a single pool mutation.
// Negative amounts are debits, positive amounts are credits.
type LedgerEntry struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	AccountID       snowflake.ID      `gorm:"not null;index"`
	Amount          int64             `gorm:"not null"`
	BalanceAfter    int64             `gorm:"not null"`
	CreditType      CreditType        `gorm:"type:text;not null"`
	TransactionType TransactionType   `gorm:"type:text;not null;index"`
	FeatureType     string            `gorm:"type:text;index"`
	FeatureMetadata datatypes.JSONMap `gorm:"column:feature_metadata"`
	IdempotencyKey  *string           `gorm:"uniqueIndex:ux_credit_ledger_idempotency_key"`
	StripeSessionID string            `gorm:"type:text"`
	StripeInvoiceID string            `gorm:"type:text"`
	StripeChargeID  string            `gorm:"type:text"`
	Description     string            `gorm:"type:text"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	CreatedBy       string            `gorm:"type:text"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "credit_ledger" }

// IncludedKey derives the per-pool idempotency key for the included half of a
// split debit.
func IncludedKey(key string) string { return key + ":included" }

// PurchasedKey derives the per-pool idempotency key for the purchased half of
// a split debit.
func PurchasedKey(key string) string { return key + ":purchased" }

// RefundKey derives the idempotency key for the compensating refund of a
// debited operation. One refund per original key, ever.
func RefundKey(key string) string { return key + ":refund" }
