package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/gridpulse/creditledger/internal/observability/metrics"
	"gorm.io/gorm"
)

type WorkAccount struct {
	ID   snowflake.ID
	Tier string
}

type WorkBalance struct {
	AccountID       snowflake.ID
	IncludedCredits int64
}

// fetchAccountsForGrant claims active accounts whose balance row has not been
// granted this month yet. Accounts without a balance row are claimed too; the
// ledger creates the row on first grant. Tiers without a positive allowance
// are excluded up front so they never occupy a batch slot.
func (s *Scheduler) fetchAccountsForGrant(ctx context.Context, tx *gorm.DB, monthStart time.Time, limit int) ([]WorkAccount, error) {
	var accounts []WorkAccount
	schedMetrics := obsmetrics.Scheduler()
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT a.id, a.tier
		 FROM accounts a
		 JOIN credit_included_by_tier t ON t.tier = a.tier
		 LEFT JOIN credit_balances b ON b.account_id = a.id
		 WHERE a.is_active = ?
		   AND t.monthly_credits > 0
		   AND (b.last_monthly_grant_at IS NULL OR b.last_monthly_grant_at < ?)
		 ORDER BY a.id
		 LIMIT ?`+s.skipLockedClause("a"),
		true,
		monthStart,
		limit,
	).Scan(&accounts).Error
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceAccountsForGrant, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// fetchBalancesForExpiry claims balance rows whose included pool is past its
// expiry stamp.
func (s *Scheduler) fetchBalancesForExpiry(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]WorkBalance, error) {
	var balances []WorkBalance
	schedMetrics := obsmetrics.Scheduler()
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT account_id, included_credits
		 FROM credit_balances
		 WHERE included_credits > 0
		   AND included_credits_expire_at IS NOT NULL
		   AND included_credits_expire_at <= ?
		 ORDER BY account_id
		 LIMIT ?`+s.skipLockedClause(""),
		now,
		limit,
	).Scan(&balances).Error
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceBalancesForExpiry, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return balances, nil
}

// skipLockedClause keeps concurrent workers off the same claim batch. SQLite
// has no row locks and a single writer, so it gets a plain select.
func (s *Scheduler) skipLockedClause(of string) string {
	switch s.db.Dialector.Name() {
	case "postgres", "mysql":
		if of != "" {
			return " FOR UPDATE OF " + of + " SKIP LOCKED"
		}
		return " FOR UPDATE SKIP LOCKED"
	default:
		return ""
	}
}
