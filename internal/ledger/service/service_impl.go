package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gridpulse/creditledger/internal/actorcontext"
	"github.com/gridpulse/creditledger/internal/clock"
	ledgerdomain "github.com/gridpulse/creditledger/internal/ledger/domain"
	obsmetrics "github.com/gridpulse/creditledger/internal/observability/metrics"
	pkgdb "github.com/gridpulse/creditledger/pkg/db"
	"github.com/gridpulse/creditledger/pkg/db/option"
	"github.com/gridpulse/creditledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

// Debit removes credits for a priced feature run. The balance read, the entry
// inserts and the balance upsert run inside one transaction with the balance
// row locked, so concurrent debits cannot jointly overdraw an account.
func (s *Service) Debit(ctx context.Context, req ledgerdomain.DebitRequest) ([]*ledgerdomain.LedgerEntry, error) {
	if req.AccountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, ledgerdomain.ErrMissingIdempotencyKey
	}

	actor := req.Actor
	if actor == "" {
		actor = actorcontext.ActorOrDefault(ctx, "system")
	}

	var entries []*ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := s.entryExists(ctx, tx, key, ledgerdomain.IncludedKey(key), ledgerdomain.PurchasedKey(key))
		if err != nil {
			return err
		}
		if exists {
			return &ledgerdomain.IdempotencyError{Key: key}
		}

		balance, err := s.lockBalance(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}

		total := balance.TotalCredits()
		if total < req.Amount {
			return &ledgerdomain.InsufficientCreditsError{Required: req.Amount, Available: total}
		}

		includedDebit := balance.IncludedCredits
		if includedDebit > req.Amount {
			includedDebit = req.Amount
		}
		purchasedDebit := req.Amount - includedDebit

		now := s.clock.Now()
		split := includedDebit > 0 && purchasedDebit > 0

		running := total
		if includedDebit > 0 {
			entryKey := key
			if split {
				entryKey = ledgerdomain.IncludedKey(key)
			}
			running -= includedDebit
			entries = append(entries, &ledgerdomain.LedgerEntry{
				ID:              s.genID.Generate(),
				AccountID:       req.AccountID,
				Amount:          -includedDebit,
				BalanceAfter:    running,
				CreditType:      ledgerdomain.CreditTypeIncluded,
				TransactionType: ledgerdomain.TransactionTypeFeatureDebit,
				FeatureType:     req.FeatureType,
				FeatureMetadata: req.FeatureMetadata,
				IdempotencyKey:  &entryKey,
				Description:     req.Description,
				CreatedAt:       now,
				CreatedBy:       actor,
			})
		}
		if purchasedDebit > 0 {
			entryKey := key
			if split {
				entryKey = ledgerdomain.PurchasedKey(key)
			}
			running -= purchasedDebit
			entries = append(entries, &ledgerdomain.LedgerEntry{
				ID:              s.genID.Generate(),
				AccountID:       req.AccountID,
				Amount:          -purchasedDebit,
				BalanceAfter:    running,
				CreditType:      ledgerdomain.CreditTypePurchased,
				TransactionType: ledgerdomain.TransactionTypeFeatureDebit,
				FeatureType:     req.FeatureType,
				FeatureMetadata: req.FeatureMetadata,
				IdempotencyKey:  &entryKey,
				Description:     req.Description,
				CreatedAt:       now,
				CreatedBy:       actor,
			})
		}

		for _, entry := range entries {
			if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
				if pkgdb.IsDuplicateKeyErr(err) {
					return &ledgerdomain.IdempotencyError{Key: key}
				}
				return err
			}
		}

		return tx.WithContext(ctx).Model(&ledgerdomain.CreditBalance{}).
			Where("account_id = ?", req.AccountID).
			Updates(map[string]any{
				"included_credits":  balance.IncludedCredits - includedDebit,
				"purchased_credits": balance.PurchasedCredits - purchasedDebit,
				"updated_at":        now,
			}).Error
	})
	if err != nil {
		if _, ok := err.(*ledgerdomain.InsufficientCreditsError); ok && s.obsMetrics != nil {
			s.obsMetrics.RecordInsufficientCredits(ctx, req.FeatureType)
		}
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordDebit(ctx, req.FeatureType, req.Amount)
	}
	s.log.Info("credits debited",
		zap.String("account_id", req.AccountID.String()),
		zap.Int64("amount", req.Amount),
		zap.String("feature_type", req.FeatureType),
		zap.String("idempotency_key", key),
	)
	return entries, nil
}

// Credit adds credits to exactly one pool. A monthly grant to the included
// pool also stamps the grant timestamp and the expiry cutoff, which is the
// first day of the following calendar month.
func (s *Service) Credit(ctx context.Context, req ledgerdomain.CreditRequest) (*ledgerdomain.LedgerEntry, error) {
	if req.AccountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if req.CreditType != ledgerdomain.CreditTypeIncluded && req.CreditType != ledgerdomain.CreditTypePurchased {
		return nil, ledgerdomain.ErrInvalidCreditType
	}
	if !ledgerdomain.ValidTransactionType(req.TransactionType) {
		return nil, ledgerdomain.ErrInvalidTransactionType
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	actor := req.Actor
	if actor == "" {
		actor = actorcontext.ActorOrDefault(ctx, "system")
	}

	var entry *ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if key != "" {
			exists, err := s.entryExists(ctx, tx, key)
			if err != nil {
				return err
			}
			if exists {
				return &ledgerdomain.IdempotencyError{Key: key}
			}
		}

		balance, err := s.lockBalance(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		updates := map[string]any{"updated_at": now}
		if req.CreditType == ledgerdomain.CreditTypeIncluded {
			updates["included_credits"] = balance.IncludedCredits + req.Amount
		} else {
			updates["purchased_credits"] = balance.PurchasedCredits + req.Amount
		}
		if req.TransactionType == ledgerdomain.TransactionTypeMonthlyGrant && req.CreditType == ledgerdomain.CreditTypeIncluded {
			updates["included_credits_expire_at"] = firstOfNextMonth(now)
			updates["last_monthly_grant_at"] = now
		}

		entry = &ledgerdomain.LedgerEntry{
			ID:              s.genID.Generate(),
			AccountID:       req.AccountID,
			Amount:          req.Amount,
			BalanceAfter:    balance.TotalCredits() + req.Amount,
			CreditType:      req.CreditType,
			TransactionType: req.TransactionType,
			IdempotencyKey:  optionalKey(key),
			StripeSessionID: req.StripeSessionID,
			StripeInvoiceID: req.StripeInvoiceID,
			StripeChargeID:  req.StripeChargeID,
			Description:     req.Description,
			CreatedAt:       now,
			CreatedBy:       actor,
		}
		if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
			if pkgdb.IsDuplicateKeyErr(err) {
				return &ledgerdomain.IdempotencyError{Key: key}
			}
			return err
		}

		return tx.WithContext(ctx).Model(&ledgerdomain.CreditBalance{}).
			Where("account_id = ?", req.AccountID).
			Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordGrant(ctx, string(req.TransactionType))
	}
	s.log.Info("credits granted",
		zap.String("account_id", req.AccountID.String()),
		zap.Int64("amount", req.Amount),
		zap.String("credit_type", string(req.CreditType)),
		zap.String("transaction_type", string(req.TransactionType)),
	)
	return entry, nil
}

// RefundFeature lands a compensating credit in the purchased pool under the
// derived `<key>:refund` idempotency key, so a failed operation is refunded
// at most once even under retries.
func (s *Service) RefundFeature(ctx context.Context, req ledgerdomain.RefundRequest) (*ledgerdomain.LedgerEntry, error) {
	if req.AccountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	originalKey := strings.TrimSpace(req.OriginalIdempotencyKey)
	if originalKey == "" {
		return nil, ledgerdomain.ErrMissingIdempotencyKey
	}
	refundKey := ledgerdomain.RefundKey(originalKey)

	actor := req.Actor
	if actor == "" {
		actor = actorcontext.ActorOrDefault(ctx, "system")
	}

	var entry *ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := s.entryExists(ctx, tx, refundKey)
		if err != nil {
			return err
		}
		if exists {
			return &ledgerdomain.IdempotencyError{Key: refundKey}
		}

		balance, err := s.lockBalance(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		entry = &ledgerdomain.LedgerEntry{
			ID:              s.genID.Generate(),
			AccountID:       req.AccountID,
			Amount:          req.Amount,
			BalanceAfter:    balance.TotalCredits() + req.Amount,
			CreditType:      ledgerdomain.CreditTypePurchased,
			TransactionType: ledgerdomain.TransactionTypeFeatureRefund,
			FeatureType:     req.FeatureType,
			FeatureMetadata: req.FeatureMetadata,
			IdempotencyKey:  &refundKey,
			Description:     req.Description,
			CreatedAt:       now,
			CreatedBy:       actor,
		}
		if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
			if pkgdb.IsDuplicateKeyErr(err) {
				return &ledgerdomain.IdempotencyError{Key: refundKey}
			}
			return err
		}

		return tx.WithContext(ctx).Model(&ledgerdomain.CreditBalance{}).
			Where("account_id = ?", req.AccountID).
			Updates(map[string]any{
				"purchased_credits": balance.PurchasedCredits + req.Amount,
				"updated_at":        now,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordRefund(ctx, req.FeatureType)
	}
	s.log.Info("feature refunded",
		zap.String("account_id", req.AccountID.String()),
		zap.Int64("amount", req.Amount),
		zap.String("feature_type", req.FeatureType),
		zap.String("idempotency_key", refundKey),
	)
	return entry, nil
}

// ExpireIncluded zeroes the included pool at the end of its grant window and
// writes the matching monthly_expire entry. Returns nil when there is nothing
// to expire.
func (s *Service) ExpireIncluded(ctx context.Context, accountID snowflake.ID, idempotencyKey, actor string) (*ledgerdomain.LedgerEntry, error) {
	if accountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return nil, ledgerdomain.ErrMissingIdempotencyKey
	}
	if actor == "" {
		actor = actorcontext.ActorOrDefault(ctx, "system")
	}

	var entry *ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := s.entryExists(ctx, tx, key)
		if err != nil {
			return err
		}
		if exists {
			return &ledgerdomain.IdempotencyError{Key: key}
		}

		balance, err := s.lockBalance(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if balance.IncludedCredits == 0 {
			return nil
		}

		now := s.clock.Now()
		entry = &ledgerdomain.LedgerEntry{
			ID:              s.genID.Generate(),
			AccountID:       accountID,
			Amount:          -balance.IncludedCredits,
			BalanceAfter:    balance.PurchasedCredits,
			CreditType:      ledgerdomain.CreditTypeIncluded,
			TransactionType: ledgerdomain.TransactionTypeMonthlyExpire,
			IdempotencyKey:  &key,
			Description:     "monthly included credits expired",
			CreatedAt:       now,
			CreatedBy:       actor,
		}
		if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
			if pkgdb.IsDuplicateKeyErr(err) {
				return &ledgerdomain.IdempotencyError{Key: key}
			}
			return err
		}

		return tx.WithContext(ctx).Model(&ledgerdomain.CreditBalance{}).
			Where("account_id = ?", accountID).
			Updates(map[string]any{
				"included_credits":           int64(0),
				"included_credits_expire_at": nil,
				"updated_at":                 now,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	if entry != nil {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordExpiration(ctx)
		}
		s.log.Info("included credits expired",
			zap.String("account_id", accountID.String()),
			zap.Int64("amount", -entry.Amount),
		)
	}
	return entry, nil
}

// List returns one page of ledger entries, newest first, plus the total row
// count for the same filters. The default walk is cursor-based; a non-zero
// offset without a page token falls back to limit/offset paging.
func (s *Service) List(ctx context.Context, req ledgerdomain.ListRequest) (*ledgerdomain.ListResponse, error) {
	if req.AccountID == 0 {
		return nil, ledgerdomain.ErrInvalidAccount
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	query := s.db.WithContext(ctx).Model(&ledgerdomain.LedgerEntry{}).
		Where("account_id = ?", req.AccountID)
	if featureType := strings.TrimSpace(req.FeatureType); featureType != "" {
		query = query.Where("feature_type = ?", featureType)
	}
	if req.TransactionType != "" {
		if !ledgerdomain.ValidTransactionType(req.TransactionType) {
			return nil, ledgerdomain.ErrInvalidTransactionType
		}
		query = query.Where("transaction_type = ?", req.TransactionType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}
	query = query.Order("created_at DESC").Order("id DESC")

	var entries []*ledgerdomain.LedgerEntry
	if offset > 0 && req.PageToken == "" {
		if err := option.WithLimitOffset(limit, offset).Apply(query).Find(&entries).Error; err != nil {
			return nil, err
		}
		return &ledgerdomain.ListResponse{Entries: entries, Total: total}, nil
	}

	page := option.ApplyPagination(pagination.Pagination{PageToken: req.PageToken, PageSize: limit})
	if err := page.Apply(query).Find(&entries).Error; err != nil {
		return nil, err
	}
	info := pagination.BuildCursorPageInfo(entries, int32(limit), entryCursor)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return &ledgerdomain.ListResponse{
		Entries:       entries,
		Total:         total,
		NextPageToken: info.NextPageToken,
		HasMore:       info.HasMore,
	}, nil
}

func entryCursor(entry *ledgerdomain.LedgerEntry) string {
	token, err := pagination.EncodeCursor(pagination.Cursor{
		ID:        entry.ID.String(),
		CreatedAt: entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return ""
	}
	return token
}

func (s *Service) entryExists(ctx context.Context, tx *gorm.DB, keys ...string) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&ledgerdomain.LedgerEntry{}).
		Where("idempotency_key IN ?", keys).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// lockBalance guarantees a balance row exists and returns it locked for the
// duration of the surrounding transaction. SQLite serializes writers on its
// own, so the explicit row lock applies to postgres and mysql only.
func (s *Service) lockBalance(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (*ledgerdomain.CreditBalance, error) {
	if err := ensureBalanceRow(ctx, tx, accountID, s.clock.Now()); err != nil {
		return nil, err
	}

	query := tx.WithContext(ctx).Where("account_id = ?", accountID)
	switch tx.Dialector.Name() {
	case "postgres", "mysql":
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var balance ledgerdomain.CreditBalance
	if err := query.First(&balance).Error; err != nil {
		return nil, err
	}
	return &balance, nil
}

func ensureBalanceRow(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, now time.Time) error {
	switch tx.Dialector.Name() {
	case "mysql":
		return tx.WithContext(ctx).Exec(
			`INSERT IGNORE INTO credit_balances (account_id, included_credits, purchased_credits, updated_at)
			VALUES (?, 0, 0, ?)`,
			accountID, now,
		).Error
	default:
		return tx.WithContext(ctx).Exec(
			`INSERT INTO credit_balances (account_id, included_credits, purchased_credits, updated_at)
			VALUES (?, 0, 0, ?)
			ON CONFLICT (account_id) DO NOTHING`,
			accountID, now,
		).Error
	}
}

func firstOfNextMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

func optionalKey(key string) *string {
	if key == "" {
		return nil
	}
	return &key
}
