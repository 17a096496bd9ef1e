package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/gridpulse/creditledger/internal/clock"
	ledgerdomain "github.com/gridpulse/creditledger/internal/ledger/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestDebitSplitsAcrossPools(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, db, _ := setupLedgerService(t, node)
	seedBalance(t, db, accountID, 3, 10)
	ctx := context.Background()

	entries, err := svc.Debit(ctx, ledgerdomain.DebitRequest{
		AccountID:      accountID,
		Amount:         5,
		FeatureType:    "geogrid_check",
		IdempotencyKey: "geogrid:1:run-1",
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	included, purchased := entries[0], entries[1]
	if included.Amount != -3 || included.CreditType != ledgerdomain.CreditTypeIncluded {
		t.Fatalf("unexpected included entry: %+v", included)
	}
	if got := *included.IdempotencyKey; got != "geogrid:1:run-1:included" {
		t.Fatalf("unexpected included key %q", got)
	}
	if included.BalanceAfter != 10 {
		t.Fatalf("expected balance_after 10, got %d", included.BalanceAfter)
	}
	if purchased.Amount != -2 || purchased.CreditType != ledgerdomain.CreditTypePurchased {
		t.Fatalf("unexpected purchased entry: %+v", purchased)
	}
	if got := *purchased.IdempotencyKey; got != "geogrid:1:run-1:purchased" {
		t.Fatalf("unexpected purchased key %q", got)
	}
	if purchased.BalanceAfter != 8 {
		t.Fatalf("expected balance_after 8, got %d", purchased.BalanceAfter)
	}

	balance := readBalance(t, db, accountID)
	if balance.IncludedCredits != 0 || balance.PurchasedCredits != 8 {
		t.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestDebitSinglePoolUsesVerbatimKey(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, db, _ := setupLedgerService(t, node)
	seedBalance(t, db, accountID, 20, 0)

	entries, err := svc.Debit(context.Background(), ledgerdomain.DebitRequest{
		AccountID:      accountID,
		Amount:         5,
		FeatureType:    "rank_check",
		IdempotencyKey: "rank:1:run-1",
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if got := *entries[0].IdempotencyKey; got != "rank:1:run-1" {
		t.Fatalf("expected verbatim key, got %q", got)
	}
}

func TestDebitIdempotencyReplay(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, db, _ := setupLedgerService(t, node)
	seedBalance(t, db, accountID, 3, 10)
	ctx := context.Background()

	req := ledgerdomain.DebitRequest{
		AccountID:      accountID,
		Amount:         5,
		FeatureType:    "geogrid_check",
		IdempotencyKey: "geogrid:1:run-1",
	}
	if _, err := svc.Debit(ctx, req); err != nil {
		t.Fatalf("first debit: %v", err)
	}

	_, err := svc.Debit(ctx, req)
	idemErr, ok := err.(*ledgerdomain.IdempotencyError)
	if !ok {
		t.Fatalf("expected IdempotencyError, got %v", err)
	}
	if idemErr.Key != "geogrid:1:run-1" {
		t.Fatalf("unexpected key %q", idemErr.Key)
	}

	balance := readBalance(t, db, accountID)
	if balance.TotalCredits() != 8 {
		t.Fatalf("expected balance unchanged at 8, got %d", balance.TotalCredits())
	}
}

func TestDebitInsufficientCredits(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, db, _ := setupLedgerService(t, node)
	seedBalance(t, db, accountID, 1, 2)

	_, err := svc.Debit(context.Background(), ledgerdomain.DebitRequest{
		AccountID:      accountID,
		Amount:         5,
		FeatureType:    "geogrid_check",
		IdempotencyKey: "geogrid:1:run-1",
	})
	insuffErr, ok := err.(*ledgerdomain.InsufficientCreditsError)
	if !ok {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insuffErr.Required != 5 || insuffErr.Available != 3 {
		t.Fatalf("unexpected error values: %+v", insuffErr)
	}
	if n := countEntries(t, db, accountID); n != 0 {
		t.Fatalf("expected zero ledger rows, got %d", n)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, db, _ := setupLedgerService(t, node)
	seedBalance(t, db, accountID, 0, 100)
	ctx := context.Background()

	// The balance covers exactly one of the two debits; the row lock forces
	// the loser to see the drained balance instead of a stale read.
	errs := make(chan error, 2)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := svc.Debit(ctx, ledgerdomain.DebitRequest{
				AccountID:      accountID,
				Amount:         100,
				FeatureType:    "rank_check",
				IdempotencyKey: fmt.Sprintf("rank:1:race-%d", i),
			})
			errs <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	var won, rejected int
	for err := range errs {
		if err == nil {
			won++
			continue
		}
		if _, ok := err.(*ledgerdomain.InsufficientCreditsError); !ok {
			t.Fatalf("unexpected debit error: %v", err)
		}
		rejected++
	}
	if won != 1 || rejected != 1 {
		t.Fatalf("expected exactly one winning debit, got %d wins and %d rejections", won, rejected)
	}

	balance := readBalance(t, db, accountID)
	if balance.TotalCredits() != 0 {
		t.Fatalf("expected drained balance, got %d", balance.TotalCredits())
	}
	if balance.IncludedCredits < 0 || balance.PurchasedCredits < 0 {
		t.Fatalf("pools must never go negative: %+v", balance)
	}
	if n := countEntries(t, db, accountID); n != 1 {
		t.Fatalf("expected a single debit entry, got %d", n)
	}
}

func TestCreditMonthlyGrantStampsExpiry(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, db, fake := setupLedgerService(t, node)
	now := time.Date(2026, time.March, 15, 9, 30, 0, 0, time.UTC)
	fake.Advance(now.Sub(fake.Now()))

	entry, err := svc.Credit(context.Background(), ledgerdomain.CreditRequest{
		AccountID:       accountID,
		Amount:          100,
		CreditType:      ledgerdomain.CreditTypeIncluded,
		TransactionType: ledgerdomain.TransactionTypeMonthlyGrant,
		IdempotencyKey:  fmt.Sprintf("monthly_grant:%s:2026-03", accountID),
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if entry.Amount != 100 || entry.BalanceAfter != 100 {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	balance := readBalance(t, db, accountID)
	if balance.IncludedCredits != 100 {
		t.Fatalf("expected included 100, got %d", balance.IncludedCredits)
	}
	wantExpiry := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	if balance.IncludedCreditsExpireAt == nil || !balance.IncludedCreditsExpireAt.Equal(wantExpiry) {
		t.Fatalf("expected expiry %v, got %v", wantExpiry, balance.IncludedCreditsExpireAt)
	}
	if balance.LastMonthlyGrantAt == nil || !balance.LastMonthlyGrantAt.Equal(now) {
		t.Fatalf("expected grant stamp %v, got %v", now, balance.LastMonthlyGrantAt)
	}
}

func TestCreditDecemberGrantExpiresInJanuary(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, db, fake := setupLedgerService(t, node)
	now := time.Date(2026, time.December, 20, 0, 0, 0, 0, time.UTC)
	fake.Advance(now.Sub(fake.Now()))

	if _, err := svc.Credit(context.Background(), ledgerdomain.CreditRequest{
		AccountID:       accountID,
		Amount:          50,
		CreditType:      ledgerdomain.CreditTypeIncluded,
		TransactionType: ledgerdomain.TransactionTypeMonthlyGrant,
	}); err != nil {
		t.Fatalf("credit: %v", err)
	}

	balance := readBalance(t, db, accountID)
	wantExpiry := time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC)
	if balance.IncludedCreditsExpireAt == nil || !balance.IncludedCreditsExpireAt.Equal(wantExpiry) {
		t.Fatalf("expected expiry %v, got %v", wantExpiry, balance.IncludedCreditsExpireAt)
	}
}

func TestRefundFeatureAtMostOnce(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, db, _ := setupLedgerService(t, node)
	seedBalance(t, db, accountID, 0, 10)
	ctx := context.Background()

	entry, err := svc.RefundFeature(ctx, ledgerdomain.RefundRequest{
		AccountID:              accountID,
		Amount:                 5,
		OriginalIdempotencyKey: "geogrid:1:run-1",
		FeatureType:            "geogrid_check",
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := *entry.IdempotencyKey; got != "geogrid:1:run-1:refund" {
		t.Fatalf("unexpected refund key %q", got)
	}
	if entry.CreditType != ledgerdomain.CreditTypePurchased {
		t.Fatalf("refund must land in purchased pool, got %s", entry.CreditType)
	}

	_, err = svc.RefundFeature(ctx, ledgerdomain.RefundRequest{
		AccountID:              accountID,
		Amount:                 5,
		OriginalIdempotencyKey: "geogrid:1:run-1",
		FeatureType:            "geogrid_check",
	})
	if _, ok := err.(*ledgerdomain.IdempotencyError); !ok {
		t.Fatalf("expected IdempotencyError on second refund, got %v", err)
	}

	balance := readBalance(t, db, accountID)
	if balance.PurchasedCredits != 15 {
		t.Fatalf("expected purchased 15 after single refund, got %d", balance.PurchasedCredits)
	}
}

func TestExpireIncludedZeroesPool(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, db, _ := setupLedgerService(t, node)
	seedBalance(t, db, accountID, 40, 7)

	entry, err := svc.ExpireIncluded(context.Background(), accountID, fmt.Sprintf("monthly_expire:%s:2026-03", accountID), "scheduler")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if entry.Amount != -40 || entry.BalanceAfter != 7 {
		t.Fatalf("unexpected expire entry: %+v", entry)
	}

	balance := readBalance(t, db, accountID)
	if balance.IncludedCredits != 0 || balance.PurchasedCredits != 7 {
		t.Fatalf("unexpected balance after expire: %+v", balance)
	}
	if balance.IncludedCreditsExpireAt != nil {
		t.Fatalf("expected expiry cleared, got %v", balance.IncludedCreditsExpireAt)
	}
}

func TestExpireIncludedNoopOnEmptyPool(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, db, _ := setupLedgerService(t, node)
	seedBalance(t, db, accountID, 0, 7)

	entry, err := svc.ExpireIncluded(context.Background(), accountID, fmt.Sprintf("monthly_expire:%s:2026-03", accountID), "scheduler")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected no entry, got %+v", entry)
	}
	if n := countEntries(t, db, accountID); n != 0 {
		t.Fatalf("expected zero ledger rows, got %d", n)
	}
}

func TestLedgerReconstructsBalance(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, db, _ := setupLedgerService(t, node)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, ledgerdomain.CreditRequest{
		AccountID:       accountID,
		Amount:          100,
		CreditType:      ledgerdomain.CreditTypeIncluded,
		TransactionType: ledgerdomain.TransactionTypeMonthlyGrant,
	}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := svc.Credit(ctx, ledgerdomain.CreditRequest{
		AccountID:       accountID,
		Amount:          50,
		CreditType:      ledgerdomain.CreditTypePurchased,
		TransactionType: ledgerdomain.TransactionTypePurchase,
		IdempotencyKey:  "cs_test_123",
	}); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if _, err := svc.Debit(ctx, ledgerdomain.DebitRequest{
		AccountID:      accountID,
		Amount:         120,
		FeatureType:    "geogrid_check",
		IdempotencyKey: "geogrid:1:run-1",
	}); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if _, err := svc.RefundFeature(ctx, ledgerdomain.RefundRequest{
		AccountID:              accountID,
		Amount:                 120,
		OriginalIdempotencyKey: "geogrid:1:run-1",
		FeatureType:            "geogrid_check",
	}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	var sum int64
	if err := db.Model(&ledgerdomain.LedgerEntry{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error; err != nil {
		t.Fatalf("sum entries: %v", err)
	}

	balance := readBalance(t, db, accountID)
	if balance.TotalCredits() != sum {
		t.Fatalf("balance %d does not match ledger sum %d", balance.TotalCredits(), sum)
	}
	if balance.TotalCredits() != 150 {
		t.Fatalf("expected 150 credits, got %d", balance.TotalCredits())
	}
}

func TestListFiltersAndCounts(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, _, _ := setupLedgerService(t, node)
	ctx := context.Background()

	if _, err := svc.Credit(ctx, ledgerdomain.CreditRequest{
		AccountID:       accountID,
		Amount:          100,
		CreditType:      ledgerdomain.CreditTypeIncluded,
		TransactionType: ledgerdomain.TransactionTypeMonthlyGrant,
	}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.Debit(ctx, ledgerdomain.DebitRequest{
			AccountID:      accountID,
			Amount:         5,
			FeatureType:    "rank_check",
			IdempotencyKey: fmt.Sprintf("rank:1:run-%d", i),
		}); err != nil {
			t.Fatalf("debit %d: %v", i, err)
		}
	}

	resp, err := svc.List(ctx, ledgerdomain.ListRequest{
		AccountID:       accountID,
		TransactionType: ledgerdomain.TransactionTypeFeatureDebit,
		Limit:           2,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if resp.Total != 3 {
		t.Fatalf("expected total 3, got %d", resp.Total)
	}
	if len(resp.Entries) != 2 {
		t.Fatalf("expected 2 entries on page, got %d", len(resp.Entries))
	}
	for _, entry := range resp.Entries {
		if entry.TransactionType != ledgerdomain.TransactionTypeFeatureDebit {
			t.Fatalf("unexpected transaction type %s", entry.TransactionType)
		}
	}

	all, err := svc.List(ctx, ledgerdomain.ListRequest{AccountID: accountID})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if all.Total != 4 {
		t.Fatalf("expected total 4, got %d", all.Total)
	}
}

func TestListCursorPagination(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, _, fake := setupLedgerService(t, node)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		fake.Advance(time.Minute)
		if _, err := svc.Credit(ctx, ledgerdomain.CreditRequest{
			AccountID:       accountID,
			Amount:          10,
			CreditType:      ledgerdomain.CreditTypePurchased,
			TransactionType: ledgerdomain.TransactionTypePurchase,
			IdempotencyKey:  fmt.Sprintf("cs_test_%d", i),
		}); err != nil {
			t.Fatalf("credit %d: %v", i, err)
		}
	}

	seen := map[string]bool{}
	first, err := svc.List(ctx, ledgerdomain.ListRequest{AccountID: accountID, Limit: 2})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Entries) != 2 || !first.HasMore || first.NextPageToken == "" {
		t.Fatalf("unexpected first page: %d entries, has_more=%v", len(first.Entries), first.HasMore)
	}
	for _, entry := range first.Entries {
		seen[*entry.IdempotencyKey] = true
	}

	second, err := svc.List(ctx, ledgerdomain.ListRequest{
		AccountID: accountID,
		Limit:     2,
		PageToken: first.NextPageToken,
	})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Entries) != 2 || !second.HasMore {
		t.Fatalf("unexpected second page: %d entries, has_more=%v", len(second.Entries), second.HasMore)
	}
	for _, entry := range second.Entries {
		if seen[*entry.IdempotencyKey] {
			t.Fatalf("entry %s repeated across pages", *entry.IdempotencyKey)
		}
		seen[*entry.IdempotencyKey] = true
	}

	last, err := svc.List(ctx, ledgerdomain.ListRequest{
		AccountID: accountID,
		Limit:     2,
		PageToken: second.NextPageToken,
	})
	if err != nil {
		t.Fatalf("last page: %v", err)
	}
	if len(last.Entries) != 1 || last.HasMore {
		t.Fatalf("unexpected last page: %d entries, has_more=%v", len(last.Entries), last.HasMore)
	}
	if got := *last.Entries[0].IdempotencyKey; got != "cs_test_0" {
		t.Fatalf("expected oldest entry last, got %s", got)
	}
}

func setupLedgerService(t *testing.T, node *snowflake.Node) (ledgerdomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	_ = db.Exec("PRAGMA journal_mode = WAL").Error
	prepareCreditSchema(t, db)

	fake := clock.NewFakeClock(time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	return svc, db, fake
}

func prepareCreditSchema(t *testing.T, db *gorm.DB) {
	t.Helper()

	if err := db.Exec(`CREATE TABLE credit_balances (
		account_id INTEGER PRIMARY KEY,
		included_credits INTEGER NOT NULL DEFAULT 0,
		purchased_credits INTEGER NOT NULL DEFAULT 0,
		included_credits_expire_at DATETIME,
		last_monthly_grant_at DATETIME,
		updated_at DATETIME NOT NULL
	)`).Error; err != nil {
		t.Fatalf("create credit_balances: %v", err)
	}
	if err := db.Exec(`CREATE TABLE credit_ledger (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		credit_type TEXT NOT NULL,
		transaction_type TEXT NOT NULL,
		feature_type TEXT,
		feature_metadata TEXT,
		idempotency_key TEXT UNIQUE,
		stripe_session_id TEXT,
		stripe_invoice_id TEXT,
		stripe_charge_id TEXT,
		description TEXT,
		created_at DATETIME NOT NULL,
		created_by TEXT
	)`).Error; err != nil {
		t.Fatalf("create credit_ledger: %v", err)
	}
}

func seedBalance(t *testing.T, db *gorm.DB, accountID snowflake.ID, included, purchased int64) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO credit_balances (account_id, included_credits, purchased_credits, updated_at) VALUES (?, ?, ?, ?)`,
		accountID, included, purchased, time.Now().UTC(),
	).Error; err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func readBalance(t *testing.T, db *gorm.DB, accountID snowflake.ID) ledgerdomain.CreditBalance {
	t.Helper()
	var balance ledgerdomain.CreditBalance
	if err := db.Where("account_id = ?", accountID).First(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return balance
}

func countEntries(t *testing.T, db *gorm.DB, accountID snowflake.ID) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&ledgerdomain.LedgerEntry{}).Where("account_id = ?", accountID).Count(&count).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	return count
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}
