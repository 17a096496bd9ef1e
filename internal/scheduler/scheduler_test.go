package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/gridpulse/creditledger/internal/clock"
	ledgerdomain "github.com/gridpulse/creditledger/internal/ledger/domain"
	ledgerservice "github.com/gridpulse/creditledger/internal/ledger/service"
	pricingdomain "github.com/gridpulse/creditledger/internal/pricing/domain"
	pricingservice "github.com/gridpulse/creditledger/internal/pricing/service"
	"github.com/gridpulse/creditledger/pkg/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestMonthlyGrantJobGrantsActiveAccounts(t *testing.T) {
	sched, db, node, _ := setupScheduler(t, time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC))
	starter := node.Generate()
	pro := node.Generate()
	inactive := node.Generate()
	free := node.Generate()
	seedAccount(t, db, starter, "starter", true)
	seedAccount(t, db, pro, "pro", true)
	seedAccount(t, db, inactive, "pro", false)
	seedAccount(t, db, free, "free", true)

	if err := sched.MonthlyGrantJob(context.Background()); err != nil {
		t.Fatalf("monthly grant: %v", err)
	}

	assertIncluded(t, db, starter, 100)
	assertIncluded(t, db, pro, 500)

	var balance ledgerdomain.CreditBalance
	if err := db.Where("account_id = ?", starter).First(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	wantExpiry := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	if balance.IncludedCreditsExpireAt == nil || !balance.IncludedCreditsExpireAt.Equal(wantExpiry) {
		t.Fatalf("expected expiry %v, got %v", wantExpiry, balance.IncludedCreditsExpireAt)
	}
	if balance.LastMonthlyGrantAt == nil {
		t.Fatal("expected last_monthly_grant_at to be stamped")
	}

	var entry ledgerdomain.LedgerEntry
	if err := db.Where("account_id = ?", starter).First(&entry).Error; err != nil {
		t.Fatalf("read entry: %v", err)
	}
	wantKey := fmt.Sprintf("monthly_grant:%s:2026-03", starter)
	if entry.IdempotencyKey == nil || *entry.IdempotencyKey != wantKey {
		t.Fatalf("expected idempotency key %q, got %v", wantKey, entry.IdempotencyKey)
	}
	if entry.TransactionType != ledgerdomain.TransactionTypeMonthlyGrant || entry.CreditType != ledgerdomain.CreditTypeIncluded {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	for _, skipped := range []snowflake.ID{inactive, free} {
		var count int64
		if err := db.Model(&ledgerdomain.LedgerEntry{}).Where("account_id = ?", skipped).Count(&count).Error; err != nil {
			t.Fatalf("count entries: %v", err)
		}
		if count != 0 {
			t.Fatalf("account %s must not be granted", skipped)
		}
	}
}

func TestMonthlyGrantJobIsIdempotentWithinMonth(t *testing.T) {
	sched, db, node, _ := setupScheduler(t, time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC))
	accountID := node.Generate()
	seedAccount(t, db, accountID, "starter", true)
	ctx := context.Background()

	if err := sched.MonthlyGrantJob(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := sched.MonthlyGrantJob(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}

	assertIncluded(t, db, accountID, 100)
	var count int64
	if err := db.Model(&ledgerdomain.LedgerEntry{}).Where("account_id = ?", accountID).Count(&count).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single grant entry, got %d", count)
	}
}

func TestMonthlyGrantJobNotStarvedByZeroAllowanceAccounts(t *testing.T) {
	sched, db, node, _ := setupScheduler(t, time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC))

	// A full batch of zero-allowance accounts sorts ahead of the grantable
	// one; the claim must still reach it.
	for i := 0; i < sched.cfg.BatchSize; i++ {
		seedAccount(t, db, node.Generate(), "free", true)
	}
	starter := node.Generate()
	seedAccount(t, db, starter, "starter", true)

	if err := sched.MonthlyGrantJob(context.Background()); err != nil {
		t.Fatalf("monthly grant: %v", err)
	}

	assertIncluded(t, db, starter, 100)
	var count int64
	if err := db.Model(&ledgerdomain.LedgerEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the starter grant, got %d entries", count)
	}
}

func TestExpireIncludedJobSkipsUnexpiredBalances(t *testing.T) {
	sched, db, node, fake := setupScheduler(t, time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC))
	accountID := node.Generate()
	seedAccount(t, db, accountID, "starter", true)

	if err := sched.MonthlyGrantJob(context.Background()); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := sched.ExpireIncludedJob(context.Background()); err != nil {
		t.Fatalf("expire: %v", err)
	}
	assertIncluded(t, db, accountID, 100)

	fake.Advance(30 * 24 * time.Hour)
	if err := sched.ExpireIncludedJob(context.Background()); err != nil {
		t.Fatalf("expire after rollover: %v", err)
	}
	assertIncluded(t, db, accountID, 0)
}

func TestRunOnceRolloverExpiresThenGrants(t *testing.T) {
	sched, db, node, fake := setupScheduler(t, time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC))
	accountID := node.Generate()
	seedAccount(t, db, accountID, "starter", true)
	ctx := context.Background()

	if err := sched.RunOnce(ctx); err != nil {
		t.Fatalf("march run: %v", err)
	}
	assertIncluded(t, db, accountID, 100)

	fake.Advance(25 * 24 * time.Hour)
	if err := sched.RunOnce(ctx); err != nil {
		t.Fatalf("april run: %v", err)
	}

	assertIncluded(t, db, accountID, 100)
	var count int64
	if err := db.Model(&ledgerdomain.LedgerEntry{}).Where("account_id = ?", accountID).Count(&count).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	// march grant, april expiry, april grant
	if count != 3 {
		t.Fatalf("expected 3 entries, got %d", count)
	}

	var sum int64
	if err := db.Model(&ledgerdomain.LedgerEntry{}).Where("account_id = ?", accountID).Select("COALESCE(SUM(amount), 0)").Scan(&sum).Error; err != nil {
		t.Fatalf("sum entries: %v", err)
	}
	if sum != 100 {
		t.Fatalf("ledger sum %d does not match balance 100", sum)
	}
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	sched, db, node, _ := setupScheduler(t, time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC))
	sched.cfg.EnabledJobs = []string{"expire_included"}
	accountID := node.Generate()
	seedAccount(t, db, accountID, "starter", true)

	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	var count int64
	if err := db.Model(&ledgerdomain.LedgerEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if count != 0 {
		t.Fatalf("monthly grant must be disabled, found %d entries", count)
	}
}

func setupScheduler(t *testing.T, start time.Time) (*Scheduler, *gorm.DB, *snowflake.Node, *clock.FakeClock) {
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

	if err := db.Exec(`CREATE TABLE accounts (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		tier TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`).Error; err != nil {
		t.Fatalf("create accounts: %v", err)
	}
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

	if err := db.Exec(`CREATE TABLE credit_included_by_tier (
		tier TEXT PRIMARY KEY,
		monthly_credits INTEGER NOT NULL
	)`).Error; err != nil {
		t.Fatalf("create credit_included_by_tier: %v", err)
	}
	for tier, credits := range map[string]int64{"free": 0, "starter": 100, "pro": 500} {
		if err := db.Exec(
			`INSERT INTO credit_included_by_tier (tier, monthly_credits) VALUES (?, ?)`,
			tier, credits,
		).Error; err != nil {
			t.Fatalf("seed tier %s: %v", tier, err)
		}
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	fake := clock.NewFakeClock(start)

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	pricingSvc := pricingservice.NewService(pricingservice.Params{
		Log:   zap.NewNop(),
		Rules: repository.ProvideStore[pricingdomain.PricingRule](db),
		Packs: repository.ProvideStore[pricingdomain.CreditPack](db),
		Tiers: repository.ProvideStore[pricingdomain.TierCredits](db),
	})

	sched, err := New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		LedgerSvc:  ledgerSvc,
		PricingSvc: pricingSvc,
		GenID:      node,
		Clock:      fake,
		Config:     Config{BatchSize: 10},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return sched, db, node, fake
}

func seedAccount(t *testing.T, db *gorm.DB, id snowflake.ID, tier string, active bool) {
	t.Helper()
	if err := db.Exec(
		`INSERT INTO accounts (id, name, tier, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		id, fmt.Sprintf("account-%s", id), tier, active,
	).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func assertIncluded(t *testing.T, db *gorm.DB, accountID snowflake.ID, want int64) {
	t.Helper()
	var balance ledgerdomain.CreditBalance
	err := db.Where("account_id = ?", accountID).First(&balance).Error
	if err != nil {
		if want == 0 {
			return
		}
		t.Fatalf("read balance: %v", err)
	}
	if balance.IncludedCredits != want {
		t.Fatalf("expected included credits %d, got %d", want, balance.IncludedCredits)
	}
}
