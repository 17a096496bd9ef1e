package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	balancedomain "github.com/gridpulse/creditledger/internal/balance/domain"
	"github.com/gridpulse/creditledger/internal/clock"
	ledgerdomain "github.com/gridpulse/creditledger/internal/ledger/domain"
	"github.com/gridpulse/creditledger/pkg/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestGetBalanceZeroValuedWhenAbsent(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, _ := setupBalanceService(t)

	balance, err := svc.GetBalance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.AccountID != accountID {
		t.Fatalf("unexpected account id %s", balance.AccountID)
	}
	if balance.TotalCredits != 0 || balance.IncludedCredits != 0 || balance.PurchasedCredits != 0 {
		t.Fatalf("expected zero balance, got %+v", balance)
	}
}

func TestGetBalanceReturnsStoredPools(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, db := setupBalanceService(t)

	if err := db.Exec(
		`INSERT INTO credit_balances (account_id, included_credits, purchased_credits, updated_at) VALUES (?, 30, 12, ?)`,
		accountID, time.Now().UTC(),
	).Error; err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	balance, err := svc.GetBalance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.IncludedCredits != 30 || balance.PurchasedCredits != 12 || balance.TotalCredits != 42 {
		t.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestEnsureExistsIsIdempotent(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, db := setupBalanceService(t)
	ctx := context.Background()

	if err := svc.EnsureExists(ctx, accountID); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := svc.EnsureExists(ctx, accountID); err != nil {
		t.Fatalf("second ensure: %v", err)
	}

	var count int64
	if err := db.Model(&ledgerdomain.CreditBalance{}).Where("account_id = ?", accountID).Count(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestEnsureExistsDoesNotOverwrite(t *testing.T) {
	node := mustNode(t)
	accountID := node.Generate()
	svc, db := setupBalanceService(t)

	if err := db.Exec(
		`INSERT INTO credit_balances (account_id, included_credits, purchased_credits, updated_at) VALUES (?, 30, 12, ?)`,
		accountID, time.Now().UTC(),
	).Error; err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	if err := svc.EnsureExists(context.Background(), accountID); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	balance, err := svc.GetBalance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance.TotalCredits != 42 {
		t.Fatalf("expected balance preserved, got %+v", balance)
	}
}

func setupBalanceService(t *testing.T) (balancedomain.Service, *gorm.DB) {
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

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC)),
		Repo:  repository.ProvideStore[ledgerdomain.CreditBalance](db),
	})
	return svc, db
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}
