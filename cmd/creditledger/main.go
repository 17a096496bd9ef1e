package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/gridpulse/creditledger/internal/account"
	"github.com/gridpulse/creditledger/internal/balance"
	"github.com/gridpulse/creditledger/internal/charge"
	"github.com/gridpulse/creditledger/internal/clock"
	"github.com/gridpulse/creditledger/internal/config"
	"github.com/gridpulse/creditledger/internal/ledger"
	"github.com/gridpulse/creditledger/internal/migration"
	"github.com/gridpulse/creditledger/internal/observability"
	"github.com/gridpulse/creditledger/internal/pricing"
	"github.com/gridpulse/creditledger/internal/purchase"
	"github.com/gridpulse/creditledger/internal/scheduler"
	"github.com/gridpulse/creditledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		account.Module,
		balance.Module,
		ledger.Module,
		pricing.Module,
		charge.Module,
		purchase.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
