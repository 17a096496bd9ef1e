package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/gridpulse/creditledger/internal/account"
	"github.com/gridpulse/creditledger/internal/balance"
	"github.com/gridpulse/creditledger/internal/clock"
	"github.com/gridpulse/creditledger/internal/config"
	"github.com/gridpulse/creditledger/internal/ledger"
	"github.com/gridpulse/creditledger/internal/migration"
	"github.com/gridpulse/creditledger/internal/observability"
	"github.com/gridpulse/creditledger/internal/pricing"
	"github.com/gridpulse/creditledger/internal/scheduler"
	"github.com/gridpulse/creditledger/pkg/db"
	"go.uber.org/fx"
)

// Standalone runner for the monthly credit lifecycle jobs. Deployments that
// scale the main binary horizontally run this worker separately with
// SCHEDULER_ENABLED_JOBS scoping.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services required by the jobs
		ledger.Module,
		balance.Module,
		pricing.Module,
		account.Module,
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
