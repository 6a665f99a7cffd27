package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/feeledger/internal/clock"
	"github.com/smallbiznis/feeledger/internal/config"
	"github.com/smallbiznis/feeledger/internal/events"
	"github.com/smallbiznis/feeledger/internal/locker"
	"github.com/smallbiznis/feeledger/internal/migration"
	"github.com/smallbiznis/feeledger/internal/observability"
	"github.com/smallbiznis/feeledger/internal/overdue"
	"github.com/smallbiznis/feeledger/internal/payment"
	"github.com/smallbiznis/feeledger/internal/reconciliation"
	"github.com/smallbiznis/feeledger/internal/scheduler"
	"github.com/smallbiznis/feeledger/internal/server"
	"github.com/smallbiznis/feeledger/internal/statistics"
	"github.com/smallbiznis/feeledger/internal/student"
	"github.com/smallbiznis/feeledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		locker.Module,
		events.Module,

		// Ledger
		student.Module,
		payment.Module,
		overdue.Module,
		reconciliation.Module,
		statistics.Module,

		server.Module,
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
