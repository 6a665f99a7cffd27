package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/feeledger/internal/clock"
	"github.com/smallbiznis/feeledger/internal/config"
	"github.com/smallbiznis/feeledger/internal/events"
	"github.com/smallbiznis/feeledger/internal/locker"
	"github.com/smallbiznis/feeledger/internal/observability"
	"github.com/smallbiznis/feeledger/internal/overdue"
	"github.com/smallbiznis/feeledger/internal/payment"
	"github.com/smallbiznis/feeledger/internal/reconciliation"
	"github.com/smallbiznis/feeledger/internal/scheduler"
	"github.com/smallbiznis/feeledger/internal/statistics"
	"github.com/smallbiznis/feeledger/internal/student"
	"github.com/smallbiznis/feeledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		locker.Module,
		events.Module,

		// Domain services required by scheduler
		student.Module,
		payment.Module,
		overdue.Module,
		reconciliation.Module,
		statistics.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}
