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
	"github.com/smallbiznis/feeledger/internal/server"
	"github.com/smallbiznis/feeledger/internal/statistics"
	"github.com/smallbiznis/feeledger/internal/student"
	"github.com/smallbiznis/feeledger/pkg/db"
	"go.uber.org/fx"
)

// The API app serves HTTP only. Run apps/scheduler next to it with
// LOCK_BACKEND=redis so both processes share student locks.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		locker.Module,
		events.Module,

		student.Module,
		payment.Module,
		overdue.Module,
		reconciliation.Module,
		statistics.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
