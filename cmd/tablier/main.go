package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/tablierhq/tablier/internal/analytics"
	"github.com/tablierhq/tablier/internal/billingevent"
	"github.com/tablierhq/tablier/internal/clock"
	"github.com/tablierhq/tablier/internal/config"
	"github.com/tablierhq/tablier/internal/invoice"
	"github.com/tablierhq/tablier/internal/logger"
	"github.com/tablierhq/tablier/internal/meter"
	"github.com/tablierhq/tablier/internal/migration"
	"github.com/tablierhq/tablier/internal/plan"
	"github.com/tablierhq/tablier/internal/providers/email"
	"github.com/tablierhq/tablier/internal/providers/payment"
	"github.com/tablierhq/tablier/internal/ratelimit"
	"github.com/tablierhq/tablier/internal/scheduler"
	"github.com/tablierhq/tablier/internal/seed"
	"github.com/tablierhq/tablier/internal/server"
	"github.com/tablierhq/tablier/internal/subscription"
	"github.com/tablierhq/tablier/internal/wallet"
	"github.com/tablierhq/tablier/pkg/db"
	"github.com/tablierhq/tablier/pkg/telemetry"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		telemetry.Module,
		migration.Module,
		seed.Module,

		// domains
		plan.Module,
		subscription.Module,
		wallet.Module,
		meter.Module,
		billingevent.Module,
		invoice.Module,
		analytics.Module,

		// providers and transport
		payment.Module,
		email.Module,
		ratelimit.Module,
		scheduler.Module,
		server.Module,
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
