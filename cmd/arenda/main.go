package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/arenda-io/arenda/internal/auth"
	"github.com/arenda-io/arenda/internal/booking"
	"github.com/arenda-io/arenda/internal/clock"
	"github.com/arenda-io/arenda/internal/config"
	"github.com/arenda-io/arenda/internal/gateway"
	"github.com/arenda-io/arenda/internal/ledger"
	"github.com/arenda-io/arenda/internal/migration"
	"github.com/arenda-io/arenda/internal/observability"
	"github.com/arenda-io/arenda/internal/payment"
	"github.com/arenda-io/arenda/internal/policy"
	"github.com/arenda-io/arenda/internal/providers/email"
	"github.com/arenda-io/arenda/internal/reconcile"
	"github.com/arenda-io/arenda/internal/refund"
	"github.com/arenda-io/arenda/internal/server"
	"github.com/arenda-io/arenda/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		auth.Module,
		gateway.Module,
		ledger.Module,
		booking.Module,
		policy.Module,
		email.Module,
		payment.Module,
		refund.Module,
		reconcile.Module,

		server.Module,
	)
	app.Run()
}

func registerSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
