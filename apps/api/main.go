package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voltara/internal/balance"
	"github.com/smallbiznis/voltara/internal/clock"
	"github.com/smallbiznis/voltara/internal/config"
	"github.com/smallbiznis/voltara/internal/consumption"
	"github.com/smallbiznis/voltara/internal/logger"
	"github.com/smallbiznis/voltara/internal/metrics"
	"github.com/smallbiznis/voltara/internal/migration"
	"github.com/smallbiznis/voltara/internal/server"
	"github.com/smallbiznis/voltara/internal/transaction"
	"github.com/smallbiznis/voltara/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		metrics.Module,
		migration.Module,

		consumption.Module,
		transaction.Module,
		balance.Module,

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
