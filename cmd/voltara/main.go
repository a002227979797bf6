// Command voltara runs the full service in one process: HTTP API, live
// reading poller and transaction ledger poller. Batch ingestion stays a
// separate command; see apps/ingest.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voltara/internal/balance"
	"github.com/smallbiznis/voltara/internal/clock"
	"github.com/smallbiznis/voltara/internal/config"
	"github.com/smallbiznis/voltara/internal/consumption"
	"github.com/smallbiznis/voltara/internal/logger"
	"github.com/smallbiznis/voltara/internal/meterapi"
	"github.com/smallbiznis/voltara/internal/metrics"
	"github.com/smallbiznis/voltara/internal/migration"
	"github.com/smallbiznis/voltara/internal/poller"
	"github.com/smallbiznis/voltara/internal/ratelimit"
	"github.com/smallbiznis/voltara/internal/server"
	"github.com/smallbiznis/voltara/internal/site"
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

		site.Module,
		ratelimit.Module,
		meterapi.Module,

		consumption.Module,
		transaction.Module,
		balance.Module,

		poller.Module,
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
