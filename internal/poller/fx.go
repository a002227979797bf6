package poller

import (
	"context"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/voltara/internal/balance/domain"
	"github.com/smallbiznis/voltara/internal/clock"
	"github.com/smallbiznis/voltara/internal/config"
	consumptiondomain "github.com/smallbiznis/voltara/internal/consumption/domain"
	"github.com/smallbiznis/voltara/internal/meterapi"
	"github.com/smallbiznis/voltara/internal/metrics"
	"github.com/smallbiznis/voltara/internal/site"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func ConfigFromApp(cfg config.Config) Config {
	return Config{
		LiveInterval:        cfg.Poller.LiveInterval,
		TransactionInterval: cfg.Poller.TransactionInterval,
		TransactionPageSize: cfg.Poller.TransactionPageSize,
		TransactionLookback: cfg.Poller.TransactionLookback,
	}.withDefaults()
}

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	Client          *meterapi.Client
	Registry        *site.Registry
	ConsumptionRepo consumptiondomain.Repository
	BalanceService  balancedomain.Service
	Metrics         *metrics.Metrics `optional:"true"`
	Config          Config
}

func NewLive(p Params) *LivePoller {
	return NewLivePoller(p.DB, p.Log, p.GenID, p.Client, p.Registry, p.ConsumptionRepo, p.Metrics, p.Config)
}

func NewTransactions(p Params) *TransactionPoller {
	return NewTransactionPoller(p.DB, p.Log, p.Clock, p.Client, p.Registry, p.ConsumptionRepo, p.BalanceService, p.Metrics, p.Config)
}

func run(lc fx.Lifecycle, live *LivePoller, transactions *TransactionPoller) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				live.RunForever(ctx)
				done <- struct{}{}
			}()
			go func() {
				transactions.RunForever(ctx)
				done <- struct{}{}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			for i := 0; i < 2; i++ {
				select {
				case <-done:
				case <-stopCtx.Done():
					return stopCtx.Err()
				}
			}
			return nil
		},
	})
}

var Module = fx.Module("poller",
	fx.Provide(ConfigFromApp),
	fx.Provide(NewLive),
	fx.Provide(NewTransactions),
	fx.Invoke(run),
)
