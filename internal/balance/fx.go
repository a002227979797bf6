package balance

import (
	"github.com/smallbiznis/voltara/internal/balance/service"
	"go.uber.org/fx"
)

var Module = fx.Module("balance.service",
	fx.Provide(service.NewService),
)
